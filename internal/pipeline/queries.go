package pipeline

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Ask enqueues a pending ad-hoc question against name's target, spawns a
// worker to run the tool and resolve it, and returns the query id
// immediately (the server answers 202 with this id).
func (p *Pipeline) Ask(ctx context.Context, name, question string) string {
	return p.enqueueQuery(ctx, name, "ask", question)
}

// Explain enqueues a request to explain a specific finding id, resolved the
// same way as Ask.
func (p *Pipeline) Explain(ctx context.Context, name, findingID string) string {
	return p.enqueueQuery(ctx, name, "explain", findingID)
}

func (p *Pipeline) enqueueQuery(ctx context.Context, name, queryType, question string) string {
	q := &Query{
		ID:        ulid.Make().String(),
		Target:    name,
		Type:      queryType,
		Question:  question,
		Status:    QueryPending,
		CreatedAt: p.cfg.Now(),
	}

	p.mu.Lock()
	p.queries = append(p.queries, q)
	p.pruneQueriesLocked()
	p.mu.Unlock()

	p.safeThread("", func() {
		prompt := fmt.Sprintf("%s: %s (target=%s)", queryType, question, name)
		raw, err := p.cfg.Tool.ToolCall(ctx, prompt, p.isCancelled)

		p.mu.Lock()
		defer p.mu.Unlock()
		for _, live := range p.queries {
			if live.ID != q.ID {
				continue
			}
			if err != nil {
				live.Status = QueryError
				live.Error = err.Error()
			} else {
				live.Status = QueryComplete
				live.Result = raw
			}
			break
		}
	})

	return q.ID
}

// pruneQueriesLocked drops the oldest queries once the cap is exceeded. Must
// be called with p.mu held.
func (p *Pipeline) pruneQueriesLocked() {
	if len(p.queries) <= p.cfg.QueriesCap {
		return
	}
	p.queries = p.queries[len(p.queries)-p.cfg.QueriesCap:]
}

// Query returns a deep-copied snapshot of the query with the given id, or
// nil if not found.
func (p *Pipeline) Query(id string) *Query {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.queries {
		if q.ID == id {
			return q.Clone()
		}
	}
	return nil
}

// Package sse streams pipeline snapshots to the operator console as
// Server-Sent Events, one connection per subscriber, polling on a fixed
// interval rather than pushing per-event like the teacher's broadcaster —
// the workflow state machine here is a shared mutable snapshot, not a
// stream of discrete progress events, so "what changed" is answered by
// diffing serialized snapshots instead of fanning out individual sends.
//
// Grounded on kilroy's internal/server/sse.go (Broadcaster: history replay,
// per-subscriber channel, done-channel distinguishing a real Close from a
// slow-client drop, WriteSSE's flusher/header/event-loop shape). The
// poll-serialize-diff loop, the subscriber cap, and the 100ms serialization
// cache have no teacher analogue and are new; Close/doneCh's shutdown
// signaling is kept as-is for graceful server shutdown.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/hardener/hardener/internal/pipeline"
)

// SnapshotFunc returns the pipeline state to serialize on each tick.
type SnapshotFunc func() pipeline.Snapshot

// Broadcaster caps concurrent SSE subscribers and serves each one a
// diff-suppressed stream of the pipeline snapshot, serialized at most once
// per cacheTTL across all subscribers.
type Broadcaster struct {
	snapshot    SnapshotFunc
	projectRoot string

	maxSubscribers int32
	active         int32

	interval time.Duration
	cacheTTL time.Duration

	cacheMu     sync.Mutex
	cachedAt    time.Time
	cachedBytes []byte
	cachedHash  [32]byte

	doneCh chan struct{}
	closed int32
}

// NewBroadcaster builds a Broadcaster. maxSubscribers <= 0 means unbounded.
// projectRoot, if non-empty, is redacted from error text in every
// serialized snapshot via pipeline.SanitizePath.
func NewBroadcaster(snapshot SnapshotFunc, projectRoot string, maxSubscribers int) *Broadcaster {
	return &Broadcaster{
		snapshot:       snapshot,
		projectRoot:    projectRoot,
		maxSubscribers: int32(maxSubscribers),
		interval:       500 * time.Millisecond,
		cacheTTL:       100 * time.Millisecond,
		doneCh:         make(chan struct{}),
	}
}

// ActiveSubscribers reports the current subscriber count.
func (b *Broadcaster) ActiveSubscribers() int {
	return int(atomic.LoadInt32(&b.active))
}

// tryAcquire reserves a subscriber slot, returning false if the cap (when
// positive) is already reached.
func (b *Broadcaster) tryAcquire() (release func(), ok bool) {
	if b.maxSubscribers <= 0 {
		atomic.AddInt32(&b.active, 1)
		return func() { atomic.AddInt32(&b.active, -1) }, true
	}
	for {
		cur := atomic.LoadInt32(&b.active)
		if cur >= b.maxSubscribers {
			return nil, false
		}
		if atomic.CompareAndSwapInt32(&b.active, cur, cur+1) {
			return func() { atomic.AddInt32(&b.active, -1) }, true
		}
	}
}

// serialize returns the current snapshot's JSON bytes and a blake3
// fingerprint of them, reusing the last serialization if it is still within
// cacheTTL so concurrent subscribers waking on the same tick don't each
// re-marshal and re-sanitize the same state.
func (b *Broadcaster) serialize() ([]byte, [32]byte, error) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()

	if b.cachedBytes != nil && time.Since(b.cachedAt) < b.cacheTTL {
		return b.cachedBytes, b.cachedHash, nil
	}

	snap := b.snapshot()
	sanitizeSnapshot(&snap, b.projectRoot)
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("sse: marshal snapshot: %w", err)
	}

	b.cachedBytes = data
	b.cachedHash = blake3.Sum256(data)
	b.cachedAt = time.Now()
	return b.cachedBytes, b.cachedHash, nil
}

// Close signals shutdown to every in-flight WriteSSE loop; subsequent
// subscribers are still accepted (a Broadcaster has no "finished" state of
// its own — the pipeline it serves runs indefinitely across many
// workflows), so Close is for graceful server shutdown only.
func (b *Broadcaster) Close() {
	if atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		close(b.doneCh)
	}
}

// sanitizeSnapshot redacts projectRoot from every error string the
// snapshot carries, per spec's "path sanitization applied to any error
// messages in the payload". snap is a caller-local copy whose Workflows map
// holds already-cloned *Workflow values (from Pipeline.Status()), so
// mutating them here never touches live pipeline state.
func sanitizeSnapshot(snap *pipeline.Snapshot, projectRoot string) {
	if projectRoot == "" {
		return
	}
	for _, wf := range snap.Workflows {
		if wf.Error != "" {
			wf.Error = pipeline.SanitizePath(wf.Error, projectRoot)
		}
	}
	for i := range snap.Errors {
		snap.Errors[i].Message = pipeline.SanitizePath(snap.Errors[i].Message, projectRoot)
	}
	for _, q := range snap.Queries {
		if q.Error != "" {
			q.Error = pipeline.SanitizePath(q.Error, projectRoot)
		}
	}
}

// WriteSSE serves one subscriber: every interval it serializes the pipeline
// snapshot (via the shared cache) and emits a data frame only if the
// fingerprint differs from the last one sent on this connection. Returns
// immediately with 429 if the subscriber cap is already reached.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	release, ok := b.tryAcquire()
	if !ok {
		http.Error(w, "too many subscribers", http.StatusTooManyRequests)
		return
	}
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	ctx := r.Context()
	var lastHash [32]byte
	var haveLast bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.doneCh:
			fmt.Fprintf(w, "event: done\ndata: {}\n\n")
			flusher.Flush()
			return
		case <-ticker.C:
			data, hash, err := b.serialize()
			if err != nil {
				continue
			}
			if haveLast && hash == lastHash {
				continue
			}
			lastHash = hash
			haveLast = true
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

package pipeline

import (
	"fmt"

	"github.com/hardener/hardener/internal/target"
)

// LoadAnalysis backs POST /pipeline/load-analysis: it reads a previously
// written analysis.json sidecar for t under mode and creates (or replaces,
// if not currently active) the in-memory workflow at the
// awaiting_decisions gate, without invoking the tool. Fails if no analysis
// sidecar has ever been written, or if the workflow is currently active.
func (p *Pipeline) LoadAnalysis(t target.Target, mode Mode) (*Workflow, error) {
	store := p.sidecarFor(mode)
	var analysis map[string]any
	if err := store.ReadSidecar(t.FullPath, "analysis.json", &analysis); err != nil {
		return nil, fmt.Errorf("load-analysis: no analysis sidecar for %q: %w", t.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if wf, ok := p.workflows[t.Name]; ok && isActiveStatus(wf.Status) {
		return nil, &GuardFailure{Message: fmt.Sprintf("workflow %q is already active (status=%s)", t.Name, wf.Status)}
	}

	wf := &Workflow{
		Name:      t.Name,
		Path:      t.Path,
		FullPath:  t.FullPath,
		Mode:      mode,
		Status:    StatusAwaitingDecisions,
		Analysis:  analysis,
		StartedAt: p.cfg.Now(),
	}
	p.workflows[t.Name] = wf
	return wf.Clone(), nil
}

package pipeline

import (
	"github.com/hardener/hardener/internal/target"
)

// Rescan reconstructs a best-effort terminal/gate status for each discovered
// target by inspecting which sidecar JSON files already exist on disk, for
// targets with no current in-memory workflow. This is read-only
// reconstruction of state visible to the operator after a server restart; it
// never resumes in-flight phase execution (an active phase at the moment of
// a prior shutdown is simply invisible — the reconstructed workflow starts
// at whatever gate the last completed phase left behind).
//
// Grounded on kilroy's internal/attractor/runstate/snapshot.go pattern of
// reading JSON artifacts off disk to reconstruct state, adapted to this
// package's own sidecar filenames instead of the teacher's final.json/
// live.json pidfile scheme.
func (p *Pipeline) Rescan(targets []target.Target) {
	for _, t := range targets {
		p.mu.Lock()
		_, exists := p.workflows[t.Name]
		p.mu.Unlock()
		if exists {
			continue
		}

		if wf := p.rescanOne(t, ModeHardening, "applied.json"); wf != nil {
			p.mu.Lock()
			p.workflows[t.Name] = wf
			p.mu.Unlock()
			continue
		}
		if wf := p.rescanOne(t, ModeEnhancing, "hardened.json"); wf != nil {
			p.mu.Lock()
			p.workflows[t.Name] = wf
			p.mu.Unlock()
		}
	}
}

// rescanOne inspects one mode's sidecar directory for target t, returning a
// reconstructed Workflow if any sidecar artifact exists, or nil if the mode
// has never touched this target.
func (p *Pipeline) rescanOne(t target.Target, mode Mode, appliedFilename string) *Workflow {
	store := p.sidecarFor(mode)
	if store == nil {
		return nil
	}

	var analysis, applied, testResults, ciResults, verification map[string]any
	haveAnalysis := store.ReadSidecar(t.FullPath, "analysis.json", &analysis) == nil
	if !haveAnalysis {
		return nil
	}
	haveApplied := store.ReadSidecar(t.FullPath, appliedFilename, &applied) == nil
	haveTests := store.ReadSidecar(t.FullPath, "test_results.json", &testResults) == nil
	haveCI := store.ReadSidecar(t.FullPath, "ci_results.json", &ciResults) == nil
	haveVerify := store.ReadSidecar(t.FullPath, "verification.json", &verification) == nil

	wf := &Workflow{
		Name:      t.Name,
		Path:      t.Path,
		FullPath:  t.FullPath,
		Mode:      mode,
		Analysis:  analysis,
		StartedAt: store.SidecarMTime(t.FullPath, "analysis.json"),
	}

	switch {
	case haveVerify:
		wf.Verification = verification
		wf.Status = StatusComplete
		wf.CompletedAt = store.SidecarMTime(t.FullPath, "verification.json")
	case haveCI:
		wf.CIResults = ciResults
		wf.Status = StatusLintPassed
	case haveTests:
		wf.TestResults = testResults
		wf.Status = StatusTested
	case haveApplied:
		wf.Applied = applied
		wf.Status = StatusApplied
	default:
		wf.Status = StatusAwaitingDecisions
	}
	return wf
}

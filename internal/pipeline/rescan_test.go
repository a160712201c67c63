package pipeline

import (
	"path/filepath"
	"testing"

	"github.com/hardener/hardener/internal/target"
)

func TestRescan_ReconstructsAwaitingDecisionsFromAnalysisOnly(t *testing.T) {
	p, appDir := newTestPipeline(t, &fakeTool{}, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	full := filepath.Join(appDir, "widget.go")
	if err := p.cfg.HardeningSidecar.WriteSidecar(full, "analysis.json", map[string]any{"findings": []any{}}); err != nil {
		t.Fatalf("write analysis sidecar: %v", err)
	}

	p.Rescan([]target.Target{{Name: "widget.go", Path: "app/widget.go", FullPath: full}})

	wf := p.Workflow("widget.go")
	if wf == nil {
		t.Fatalf("expected reconstructed workflow, got nil")
	}
	if wf.Status != StatusAwaitingDecisions {
		t.Fatalf("expected status %q, got %q", StatusAwaitingDecisions, wf.Status)
	}
	if wf.Analysis == nil {
		t.Fatalf("expected Analysis populated from sidecar")
	}
}

func TestRescan_ReconstructsCompleteFromFullArtifactChain(t *testing.T) {
	p, appDir := newTestPipeline(t, &fakeTool{}, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	full := filepath.Join(appDir, "widget.go")
	store := p.cfg.HardeningSidecar
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("write sidecar: %v", err)
		}
	}
	must(store.WriteSidecar(full, "analysis.json", map[string]any{"findings": []any{}}))
	must(store.WriteSidecar(full, "applied.json", map[string]any{"changes": []any{}}))
	must(store.WriteSidecar(full, "test_results.json", map[string]any{"passed": true}))
	must(store.WriteSidecar(full, "ci_results.json", map[string]any{"passed": true}))
	must(store.WriteSidecar(full, "verification.json", map[string]any{"passed": true}))

	p.Rescan([]target.Target{{Name: "widget.go", Path: "app/widget.go", FullPath: full}})

	wf := p.Workflow("widget.go")
	if wf == nil {
		t.Fatalf("expected reconstructed workflow, got nil")
	}
	if wf.Status != StatusComplete {
		t.Fatalf("expected status %q, got %q", StatusComplete, wf.Status)
	}
	if wf.Verification == nil {
		t.Fatalf("expected Verification populated from sidecar")
	}
}

func TestRescan_SkipsTargetsWithNoSidecarArtifacts(t *testing.T) {
	p, appDir := newTestPipeline(t, &fakeTool{}, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	full := filepath.Join(appDir, "untouched.go")

	p.Rescan([]target.Target{{Name: "untouched.go", Path: "app/untouched.go", FullPath: full}})

	if wf := p.Workflow("untouched.go"); wf != nil {
		t.Fatalf("expected no workflow for an untouched target, got %+v", wf)
	}
}

func TestRescan_SkipsTargetsWithExistingInMemoryWorkflow(t *testing.T) {
	p, appDir := newTestPipeline(t, &fakeTool{responses: []string{`{"findings":[]}`}}, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	full := filepath.Join(appDir, "widget.go")
	if _, err := p.TryTransition("widget.go", "app/widget.go", full, ModeHardening, NotActive(), modeStatus(ModeHardening, "analyzing")); err != nil {
		t.Fatalf("TryTransition: %v", err)
	}
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("write sidecar: %v", err)
		}
	}
	must(p.cfg.HardeningSidecar.WriteSidecar(full, "analysis.json", map[string]any{"findings": []any{}}))
	must(p.cfg.HardeningSidecar.WriteSidecar(full, "verification.json", map[string]any{"passed": true}))

	p.Rescan([]target.Target{{Name: "widget.go", Path: "app/widget.go", FullPath: full}})

	wf := p.Workflow("widget.go")
	if wf.Status != modeStatus(ModeHardening, "analyzing") {
		t.Fatalf("expected the live in-memory status to survive rescan untouched, got %q", wf.Status)
	}
}

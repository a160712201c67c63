package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hardener/hardener/internal/lockmanager"
	"github.com/hardener/hardener/internal/scheduler"
	"github.com/hardener/hardener/internal/sidecar"
)

// fakeTool is a ToolCaller stub. Responses are returned in FIFO order from
// Responses; if exhausted, it repeats the last entry. Errs is indexed by the
// same call number but is not repeated once exhausted; a non-nil entry is
// returned alongside that call's response.
type fakeTool struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int32
}

func (f *fakeTool) ToolCall(ctx context.Context, prompt string, isCancelled func() bool) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(atomic.LoadInt32(&f.calls)) - 1
	var resp string
	var err error
	if idx < len(f.responses) {
		resp = f.responses[idx]
	} else if len(f.responses) > 0 {
		resp = f.responses[len(f.responses)-1]
	}
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	return resp, err
}

// fakeRunner is a CommandRunner stub that returns canned pass/fail results in
// sequence, repeating the last one once exhausted.
type fakeRunner struct {
	mu      sync.Mutex
	results []bool
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, workingDir string, isCancelled func() bool) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		if len(f.results) == 0 {
			return true, "", nil
		}
		idx = len(f.results) - 1
	}
	return f.results[idx], fmt.Sprintf("run %d", idx), nil
}

func newTestPipeline(t *testing.T, tool ToolCaller, testRunner, lintRunner, verifyCheck CommandRunner) (*Pipeline, string) {
	t.Helper()
	root := t.TempDir()
	appDir := filepath.Join(root, "app")
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		t.Fatalf("mkdir app: %v", err)
	}

	locks := lockmanager.New(func(path string) bool {
		info, err := os.Stat(path)
		return err == nil && info.IsDir()
	})
	sched := scheduler.New(locks, scheduler.NewToolSlots(4), 10*time.Millisecond)

	store, err := sidecar.New(root, ".harden", []string{appDir}, locks)
	if err != nil {
		t.Fatalf("sidecar.New: %v", err)
	}

	p := New(Config{
		HardeningSidecar:   store,
		EnhanceSidecar:     store,
		Locks:              locks,
		Scheduler:          sched,
		Tool:               tool,
		TestRunner:         testRunner,
		LintRunner:         lintRunner,
		VerifyCheck:        verifyCheck,
		MaxFixAttempts:     2,
		MaxLintFixAttempts: 2,
	})
	return p, appDir
}

func waitForStatus(t *testing.T, p *Pipeline, name string, want Status, timeout time.Duration) *Workflow {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf := p.Workflow(name)
		if wf != nil && wf.Status == want {
			return wf
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow %q did not reach status %q within %s (last=%v)", name, want, timeout, p.Workflow(name))
	return nil
}

func TestTryTransition_ConcurrentStartExactlyOneSucceeds(t *testing.T) {
	tool := &fakeTool{responses: []string{`{"findings":[]}`}}
	p, appDir := newTestPipeline(t, tool, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	target := filepath.Join(appDir, "widget.go")

	const n = 20
	var successes int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := p.TryTransition("widget.go", "app/widget.go", target, ModeHardening, NotActive(), modeStatus(ModeHardening, "analyzing"))
			if err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful TryTransition, got %d", successes)
	}
}

func TestHappyPath_ApplyTestLintVerifyComplete(t *testing.T) {
	tool := &fakeTool{responses: []string{
		`{"findings":["x"]}`,
		`{"changes":["y"]}`,
	}}
	testRunner := &fakeRunner{results: []bool{true}}
	lintRunner := &fakeRunner{results: []bool{true}}
	verify := &fakeRunner{results: []bool{true}}
	p, appDir := newTestPipeline(t, tool, testRunner, lintRunner, verify)
	target := filepath.Join(appDir, "widget.go")

	name := "widget.go"
	if _, err := p.TryTransition(name, "app/widget.go", target, ModeHardening, NotActive(), modeStatus(ModeHardening, "analyzing")); err != nil {
		t.Fatalf("TryTransition: %v", err)
	}
	p.RunAnalysis(context.Background(), name)

	wf := waitForStatus(t, p, name, StatusAwaitingDecisions, time.Second)
	if wf.Analysis == nil {
		t.Fatalf("expected analysis to be recorded")
	}

	if err := p.SubmitDecision(context.Background(), name, Decision{Action: DecisionApprove}); err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}

	final := waitForStatus(t, p, name, StatusComplete, 2*time.Second)
	if final.Verification == nil {
		t.Fatalf("expected verification to be recorded on completion")
	}
	if final.CompletedAt.IsZero() {
		t.Fatalf("expected CompletedAt to be set")
	}

	var onDisk map[string]any
	if err := p.cfg.HardeningSidecar.ReadSidecar(target, "verification.json", &onDisk); err != nil {
		t.Fatalf("ReadSidecar verification.json: %v", err)
	}
	if onDisk["passed"] != true {
		t.Fatalf("expected verification.json passed=true, got %v", onDisk)
	}
}

func TestTestFixLoop_ExhaustionYieldsTestsFailed(t *testing.T) {
	tool := &fakeTool{responses: []string{
		`{"findings":["x"]}`,
		`{"changes":["y"]}`,
		`fix attempt 1`,
		`fix attempt 2`,
	}}
	// Always failing tests so the fix loop exhausts MaxFixAttempts (2).
	testRunner := &fakeRunner{results: []bool{false, false, false}}
	p, appDir := newTestPipeline(t, tool, testRunner, &fakeRunner{}, &fakeRunner{})
	target := filepath.Join(appDir, "widget.go")
	name := "widget.go"

	if _, err := p.TryTransition(name, "app/widget.go", target, ModeHardening, NotActive(), modeStatus(ModeHardening, "applying")); err != nil {
		t.Fatalf("TryTransition: %v", err)
	}
	p.RunApply(context.Background(), name)

	final := waitForStatus(t, p, name, StatusTestsFailed, 2*time.Second)
	if final.LastActiveStatus == "" {
		t.Fatalf("expected LastActiveStatus to be recorded on exhaustion")
	}
}

func TestSubmitDecision_SkipCompletesWithoutApply(t *testing.T) {
	tool := &fakeTool{responses: []string{`{"findings":[]}`}}
	p, appDir := newTestPipeline(t, tool, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	target := filepath.Join(appDir, "widget.go")
	name := "widget.go"

	if _, err := p.TryTransition(name, "app/widget.go", target, ModeHardening, NotActive(), StatusAwaitingDecisions); err != nil {
		t.Fatalf("TryTransition: %v", err)
	}

	if err := p.SubmitDecision(context.Background(), name, Decision{Action: DecisionSkip}); err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}

	wf := p.Workflow(name)
	if wf.Status != StatusSkipped {
		t.Fatalf("expected status %q, got %q", StatusSkipped, wf.Status)
	}
	if atomic.LoadInt32(&tool.calls) != 0 {
		t.Fatalf("expected no tool calls on skip, got %d", tool.calls)
	}
}

func TestSubmitDecision_RejectsWrongStatus(t *testing.T) {
	tool := &fakeTool{}
	p, appDir := newTestPipeline(t, tool, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	target := filepath.Join(appDir, "widget.go")
	name := "widget.go"
	if _, err := p.TryTransition(name, "app/widget.go", target, ModeHardening, NotActive(), modeStatus(ModeHardening, "analyzing")); err != nil {
		t.Fatalf("TryTransition: %v", err)
	}

	err := p.SubmitDecision(context.Background(), name, Decision{Action: DecisionApprove})
	if err == nil {
		t.Fatalf("expected GuardFailure for non-awaiting_decisions status")
	}
	if _, ok := err.(*GuardFailure); !ok {
		t.Fatalf("expected *GuardFailure, got %T", err)
	}
}

func TestRetryPhase_TestsFailedReentersApply(t *testing.T) {
	tool := &fakeTool{responses: []string{`{"changes":["y"]}`}}
	testRunner := &fakeRunner{results: []bool{true}}
	p, appDir := newTestPipeline(t, tool, testRunner, &fakeRunner{}, &fakeRunner{})
	target := filepath.Join(appDir, "widget.go")
	name := "widget.go"

	if _, err := p.TryTransition(name, "app/widget.go", target, ModeHardening, NotActive(), StatusTestsFailed); err != nil {
		t.Fatalf("TryTransition: %v", err)
	}

	if err := p.RetryPhase(context.Background(), name); err != nil {
		t.Fatalf("RetryPhase: %v", err)
	}

	// The retry re-enters apply, which on a passing test run chains straight
	// through lint and verify to completion in the same goroutine, so by the
	// time a poll observes it, status may already be past "tested".
	final := waitForStatus(t, p, name, StatusComplete, 2*time.Second)
	if final.TestResults == nil {
		t.Fatalf("expected test results to be recorded")
	}
}

func TestRetryPhase_RejectsNonRetryableStatus(t *testing.T) {
	p, appDir := newTestPipeline(t, &fakeTool{}, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	target := filepath.Join(appDir, "widget.go")
	name := "widget.go"
	if _, err := p.TryTransition(name, "app/widget.go", target, ModeHardening, NotActive(), StatusComplete); err != nil {
		t.Fatalf("TryTransition: %v", err)
	}

	if err := p.RetryPhase(context.Background(), name); err == nil {
		t.Fatalf("expected error retrying a complete workflow")
	}
}

func TestAsk_ResolvesAsynchronously(t *testing.T) {
	tool := &fakeTool{responses: []string{`the answer`}}
	p, _ := newTestPipeline(t, tool, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})

	id := p.Ask(context.Background(), "widget.go", "why is this flagged?")
	if id == "" {
		t.Fatalf("expected non-empty query id")
	}

	deadline := time.Now().Add(time.Second)
	var q *Query
	for time.Now().Before(deadline) {
		q = p.Query(id)
		if q != nil && q.Status == QueryComplete {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if q == nil || q.Status != QueryComplete {
		t.Fatalf("expected query to complete, got %v", q)
	}
	if q.Result != "the answer" {
		t.Fatalf("expected result %q, got %q", "the answer", q.Result)
	}
}

func TestPruneQueries_DropsOldestOverCap(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeTool{responses: []string{"ok"}}, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	p.cfg.QueriesCap = 3

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, p.Ask(context.Background(), "widget.go", fmt.Sprintf("q%d", i)))
	}

	snap := p.Status()
	if len(snap.Queries) != 3 {
		t.Fatalf("expected 3 queries retained, got %d", len(snap.Queries))
	}
	if p.Query(ids[0]) != nil || p.Query(ids[1]) != nil {
		t.Fatalf("expected oldest two queries to have been pruned")
	}
	if p.Query(ids[len(ids)-1]) == nil {
		t.Fatalf("expected newest query to survive pruning")
	}
}

func TestAppendError_BoundedByErrorsCap(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeTool{}, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	p.cfg.ErrorsCap = 2

	p.appendError("first", "ctx")
	p.appendError("second", "ctx")
	p.appendError("third", "ctx")

	snap := p.Status()
	if len(snap.Errors) != 2 {
		t.Fatalf("expected 2 errors retained, got %d", len(snap.Errors))
	}
	if snap.Errors[0].Message != "second" || snap.Errors[1].Message != "third" {
		t.Fatalf("expected oldest error dropped, got %+v", snap.Errors)
	}
}

func TestPromptStore_RecordsAndRetrieves(t *testing.T) {
	tool := &fakeTool{responses: []string{`{"findings":[]}`}}
	p, appDir := newTestPipeline(t, tool, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	target := filepath.Join(appDir, "widget.go")
	name := "widget.go"

	if _, err := p.TryTransition(name, "app/widget.go", target, ModeHardening, NotActive(), modeStatus(ModeHardening, "analyzing")); err != nil {
		t.Fatalf("TryTransition: %v", err)
	}
	p.RunAnalysis(context.Background(), name)
	waitForStatus(t, p, name, StatusAwaitingDecisions, time.Second)

	prompt, ok := p.Prompt(name, phaseKeyAnalysis)
	if !ok || prompt == "" {
		t.Fatalf("expected a stored analysis prompt")
	}
	if _, ok := p.Prompt(name, "nonexistent"); ok {
		t.Fatalf("expected no prompt stored for an unused phase key")
	}
}

func TestReset_ClearsStateAndCancellationFlag(t *testing.T) {
	tool := &fakeTool{responses: []string{`{"findings":[]}`}}
	p, appDir := newTestPipeline(t, tool, &fakeRunner{}, &fakeRunner{}, &fakeRunner{})
	target := filepath.Join(appDir, "widget.go")
	name := "widget.go"

	p.cfg.Scheduler.Start()

	if _, err := p.TryTransition(name, "app/widget.go", target, ModeHardening, NotActive(), modeStatus(ModeHardening, "analyzing")); err != nil {
		t.Fatalf("TryTransition: %v", err)
	}
	p.Ask(context.Background(), name, "q")

	p.Reset()

	snap := p.Status()
	if len(snap.Workflows) != 0 || len(snap.Errors) != 0 || len(snap.Queries) != 0 {
		t.Fatalf("expected all state cleared after Reset, got %+v", snap)
	}
	if p.isCancelled() {
		t.Fatalf("expected cancelled flag reset to false after Reset completes")
	}
}

func TestSanitizePath_RedactsProjectRoot(t *testing.T) {
	got := SanitizePath("failed to write /home/op/project/app/widget.go: denied", "/home/op/project")
	want := "failed to write <project>/app/widget.go: denied"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSidecarArtifacts_ParseAsJSON(t *testing.T) {
	tool := &fakeTool{responses: []string{
		`{"findings":["a"]}`,
		`{"changes":["b"]}`,
	}}
	testRunner := &fakeRunner{results: []bool{true}}
	lintRunner := &fakeRunner{results: []bool{true}}
	verify := &fakeRunner{results: []bool{true}}
	p, appDir := newTestPipeline(t, tool, testRunner, lintRunner, verify)
	target := filepath.Join(appDir, "widget.go")
	name := "widget.go"

	if _, err := p.TryTransition(name, "app/widget.go", target, ModeHardening, NotActive(), modeStatus(ModeHardening, "analyzing")); err != nil {
		t.Fatalf("TryTransition: %v", err)
	}
	p.RunAnalysis(context.Background(), name)
	waitForStatus(t, p, name, StatusAwaitingDecisions, time.Second)

	sidecarDir := filepath.Join(appDir, ".harden", "widget.go")
	raw, err := os.ReadFile(filepath.Join(sidecarDir, "analysis.json"))
	if err != nil {
		t.Fatalf("read analysis.json: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("analysis.json is not valid JSON: %v", err)
	}
	if _, ok := decoded["findings"]; !ok {
		t.Fatalf("expected findings key in analysis.json, got %v", decoded)
	}
}

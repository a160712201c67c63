package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hardener/hardener/internal/toolclient"
)

// phaseKeys name the (name, phase) pairs under which prompts and sidecar
// files are stored.
const (
	phaseKeyAnalysis = "analysis"
	phaseKeyApply    = "apply"
	phaseKeyTest     = "test"
	phaseKeyLint     = "lint"
	phaseKeyVerify   = "verify"
)

// RunAnalysis invokes the tool to analyze the target, gated on entry into
// the mode's "analyzing" status (already set by the caller's TryTransition),
// and on success writes analysis.json and transitions to awaiting_decisions.
func (p *Pipeline) RunAnalysis(ctx context.Context, name string) {
	wf := p.Workflow(name)
	if wf == nil {
		return
	}

	prompt := p.cfg.Prompts(wf, phaseKeyAnalysis)
	p.storePrompt(name, phaseKeyAnalysis, prompt)

	raw, err := p.cfg.Tool.ToolCall(ctx, prompt, p.isCancelled)
	if err != nil {
		p.failWorkflow(name, wf.Status, fmt.Errorf("analysis: %w", err))
		return
	}
	analysis, err := parseToolResponse(raw)
	if err != nil {
		p.failWorkflow(name, wf.Status, fmt.Errorf("analysis: %w", err))
		return
	}

	store := p.sidecarFor(wf.Mode)
	if err := store.WriteSidecar(wf.FullPath, "analysis.json", analysis); err != nil {
		p.failWorkflow(name, wf.Status, fmt.Errorf("analysis: write sidecar: %w", err))
		return
	}

	p.mu.Lock()
	if live, ok := p.workflows[name]; ok {
		live.Analysis = analysis
		live.Status = StatusAwaitingDecisions
	}
	p.mu.Unlock()
}

// LaunchAnalysis submits RunAnalysis to the scheduler as an "analyze"
// work item — analysis carries no write_paths, so it only waits on a tool
// slot, never a lock grant. This is the entrypoint external callers (the
// HTTP server) use right after a successful TryTransition into the mode's
// analyzing gate.
func (p *Pipeline) LaunchAnalysis(ctx context.Context, name string) {
	p.dispatch(name, "analyze", nil, func(grantID string) {
		p.RunAnalysis(ctx, name)
	})
}

// RunApply invokes the tool with the approved decision, copies whatever it
// staged into the project via the sidecar store's grant-enforced safe_write,
// writes the phase sidecar, and on success chains directly into RunTest in
// the same goroutine (sequential phase chaining).
func (p *Pipeline) RunApply(ctx context.Context, name string) {
	wf := p.Workflow(name)
	if wf == nil {
		return
	}

	prompt := p.cfg.Prompts(wf, phaseKeyApply)
	p.storePrompt(name, phaseKeyApply, prompt)

	raw, err := p.cfg.Tool.ToolCall(ctx, prompt, p.isCancelled)
	if err != nil {
		p.failWorkflow(name, wf.Status, fmt.Errorf("apply: %w", err))
		return
	}
	applied, err := parseToolResponse(raw)
	if err != nil {
		p.failWorkflow(name, wf.Status, fmt.Errorf("apply: %w", err))
		return
	}

	store := p.sidecarFor(wf.Mode)
	stagingDir := p.stagingDirFor(wf)
	if _, err := os.Stat(stagingDir); err == nil {
		if _, err := store.CopyFromStaging(stagingDir, wf.grantID); err != nil {
			p.failWorkflow(name, wf.Status, fmt.Errorf("apply: copy_from_staging: %w", err))
			return
		}
	}

	appliedFilename := "applied.json"
	if wf.Mode == ModeEnhancing {
		appliedFilename = "hardened.json"
	}
	if err := store.WriteSidecar(wf.FullPath, appliedFilename, applied); err != nil {
		p.failWorkflow(name, wf.Status, fmt.Errorf("apply: write sidecar: %w", err))
		return
	}

	p.mu.Lock()
	if live, ok := p.workflows[name]; ok {
		live.Applied = applied
		live.Status = StatusApplied
	}
	p.mu.Unlock()

	p.RunTest(ctx, name)
}

func (p *Pipeline) stagingDirFor(wf *Workflow) string {
	return filepath.Join(os.TempDir(), "hardener-staging", wf.Name)
}

// RunTest runs the configured test command, re-invoking the tool's fix
// prompt up to MaxFixAttempts times on failure. Exhaustion yields the
// terminal tests_failed status; success chains into RunLint.
func (p *Pipeline) RunTest(ctx context.Context, name string) {
	wf := p.Workflow(name)
	if wf == nil {
		return
	}

	status := modeStatus(wf.Mode, "testing")
	p.setStatus(name, status)

	attempts := 0
	for {
		passed, output, err := p.cfg.TestRunner.Run(ctx, wf.FullPath, p.isCancelled)
		if err != nil {
			p.failWorkflow(name, status, fmt.Errorf("test: %w", err))
			return
		}

		results := map[string]any{"passed": passed, "output": output, "attempt": attempts}
		store := p.sidecarFor(wf.Mode)
		if err := store.WriteSidecar(wf.FullPath, "test_results.json", results); err != nil {
			p.failWorkflow(name, status, fmt.Errorf("test: write sidecar: %w", err))
			return
		}

		if passed {
			p.mu.Lock()
			if live, ok := p.workflows[name]; ok {
				live.TestResults = results
				live.Status = StatusTested
				live.fixAttempts = 0
			}
			p.mu.Unlock()
			p.RunLint(ctx, name)
			return
		}

		if attempts >= p.cfg.MaxFixAttempts {
			p.mu.Lock()
			if live, ok := p.workflows[name]; ok {
				live.TestResults = results
				live.Status = StatusTestsFailed
				live.LastActiveStatus = status
			}
			p.mu.Unlock()
			return
		}

		status = modeStatus(wf.Mode, "fixing_tests")
		p.setStatus(name, status)

		fixPrompt := p.cfg.Prompts(wf, fmt.Sprintf("%s_fix_%d", phaseKeyTest, attempts+1))
		p.storePrompt(name, phaseKeyTest, fixPrompt)
		if _, err := p.cfg.Tool.ToolCall(ctx, fixPrompt, p.isCancelled); err != nil {
			p.failWorkflow(name, status, fmt.Errorf("test fix: %w", err))
			return
		}
		attempts++

		status = modeStatus(wf.Mode, "testing")
		p.setStatus(name, status)
	}
}

// RunLint mirrors RunTest's fix-loop shape against the configured lint
// command, bounded by MaxLintFixAttempts, chaining into RunVerify on pass.
func (p *Pipeline) RunLint(ctx context.Context, name string) {
	wf := p.Workflow(name)
	if wf == nil {
		return
	}

	status := modeStatus(wf.Mode, "ci_checking")
	p.setStatus(name, status)

	attempts := 0
	for {
		passed, output, err := p.cfg.LintRunner.Run(ctx, wf.FullPath, p.isCancelled)
		if err != nil {
			p.failWorkflow(name, status, fmt.Errorf("lint: %w", err))
			return
		}

		results := map[string]any{"passed": passed, "output": output, "attempt": attempts}
		store := p.sidecarFor(wf.Mode)
		if err := store.WriteSidecar(wf.FullPath, "ci_results.json", results); err != nil {
			p.failWorkflow(name, status, fmt.Errorf("lint: write sidecar: %w", err))
			return
		}

		if passed {
			p.mu.Lock()
			if live, ok := p.workflows[name]; ok {
				live.CIResults = results
				live.Status = StatusLintPassed
				live.lintFixAttempts = 0
			}
			p.mu.Unlock()
			p.RunVerify(ctx, name)
			return
		}

		if attempts >= p.cfg.MaxLintFixAttempts {
			p.mu.Lock()
			if live, ok := p.workflows[name]; ok {
				live.CIResults = results
				live.Status = StatusLintFailed
				live.LastActiveStatus = status
			}
			p.mu.Unlock()
			return
		}

		status = modeStatus(wf.Mode, "fixing_ci")
		p.setStatus(name, status)

		fixPrompt := p.cfg.Prompts(wf, fmt.Sprintf("%s_fix_%d", phaseKeyLint, attempts+1))
		p.storePrompt(name, phaseKeyLint, fixPrompt)
		if _, err := p.cfg.Tool.ToolCall(ctx, fixPrompt, p.isCancelled); err != nil {
			p.failWorkflow(name, status, fmt.Errorf("lint fix: %w", err))
			return
		}
		attempts++

		status = modeStatus(wf.Mode, "ci_checking")
		p.setStatus(name, status)
	}
}

// RunVerify runs the final verification check and, on pass, marks the
// workflow complete.
func (p *Pipeline) RunVerify(ctx context.Context, name string) {
	wf := p.Workflow(name)
	if wf == nil {
		return
	}

	status := modeStatus(wf.Mode, "verifying")
	p.setStatus(name, status)

	passed, output, err := p.cfg.VerifyCheck.Run(ctx, wf.FullPath, p.isCancelled)
	if err != nil {
		p.failWorkflow(name, status, fmt.Errorf("verify: %w", err))
		return
	}

	verification := map[string]any{"passed": passed, "output": output}
	store := p.sidecarFor(wf.Mode)
	if err := store.WriteSidecar(wf.FullPath, "verification.json", verification); err != nil {
		p.failWorkflow(name, status, fmt.Errorf("verify: write sidecar: %w", err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	live, ok := p.workflows[name]
	if !ok {
		return
	}
	live.Verification = verification
	if passed {
		live.Status = StatusComplete
		live.CompletedAt = p.cfg.Now()
	} else {
		live.Status = StatusError
		live.Error = "verification failed"
		live.LastActiveStatus = StatusLintPassed
	}
}

func parseToolResponse(raw string) (map[string]any, error) {
	return toolclient.ParseResponse(raw)
}

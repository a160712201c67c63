package pipeline

import (
	"context"
	"fmt"
)

// DecisionAction is the operator's choice at the awaiting_decisions gate.
type DecisionAction string

const (
	DecisionApprove   DecisionAction = "approve"
	DecisionSkip      DecisionAction = "skip"
	DecisionSelective DecisionAction = "selective"
	DecisionModify    DecisionAction = "modify"
)

// Decision is the body of a POST to the decisions route. Selective carries
// the subset of analysis findings the operator chose to apply; Modify
// carries free-form operator notes the apply prompt should incorporate.
// Both selective and modify are treated as approve-with-notes: the only
// difference between the four actions is what ends up in wf.Decision and
// whether the workflow proceeds into apply at all.
type Decision struct {
	Action        DecisionAction `json:"action"`
	Notes         string         `json:"notes,omitempty"`
	SelectedItems []string       `json:"selected_items,omitempty"`
}

// SubmitDecision applies the operator's decision at the awaiting_decisions
// gate. Skip marks the workflow done without ever entering apply. The other
// three actions record the decision and submit an "apply" work item to the
// scheduler, which runs RunApply once a tool slot and a lock grant over the
// apply write paths are available.
func (p *Pipeline) SubmitDecision(ctx context.Context, name string, d Decision) error {
	p.mu.Lock()
	wf, ok := p.workflows[name]
	if !ok {
		p.mu.Unlock()
		return &GuardFailure{Message: fmt.Sprintf("workflow %q does not exist", name)}
	}
	if wf.Status != StatusAwaitingDecisions {
		p.mu.Unlock()
		return &GuardFailure{Message: fmt.Sprintf("workflow %q: expected status %q, got %q", name, StatusAwaitingDecisions, wf.Status)}
	}

	decision := map[string]any{"action": string(d.Action)}
	if d.Notes != "" {
		decision["notes"] = d.Notes
	}
	if d.Action == DecisionSelective {
		decision["selected_items"] = d.SelectedItems
	}
	wf.Decision = decision

	if d.Action == DecisionSkip {
		wf.Status = StatusSkipped
		wf.CompletedAt = p.cfg.Now()
		p.mu.Unlock()
		return nil
	}

	wf.Status = modeStatus(wf.Mode, "applying")
	writePaths := p.writePathsForApply(wf)
	p.mu.Unlock()

	p.dispatch(name, "apply", writePaths, func(grantID string) {
		p.AttachGrant(name, grantID)
		p.RunApply(ctx, name)
	})
	return nil
}

// RetryPhase is the /pipeline/retry family: error retries from
// last_active_status if present, else from the analysis phase; tests_failed
// and lint_failed re-enter the apply phase of the same batch. Any other
// current status is rejected with a GuardFailure (409 at the server
// boundary).
func (p *Pipeline) RetryPhase(ctx context.Context, name string) error {
	p.mu.Lock()
	wf, ok := p.workflows[name]
	if !ok {
		p.mu.Unlock()
		return &GuardFailure{Message: fmt.Sprintf("workflow %q does not exist", name)}
	}

	var resume func(context.Context, string)
	var phaseClass string
	switch wf.Status {
	case StatusError:
		from := wf.LastActiveStatus
		if from == "" {
			wf.Status = modeStatus(wf.Mode, "analyzing")
			resume = p.RunAnalysis
			phaseClass = "analyze"
		} else {
			wf.Status = from
			resume = p.resumeFuncFor(from)
			phaseClass = resumePhaseClass(from)
		}
	case StatusTestsFailed:
		wf.fixAttempts = 0
		wf.Status = modeStatus(wf.Mode, "applying")
		resume = p.RunApply
		phaseClass = "apply"
	case StatusLintFailed:
		wf.lintFixAttempts = 0
		wf.Status = modeStatus(wf.Mode, "applying")
		resume = p.RunApply
		phaseClass = "apply"
	default:
		p.mu.Unlock()
		return &GuardFailure{Message: fmt.Sprintf("workflow %q: status %q is not retryable", name, wf.Status)}
	}
	wf.Error = ""
	p.mu.Unlock()

	// "apply" and "analyze" resumes re-enter the scheduler's dispatch loop
	// like a first attempt, so a retried apply still waits on a lock grant;
	// a resume mid-chain (test/lint/verify) never writes project files
	// directly and runs straight from the retry, same as the phase chain's
	// own internal hand-off from one Run* to the next.
	switch phaseClass {
	case "apply":
		writePaths := p.writePathsForApply(wf)
		p.dispatch(name, "apply", writePaths, func(grantID string) {
			p.AttachGrant(name, grantID)
			resume(ctx, name)
		})
	case "analyze":
		p.dispatch(name, "analyze", nil, func(grantID string) {
			resume(ctx, name)
		})
	default:
		p.safeThread(name, func() {
			resume(ctx, name)
		})
	}
	return nil
}

// resumeFuncFor maps a last_active_status back to the phase entrypoint that
// produced it, used by RetryPhase when resuming an error from mid-chain.
func (p *Pipeline) resumeFuncFor(from Status) func(context.Context, string) {
	s := string(from)
	switch {
	case hasSuffix(s, "_testing"), hasSuffix(s, "_fixing_tests"):
		return p.RunTest
	case hasSuffix(s, "_ci_checking"), hasSuffix(s, "_fixing_ci"):
		return p.RunLint
	case hasSuffix(s, "_verifying"):
		return p.RunVerify
	case hasSuffix(s, "_applying"):
		return p.RunApply
	default:
		return p.RunAnalysis
	}
}

// resumePhaseClass mirrors resumeFuncFor's own cases to decide how
// RetryPhase re-enters the scheduler: "apply" only when the resume target
// is RunApply itself (a fresh write-path grant is needed), "analyze" for
// the default RunAnalysis case, and "" for a resume into the test/lint/
// verify fix loop, which never re-acquires a grant of its own.
func resumePhaseClass(from Status) string {
	s := string(from)
	switch {
	case hasSuffix(s, "_testing"), hasSuffix(s, "_fixing_tests"),
		hasSuffix(s, "_ci_checking"), hasSuffix(s, "_fixing_ci"),
		hasSuffix(s, "_verifying"):
		return ""
	case hasSuffix(s, "_applying"):
		return "apply"
	default:
		return "analyze"
	}
}

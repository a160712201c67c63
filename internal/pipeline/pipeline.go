// Package pipeline owns the per-target workflow state machines, the phase
// chain that drives them through a target project's files, the ad-hoc
// queries subsystem, and the prompt/error logs the operator console reads.
//
// Grounded on kilroy's internal/attractor/engine/engine.go (Engine: a
// mutex-guarded struct with several fine-grained sub-mutexes around one
// coarse-grained state holder) and internal/attractor/runtime/status.go
// (StageStatus/Outcome canonical-status modeling, Canonicalize/Validate
// enforcing a non-empty failure reason on fail/retry — the direct model for
// this package's "status == error implies non-empty error" invariant).
// internal/server/registry.go's PipelineState (mutex + done/result/err,
// Status() deep-copying into a response struct) is the model for workflow
// snapshotting via Workflow.Clone.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hardener/hardener/internal/lockmanager"
	"github.com/hardener/hardener/internal/scheduler"
	"github.com/hardener/hardener/internal/sidecar"
)

// GuardFailure is returned by TryTransition when the precondition isn't met.
// It maps to HTTP 409 at the server boundary; no state is mutated.
type GuardFailure struct {
	Message string
}

func (e *GuardFailure) Error() string { return e.Message }

// Guard selects a TryTransition precondition.
type Guard struct {
	notActive bool
	specific  Status
}

// NotActive succeeds iff no workflow exists for the name, or its status is
// not in ACTIVE_STATUSES.
func NotActive() Guard { return Guard{notActive: true} }

// Exactly succeeds iff the workflow exists and its current status equals s.
func Exactly(s Status) Guard { return Guard{specific: s} }

// ToolCaller is the narrow interface the phase chain uses to invoke the
// external LLM tool; satisfied by *toolclient.CLIClient and
// *toolclient.APIClient.
type ToolCaller interface {
	ToolCall(ctx context.Context, prompt string, isCancelled func() bool) (string, error)
}

// CommandRunner runs an external check (tests, lint) and reports pass/fail.
type CommandRunner interface {
	Run(ctx context.Context, workingDir string, isCancelled func() bool) (passed bool, output string, err error)
}

// PromptBuilder builds the prompt text for a given workflow and phase key.
// Prompt templates and the LLM-facing JSON schemas are deliberately left to
// the caller — this package only needs the resulting string.
type PromptBuilder func(wf *Workflow, phaseKey string) string

// Config bundles the pipeline's tunables and collaborators.
type Config struct {
	MaxFixAttempts     int
	MaxLintFixAttempts int
	ErrorsCap          int
	QueriesCap         int

	HardeningSidecar *sidecar.Store
	EnhanceSidecar   *sidecar.Store

	Locks     *lockmanager.Manager
	Scheduler *scheduler.Scheduler

	Tool        ToolCaller
	TestRunner  CommandRunner
	LintRunner  CommandRunner
	VerifyCheck CommandRunner

	Prompts PromptBuilder

	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxFixAttempts <= 0 {
		c.MaxFixAttempts = 2
	}
	if c.MaxLintFixAttempts <= 0 {
		c.MaxLintFixAttempts = 2
	}
	if c.ErrorsCap <= 0 {
		c.ErrorsCap = 500
	}
	if c.QueriesCap <= 0 {
		c.QueriesCap = 200
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Prompts == nil {
		c.Prompts = func(wf *Workflow, phaseKey string) string {
			return fmt.Sprintf("phase=%s target=%s", phaseKey, wf.Path)
		}
	}
}

// Pipeline is the single owned object reachable from the server handler
// closure (see Design Notes: singleton pipeline, in-place reset). All
// exported methods are safe for concurrent use.
type Pipeline struct {
	mu sync.Mutex

	workflows map[string]*Workflow
	errors    []ErrorEntry
	queries   []*Query
	prompts   map[promptKey]string

	cancelled bool

	// threads tracks in-flight worker goroutines by a synthetic name so
	// Reset can best-effort join them; see safeThread.
	threads map[string]chan struct{}

	cfg Config
}

// New builds a Pipeline from cfg, applying documented defaults for zero
// fields, and starts the scheduler's dispatch loop — analysis and apply
// work items submitted via dispatch are inert until it's running.
func New(cfg Config) *Pipeline {
	cfg.applyDefaults()
	cfg.Scheduler.Start()
	return &Pipeline{
		workflows: make(map[string]*Workflow),
		prompts:   make(map[promptKey]string),
		threads:   make(map[string]chan struct{}),
		cfg:       cfg,
	}
}

func (p *Pipeline) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// sidecarFor returns the sidecar store for a workflow's mode.
func (p *Pipeline) sidecarFor(mode Mode) *sidecar.Store {
	if mode == ModeEnhancing {
		return p.cfg.EnhanceSidecar
	}
	return p.cfg.HardeningSidecar
}

// TryTransition is the atomic gate preventing concurrent double-starts on
// the same target and enforcing the phase chain's gate statuses. It runs
// entirely under the pipeline mutex. On success it returns a deep-copied
// snapshot of the (possibly newly created) workflow.
func (p *Pipeline) TryTransition(name, path, fullPath string, mode Mode, guard Guard, to Status) (*Workflow, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wf, exists := p.workflows[name]

	if guard.notActive {
		if exists && isActiveStatus(wf.Status) {
			return nil, &GuardFailure{Message: fmt.Sprintf("workflow %q is already active (status=%s)", name, wf.Status)}
		}
		wf = &Workflow{
			Name:      name,
			Path:      path,
			FullPath:  fullPath,
			Mode:      mode,
			Status:    to,
			StartedAt: p.cfg.Now(),
		}
		p.workflows[name] = wf
		return wf.Clone(), nil
	}

	if !exists {
		return nil, &GuardFailure{Message: fmt.Sprintf("workflow %q does not exist", name)}
	}
	if wf.Status != guard.specific {
		return nil, &GuardFailure{Message: fmt.Sprintf("workflow %q: expected status %q, got %q", name, guard.specific, wf.Status)}
	}
	wf.Status = to
	wf.Error = ""
	return wf.Clone(), nil
}

// Workflow returns a deep-copied snapshot of the named workflow, or nil if
// none exists.
func (p *Pipeline) Workflow(name string) *Workflow {
	p.mu.Lock()
	defer p.mu.Unlock()
	wf, ok := p.workflows[name]
	if !ok {
		return nil
	}
	return wf.Clone()
}

// Snapshot is the full state-snapshot payload returned by /pipeline/status.
type Snapshot struct {
	Workflows map[string]*Workflow `json:"workflows"`
	Errors    []ErrorEntry         `json:"errors"`
	Queries   []*Query             `json:"queries"`
}

// Status returns a mutex-consistent, deep-copied snapshot of all pipeline
// state.
func (p *Pipeline) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	workflows := make(map[string]*Workflow, len(p.workflows))
	for name, wf := range p.workflows {
		workflows[name] = wf.Clone()
	}
	errorsCopy := append([]ErrorEntry(nil), p.errors...)
	queriesCopy := make([]*Query, len(p.queries))
	for i, q := range p.queries {
		queriesCopy[i] = q.Clone()
	}
	return Snapshot{Workflows: workflows, Errors: errorsCopy, Queries: queriesCopy}
}

// appendError appends an error to the bounded errors list, oldest dropped on
// overflow. It takes p.mu itself, so callers must not hold the lock.
func (p *Pipeline) appendError(message, context string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, ErrorEntry{Message: message, Timestamp: p.cfg.Now(), Context: context})
	if len(p.errors) > p.cfg.ErrorsCap {
		p.errors = p.errors[len(p.errors)-p.cfg.ErrorsCap:]
	}
}

// setStatus writes status onto the named workflow's live entry, if it still
// exists. Used by the phase chain to mark each in-flight step (testing,
// fixing_tests, ci_checking, fixing_ci, verifying) as it's entered, so a
// concurrent TryTransition(NotActive()) sees the workflow busy for the whole
// test-through-verify span rather than only during apply.
func (p *Pipeline) setStatus(name string, status Status) {
	p.mu.Lock()
	if live, ok := p.workflows[name]; ok {
		live.Status = status
	}
	p.mu.Unlock()
}

// failWorkflow records a phase failure on the named workflow: sets status to
// error, records last_active_status, and appends to the errors list. Safe to
// call even if the workflow no longer exists (e.g. concurrent reset).
func (p *Pipeline) failWorkflow(name string, failedAt Status, err error) {
	p.mu.Lock()
	wf, ok := p.workflows[name]
	if ok {
		wf.LastActiveStatus = failedAt
		wf.Status = StatusError
		wf.Error = err.Error()
	}
	p.mu.Unlock()
	p.appendError(err.Error(), name)
}

// storePrompt records the last prompt sent to the tool for (name, phaseKey),
// overwriting any prior entry.
func (p *Pipeline) storePrompt(name, phaseKey, prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts[promptKey{name: name, phase: phaseKey}] = prompt
}

// AttachGrant records the lock grant id the scheduler acquired for this
// workflow's write paths, consumed by RunApply's grant-enforced safe_write
// calls.
func (p *Pipeline) AttachGrant(name, grantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if wf, ok := p.workflows[name]; ok {
		wf.grantID = grantID
	}
}

// Prompt retrieves the stored prompt for (name, phaseKey), returning false if
// none has been recorded.
func (p *Pipeline) Prompt(name, phaseKey string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prompt, ok := p.prompts[promptKey{name: name, phase: phaseKey}]
	return prompt, ok
}

// safeThread spawns fn in its own goroutine, registered under a synthetic
// name so Reset can best-effort join it. Before registering the new thread,
// dead threads are swept to keep the registry bounded. A panic inside fn is
// recovered and, if workflowName is non-empty, marks that workflow as error
// rather than crashing the process.
func (p *Pipeline) safeThread(workflowName string, fn func()) {
	go p.runTracked(workflowName, fn)
}

// runTracked registers a done channel for fn under the thread registry, runs
// fn synchronously, and closes the channel when it returns — the shared
// bookkeeping behind both safeThread's fire-and-forget goroutines and
// dispatch's scheduler-driven callbacks, which must run fn on the calling
// goroutine so the scheduler's slot/grant release (which fires when the
// callback returns) waits for the work rather than the dispatch alone.
func (p *Pipeline) runTracked(workflowName string, fn func()) {
	p.mu.Lock()
	for key, done := range p.threads {
		select {
		case <-done:
			delete(p.threads, key)
		default:
		}
	}
	key := ulid.Make().String()
	done := make(chan struct{})
	p.threads[key] = done
	p.mu.Unlock()

	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			if workflowName != "" {
				p.failWorkflow(workflowName, "", fmt.Errorf("panic: %v", r))
			}
		}
	}()
	fn()
}

// dispatch submits fn to the scheduler as a work item for name/phase,
// gated on a tool slot and (when writePaths is non-empty) an exclusive lock
// grant over writePaths — the apply path's entry into the dispatch loop
// documented in internal/scheduler. The callback runs fn synchronously on
// the scheduler's dispatch goroutine via runTracked, so the grant and slot
// aren't released until fn returns.
func (p *Pipeline) dispatch(name, phase string, writePaths []string, fn func(grantID string)) {
	p.cfg.Scheduler.Enqueue(&scheduler.WorkItem{
		Workflow:   name,
		Phase:      phase,
		WritePaths: writePaths,
		Callback: func(grantID string) {
			p.runTracked(name, func() {
				fn(grantID)
			})
		},
	})
}

// writePathsForApply returns the absolute paths an apply on wf may write:
// the target itself, plus its mirrored test file if one already exists.
// This is the grant's write_paths set, acquired by the scheduler before
// apply ever runs so two workflows can never race on the same files.
func (p *Pipeline) writePathsForApply(wf *Workflow) []string {
	paths := []string{wf.FullPath}
	if testPath := p.sidecarFor(wf.Mode).DeriveTestPath(wf.FullPath); testPath != "" {
		paths = append(paths, testPath)
	}
	return paths
}

// Reset cancels all in-flight work, best-effort joins outstanding worker
// goroutines, and clears all pipeline state in place. The Pipeline's own
// identity never changes — concurrent holders of the *Pipeline always
// observe the same object.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.cancelled = true
	snapshot := make([]chan struct{}, 0, len(p.threads))
	for _, done := range p.threads {
		snapshot = append(snapshot, done)
	}
	p.mu.Unlock()

	for _, done := range snapshot {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			// Go cannot forcibly kill a goroutine; the cancellation flag
			// (checked by every cooperative loop) is what actually stops
			// it. We simply stop waiting here.
		}
	}

	p.cfg.Scheduler.Stop()
	p.cfg.Scheduler.Drain()
	p.cfg.Locks.ReleaseAll()

	p.mu.Lock()
	p.workflows = make(map[string]*Workflow)
	p.errors = nil
	p.queries = nil
	p.prompts = make(map[promptKey]string)
	p.threads = make(map[string]chan struct{})
	p.cancelled = false
	p.mu.Unlock()

	// Reset returns the Pipeline to a usable state in place (see the type
	// doc); restart the dispatch loop so work submitted after a soft reset
	// (POST /pipeline/reset) is not silently inert.
	p.cfg.Scheduler.Start()
}

// SanitizePath replaces occurrences of projectRoot in msg with "<project>"
// to avoid leaking filesystem layout in user-visible error strings.
func SanitizePath(msg, projectRoot string) string {
	if projectRoot == "" {
		return msg
	}
	return strings.ReplaceAll(msg, projectRoot, "<project>")
}

// sortedWorkflowNames returns workflow names in a deterministic order, used
// by tests and any caller that needs stable iteration.
func (p *Pipeline) sortedWorkflowNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.workflows))
	for name := range p.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

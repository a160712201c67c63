// Package checkrunner adapts an external command (the test runner, the lint
// command, the final verification check) to pipeline.CommandRunner, running
// it through the shared supervisor so timeouts and cancellation behave
// identically to the tool CLI invocations in internal/toolclient.
//
// Grounded on internal/toolclient.CLIClient.ToolCall: same
// supervisor.Run(ctx, command, args, timeout, workingDir, isCancelled) call
// shape, generalized to report pass/fail instead of returning raw text.
package checkrunner

import (
	"context"

	"github.com/hardener/hardener/internal/config"
	"github.com/hardener/hardener/internal/supervisor"
)

// Runner invokes spec's Command/Args against a workflow's target directory
// and reports whether it exited zero.
type Runner struct {
	Supervisor *supervisor.Supervisor
	Spec       config.CommandSpec
}

// New builds a Runner from a command spec.
func New(spec config.CommandSpec) *Runner {
	return &Runner{
		Supervisor: supervisor.New(),
		Spec:       spec,
	}
}

// Run satisfies pipeline.CommandRunner, defaulting the command's timeout to
// two minutes when the spec leaves it unset.
func (r *Runner) Run(ctx context.Context, workingDir string, isCancelled func() bool) (bool, string, error) {
	out, ok, err := r.Supervisor.Run(ctx, r.Spec.Command, r.Spec.Args, r.Spec.Timeout(120000), workingDir, isCancelled)
	if err != nil {
		return false, out, err
	}
	return ok, out, nil
}

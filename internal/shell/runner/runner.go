// Package runner executes resolved task plans: ordered command groups run
// sequentially, fail-fast unless a command is marked best-effort.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/harborside/skiff/internal/core/task"
)

// =============================================================================
// Errors
// =============================================================================

// ErrCommandFailed is the sentinel for any fail-fast command failure.
var ErrCommandFailed = errors.New("command failed")

// CommandError wraps a command failure with its task context.
type CommandError struct {
	Task     string
	Command  string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: %s: exit code %d", e.Task, e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: %s: %v", e.Task, e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}

// =============================================================================
// Runner
// =============================================================================

// Runner executes command groups in order. A single Runner is driven by one
// invocation; there is no internal parallelism - the orchestrator's job is
// ordering and idempotence, not throughput.
type Runner struct {
	logger *slog.Logger

	// Caller streams. Stdin is attached only to interactive commands and is
	// released unconditionally when the command returns.
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// New creates a Runner bound to the caller's standard streams.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// WithStreams overrides the caller streams, for tests and embedding.
func (r *Runner) WithStreams(stdin io.Reader, stdout, stderr io.Writer) *Runner {
	r.stdin = stdin
	r.stdout = stdout
	r.stderr = stderr
	return r
}

// Run executes the plan. A fail-fast failure aborts the remaining commands of
// the entire sequence and is returned; best-effort failures are logged and
// swallowed. Context cancellation aborts like a fail-fast failure.
func (r *Runner) Run(ctx context.Context, plan []task.Step) error {
	for _, step := range plan {
		for _, c := range step.Group {
			if err := ctx.Err(); err != nil {
				return &CommandError{Task: step.TaskName, Command: c.Label, Err: err}
			}

			err := r.runCommand(ctx, step.TaskName, c)
			if err == nil {
				continue
			}
			if c.BestEffort {
				r.logger.Warn("best-effort command failed",
					"task", step.TaskName,
					"command", c.Label,
					"error", err,
				)
				continue
			}
			return err
		}
	}
	return nil
}

// runCommand executes one command, external or in-process.
func (r *Runner) runCommand(ctx context.Context, taskName string, c task.Command) error {
	if c.Fn != nil {
		r.logger.Debug("running", "task", taskName, "command", c.Label)
		if err := c.Fn(ctx); err != nil {
			return &CommandError{Task: taskName, Command: c.Label, Err: err}
		}
		return nil
	}

	if len(c.Argv) == 0 {
		return nil
	}

	label := c.Label
	if label == "" {
		label = strings.Join(c.Argv, " ")
	}
	r.logger.Debug("running", "task", taskName, "command", label)

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	if c.Interactive {
		cmd.Stdin = r.stdin
	}

	if err := cmd.Run(); err != nil {
		cmdErr := &CommandError{Task: taskName, Command: label, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		return cmdErr
	}
	return nil
}

package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// CommandSpec is one shell command to run inside a checked-out workspace.
type CommandSpec struct {
	Name    string
	Command string
	Dir     string
	Env     []string
}

type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Commander runs one command to completion. A non-zero exit code is a
// result, not an error; errors are reserved for the command never running
// at all (context cancelled).
type Commander interface {
	Run(ctx context.Context, spec CommandSpec) (CommandResult, error)
}

// DefaultMaxOutputBytes caps captured output per stream.
const DefaultMaxOutputBytes = 1 << 20

// ExecCommander shells out via `sh -c`. Stdout and stderr are captured up
// to MaxOutputBytes each so a chatty step cannot exhaust worker memory.
type ExecCommander struct {
	MaxOutputBytes int64
}

func (e *ExecCommander) Run(ctx context.Context, spec CommandSpec) (CommandResult, error) {
	limit := e.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &cappedWriter{buf: &stdout, remaining: limit}
	cmd.Stderr = &cappedWriter{buf: &stderr, remaining: limit}

	start := time.Now()
	err := cmd.Run()
	result := CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return CommandResult{}, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		// The command never started. Treat it like any other failing
		// step so the run records what happened.
		result.ExitCode = -1
		result.Stderr = append(result.Stderr, err.Error()...)
	}
	return result, nil
}

type cappedWriter struct {
	buf       *bytes.Buffer
	remaining int64
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if c.remaining <= 0 {
		return n, nil
	}
	if int64(n) > c.remaining {
		p = p[:c.remaining]
	}
	c.buf.Write(p)
	c.remaining -= int64(len(p))
	return n, nil
}

// StepReport is handed to the observe callback after each step finishes,
// whether it passed or failed.
type StepReport struct {
	Index  int
	Spec   CommandSpec
	Result CommandResult
}

// StepFailure identifies the first step whose command exited non-zero.
type StepFailure struct {
	Index    int
	Name     string
	ExitCode int
}

func (f *StepFailure) Error() string {
	return fmt.Sprintf("step %d (%s) exited with code %d", f.Index, f.Name, f.ExitCode)
}

// RunSteps executes specs strictly in order, stopping at the first step
// that exits non-zero; later steps are never started. The returned error is
// a *StepFailure for command failures, or the context error when the run
// was cancelled mid-step. Zero specs is a successful run.
func RunSteps(ctx context.Context, cmd Commander, specs []CommandSpec, observe func(StepReport)) error {
	for i, spec := range specs {
		result, err := cmd.Run(ctx, spec)
		if err != nil {
			return fmt.Errorf("run step %d (%s): %w", i, spec.Name, err)
		}
		if observe != nil {
			observe(StepReport{Index: i, Spec: spec, Result: result})
		}
		if result.ExitCode != 0 {
			return &StepFailure{Index: i, Name: spec.Name, ExitCode: result.ExitCode}
		}
	}
	return nil
}

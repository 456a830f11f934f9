package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// DefaultExecTimeout bounds one-shot commands that do not set a timeout.
const DefaultExecTimeout = 30 * time.Second

// ExecRequest describes a one-shot shell command.
type ExecRequest struct {
	Command    string
	WorkingDir string
	Timeout    time.Duration
	Stdin      []byte
}

// ExecResult carries the outcome of a one-shot command. Output interleaves
// stdout and stderr and is bounded like a session buffer.
type ExecResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
	Err      error
}

// Exec runs req to completion. Failures are reported in the result, never
// as a separate error, so callers can always hand the output back.
func Exec(ctx context.Context, req ExecRequest) ExecResult {
	if req.Command == "" {
		return ExecResult{ExitCode: -1, Err: ErrEmptyCommand}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := shellCommand(execCtx, req.Command)
	cmd.Dir = req.WorkingDir
	cmd.WaitDelay = time.Second
	isolate(cmd)
	cmd.Cancel = func() error { return killTree(cmd) }

	out := newOutputBuffer(DefaultBufferLimit, DefaultBufferRetain)
	cmd.Stdout = out
	cmd.Stderr = out
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	res := ExecResult{
		Output:   out.String(),
		Duration: time.Since(start),
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		res.TimedOut = true
		res.Err = ErrExecutionTimeout
		return res
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err
		}
	}
	return res
}

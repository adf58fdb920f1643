package proc

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/treykane/tunneltop/internal/util"
)

// ErrTimedOut is returned by Run when the command outlives its deadline.
var ErrTimedOut = errors.New("command timed out")

// Result is the outcome of a command run to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Run executes command and waits for it. A positive timeout bounds the run:
// on expiry the whole process group is killed and ErrTimedOut is returned
// without waiting for the command beyond a short pipe-drain delay. A
// non-zero exit status is not an error; it is reported in Result.ExitCode.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = util.ProbeWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, ErrTimedOut
		}
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		return res, nil
	case errors.Is(err, exec.ErrWaitDelay):
		// Exited cleanly but a grandchild held stdout open.
		return res, nil
	default:
		return res, &SpawnError{Command: command, Err: err}
	}
}

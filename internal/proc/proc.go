// Package proc launches and terminates the shell commands behind tunnels and
// probes.
//
// Every command runs as `sh -c <command>` in its own process group (or its
// own session when started under a pseudo-terminal) so that termination
// reaches whatever the shell spawned. The configuration file therefore has
// the same trust level as a shell script.
package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/treykane/tunneltop/internal/util"
)

// ErrTerminateFailed is returned when a process survives every escalation step.
var ErrTerminateFailed = errors.New("process refused to terminate")

// SpawnError reports a command that could not be launched at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StartOptions tweaks how a long-running command is launched.
type StartOptions struct {
	// PTY attaches the command to a new pseudo-terminal. Some commands
	// (ssh with keyboard-interactive auth, for instance) refuse to run
	// without a controlling terminal.
	PTY bool
}

// Runner starts commands through a shell. The zero value is not useful; use New.
type Runner struct {
	shell string
}

// New returns a Runner using /bin/sh.
func New() *Runner { return &Runner{shell: "/bin/sh"} }

// NewWithShell returns a Runner that invokes shell -c.
func NewWithShell(shell string) *Runner { return &Runner{shell: shell} }

// Process is a started long-running command. The owner must eventually call
// Terminate or observe Done.
type Process struct {
	cmd    *exec.Cmd
	tty    *os.File
	output *tailBuffer
	done   chan struct{}

	mu      sync.Mutex
	exitErr error
}

// Start launches command asynchronously.
func (r *Runner) Start(command string, opts StartOptions) (*Process, error) {
	cmd := exec.Command(r.shell, "-c", command)
	p := &Process{cmd: cmd, output: newTailBuffer(4096), done: make(chan struct{})}

	if opts.PTY {
		// pty.Start puts the child in a new session, which also makes it
		// the leader of its own process group.
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, &SpawnError{Command: command, Err: err}
		}
		p.tty = f
		go func() { _, _ = io.Copy(p.output, f) }()
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Stdin = nil
		cmd.Stdout = p.output
		cmd.Stderr = p.output
		// Grandchildren may keep the output pipe open after the shell exits.
		cmd.WaitDelay = time.Second
		if err := cmd.Start(); err != nil {
			return nil, &SpawnError{Command: command, Err: err}
		}
	}

	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	if p.tty != nil {
		_ = p.tty.Close()
	}
	close(p.done)
}

// PID returns the OS process id of the shell.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process has not yet exited.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the error from Wait, or nil while running or on a clean exit.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Output returns the last line the process wrote to stdout/stderr.
func (p *Process) Output() string {
	return util.LastLine(p.output.String())
}

// Terminate stops the process: SIGTERM to its group, SIGKILL to the group
// after grace, then SIGKILL to any descendant that left the group. Calling it
// on an exited process is a no-op.
func (p *Process) Terminate(grace time.Duration) error {
	if !p.Running() {
		return nil
	}
	pid := p.PID()
	descendants := descendantPIDs(pid)

	signalGroup(pid, unix.SIGTERM)
	if p.waitFor(grace) {
		return nil
	}

	signalGroup(pid, unix.SIGKILL)
	for _, d := range descendants {
		_ = unix.Kill(int(d), unix.SIGKILL)
	}
	if p.waitFor(grace) {
		return nil
	}
	return fmt.Errorf("%w: pid %d", ErrTerminateFailed, pid)
}

func (p *Process) waitFor(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

func signalGroup(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		// Not a group leader (should not happen); fall back to the pid.
		_ = unix.Kill(pid, sig)
	}
}

// descendantPIDs lists every transitive child of pid.
func descendantPIDs(pid int) []int32 {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int32
	var walk func(p *process.Process, depth int)
	walk = func(p *process.Process, depth int) {
		if depth > 16 {
			return
		}
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			out = append(out, c.Pid)
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return out
}

// Alive reports whether pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// tailBuffer keeps the most recent bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

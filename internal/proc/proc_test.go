package proc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndTerminate(t *testing.T) {
	r := New()
	p, err := r.Start("sleep 30", StartOptions{})
	require.NoError(t, err)
	require.True(t, p.Running())
	require.Greater(t, p.PID(), 0)

	require.NoError(t, p.Terminate(time.Second))
	assert.False(t, p.Running())
	assert.False(t, Alive(p.PID()), "process should be reaped")

	// A second terminate on an exited process is a no-op.
	assert.NoError(t, p.Terminate(time.Second))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	r := New()
	// The shell ignores SIGTERM, so only the SIGKILL step can stop it.
	p, err := r.Start("trap '' TERM; while :; do sleep 0.1; done", StartOptions{})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Terminate(200*time.Millisecond))
	assert.False(t, p.Running())
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestProcessExitIsObserved(t *testing.T) {
	p, err := New().Start("echo bye; exit 3", StartOptions{})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Error(t, p.ExitErr())
	assert.Equal(t, "bye", p.Output())
}

func TestStartUnderPTY(t *testing.T) {
	p, err := New().Start("tty; sleep 30", StartOptions{PTY: true})
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer func() { _ = p.Terminate(time.Second) }()

	require.Eventually(t, func() bool { return p.Output() != "" }, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, p.Output(), "/dev/")
}

func TestStartSpawnError(t *testing.T) {
	r := NewWithShell("/nonexistent/shell")
	_, err := r.Start("true", StartOptions{})
	var serr *SpawnError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "true", serr.Command)
}

func TestRunCapturesOutput(t *testing.T) {
	res, err := New().Run(context.Background(), "echo 200; echo oops >&2; exit 4", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "200\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 4, res.ExitCode)
}

func TestRunTimesOut(t *testing.T) {
	start := time.Now()
	res, err := New().Run(context.Background(), "echo partial; sleep 10", 200*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Less(t, time.Since(start), 2*time.Second, "must not block past the deadline")
	assert.Equal(t, "partial\n", res.Stdout)
}

func TestRunKillsWholeGroupOnTimeout(t *testing.T) {
	// The background sleep would keep stdout open forever without the group kill.
	start := time.Now()
	_, err := New().Run(context.Background(), "sleep 10 & sleep 10", 200*time.Millisecond)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := New().Run(ctx, "sleep 10", 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunSpawnError(t *testing.T) {
	_, err := NewWithShell("/nonexistent/shell").Run(context.Background(), "true", time.Second)
	var serr *SpawnError
	require.True(t, errors.As(err, &serr))
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.String())
}

package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/tunneltop/internal/model"
	"github.com/treykane/tunneltop/internal/proc"
)

func names(views []model.TunnelView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.Name)
	}
	return out
}

func TestReloadIdenticalIsNoop(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())
	defs := []model.TunnelDefinition{sleeper("a"), sleeper("b")}
	for _, d := range defs {
		require.NoError(t, s.Add(d))
	}
	before := s.Snapshot()

	rep, err := s.Reload(defs)
	require.NoError(t, err)
	assert.False(t, rep.Changed())
	assert.Equal(t, 2, rep.Unchanged)
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, 2, r.starts())
	assert.Contains(t, rep.String(), "no changes")
}

func TestReloadIntervalChangeKeepsProcess(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())
	require.NoError(t, s.Add(sleeper("a")))
	pid := mustGet(t, s, "a").PID

	next := sleeper("a")
	next.TestInterval = 60 * time.Second
	rep, err := s.Reload([]model.TunnelDefinition{next})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rep.Updated)

	assert.Equal(t, pid, mustGet(t, s, "a").PID)
	assert.True(t, proc.Alive(pid))
	assert.Equal(t, 1, r.starts())

	iv, ok := s.sched.interval("a")
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, iv)

	def, err := s.Definition("a")
	require.NoError(t, err)
	assert.Equal(t, next, def)
}

func TestReloadCommandChangeRestartsProcess(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())
	require.NoError(t, s.Add(sleeper("a")))
	oldPID := mustGet(t, s, "a").PID

	next := sleeper("a")
	next.Command = "sleep 31"
	rep, err := s.Reload([]model.TunnelDefinition{next})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rep.Restarted)

	v := mustGet(t, s, "a")
	assert.NotEqual(t, oldPID, v.PID)
	assert.Greater(t, v.PID, 0)
	assert.False(t, proc.Alive(oldPID))
	assert.Equal(t, 1, r.running())
	assert.True(t, s.Scheduled("a"))
}

func TestReloadPreservesRuntimeDisable(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())
	require.NoError(t, s.Add(sleeper("a")))
	require.NoError(t, s.Apply("a", CommandToggle))

	next := sleeper("a")
	next.Port = 9001
	rep, err := s.Reload([]model.TunnelDefinition{next})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rep.Restarted)

	v := mustGet(t, s, "a")
	assert.Equal(t, model.StatusDisabled, v.Status)
	assert.Equal(t, 9001, v.Port)
	assert.Zero(t, v.PID)
	assert.Equal(t, 0, r.running())
	assert.False(t, s.Scheduled("a"))
}

func TestReloadAddRemoveAndOrder(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(sleeper(n)))
	}
	bPID := mustGet(t, s, "b").PID

	off := sleeper("d")
	off.Enabled = false
	rep, err := s.Reload([]model.TunnelDefinition{sleeper("c"), off, sleeper("a")})
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, rep.Added)
	assert.Equal(t, []string{"b"}, rep.Removed)
	assert.Equal(t, 2, rep.Unchanged)
	assert.Equal(t, "config reloaded: added d; removed b", rep.String())

	assert.Equal(t, []string{"c", "d", "a"}, names(s.Snapshot()))
	assert.Equal(t, model.StatusDisabled, mustGet(t, s, "d").Status)
	_, err = s.Get("b")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, proc.Alive(bPID))
	assert.False(t, s.Scheduled("b"))
	assert.Equal(t, 2, r.running())
}

func TestReloadDuplicateNamesRejected(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())
	require.NoError(t, s.Add(sleeper("a")))
	before := s.Snapshot()

	_, err := s.Reload([]model.TunnelDefinition{sleeper("b"), sleeper("b")})
	require.ErrorIs(t, err, ErrDuplicateName)
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, 1, r.starts())
}

func TestReloadDiscardsInFlightProbe(t *testing.T) {
	def := sleeper("a")
	def.TestCommand = "sleep 1; echo ok"
	s := newTestSupervisor(t, newCountingRunner(), testOptions())
	require.NoError(t, s.Add(def))
	require.NoError(t, s.Apply("a", CommandTestNow))

	next := def
	next.Command = "sleep 32"
	_, err := s.Reload([]model.TunnelDefinition{next})
	require.NoError(t, err)

	// The old unit's probe would have passed; the new unit never probed.
	time.Sleep(1500 * time.Millisecond)
	v := mustGet(t, s, "a")
	assert.Equal(t, model.StatusUnknown, v.Status)
	assert.Equal(t, model.OutcomeNone, v.LastOutcome)
}

func TestReloadAfterShutdown(t *testing.T) {
	s := New(newCountingRunner(), testOptions())
	require.NoError(t, s.Shutdown(context.Background()))
	_, err := s.Reload([]model.TunnelDefinition{sleeper("a")})
	assert.ErrorIs(t, err, ErrClosed)
}

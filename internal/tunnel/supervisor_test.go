package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/tunneltop/internal/events"
	"github.com/treykane/tunneltop/internal/model"
	"github.com/treykane/tunneltop/internal/proc"
)

// countingRunner wraps the real runner and remembers every process it
// started, so tests can assert that no unit ever has two live processes.
type countingRunner struct {
	*proc.Runner

	mu      sync.Mutex
	started []*proc.Process
}

func newCountingRunner() *countingRunner {
	return &countingRunner{Runner: proc.New()}
}

func (c *countingRunner) Start(command string, opts proc.StartOptions) (*proc.Process, error) {
	p, err := c.Runner.Start(command, opts)
	if err == nil {
		c.mu.Lock()
		c.started = append(c.started, p)
		c.mu.Unlock()
	}
	return p, err
}

func (c *countingRunner) running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.started {
		if p.Running() {
			n++
		}
	}
	return n
}

func (c *countingRunner) starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.started)
}

type memJournal struct {
	mu  sync.Mutex
	evs []events.Event
}

func (j *memJournal) Append(evt events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.evs = append(j.evs, evt)
	return nil
}

func (j *memJournal) types(tunnel string) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.evs {
		if e.Tunnel == tunnel {
			out = append(out, e.EventType)
		}
	}
	return out
}

func testOptions() Options {
	return Options{
		GracePeriod:         500 * time.Millisecond,
		DefaultProbeTimeout: 2 * time.Second,
		// Periodic probes stay out of the way unless a test asks for them.
		InitialProbeDelay: time.Hour,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestSupervisor(t *testing.T, r Runner, opts Options) *Supervisor {
	t.Helper()
	s := New(r, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func sleeper(name string) model.TunnelDefinition {
	return model.TunnelDefinition{
		Name:              name,
		Address:           "127.0.0.1",
		Port:              9000,
		Command:           "sleep 30",
		TestCommand:       "echo ok",
		TestCommandResult: "ok",
		TestInterval:      300 * time.Second,
		TestTimeout:       10 * time.Second,
		Enabled:           true,
	}
}

func mustGet(t *testing.T, s *Supervisor, name string) model.TunnelView {
	t.Helper()
	v, err := s.Get(name)
	require.NoError(t, err)
	return v
}

func waitStatus(t *testing.T, s *Supervisor, name string, want model.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := s.Get(name)
		return err == nil && v.Status == want
	}, 5*time.Second, 10*time.Millisecond, "tunnel %s never reached %s (last: %+v)", name, want, mustGet(t, s, name))
}

func TestAddStartsEnabledTunnel(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())

	require.NoError(t, s.Add(sleeper("t1")))
	v := mustGet(t, s, "t1")
	assert.Equal(t, model.StatusUnknown, v.Status)
	assert.True(t, v.Enabled)
	assert.Greater(t, v.PID, 0)
	assert.Equal(t, 1, r.running())
	assert.True(t, s.Scheduled("t1"), "enabled unit with a test command has an entry")
}

func TestAddDisabledTunnel(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())

	def := sleeper("t1")
	def.Enabled = false
	require.NoError(t, s.Add(def))

	v := mustGet(t, s, "t1")
	assert.Equal(t, model.StatusDisabled, v.Status)
	assert.Zero(t, v.PID)
	assert.Zero(t, r.starts())
	assert.False(t, s.Scheduled("t1"))
}

func TestAddDuplicateName(t *testing.T) {
	s := newTestSupervisor(t, newCountingRunner(), testOptions())
	require.NoError(t, s.Add(sleeper("t1")))
	err := s.Add(sleeper("t1"))
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Len(t, s.Snapshot(), 1)
}

func TestRemoveUnknownLeavesStateUnchanged(t *testing.T) {
	s := newTestSupervisor(t, newCountingRunner(), testOptions())
	require.NoError(t, s.Add(sleeper("t1")))
	before := s.Snapshot()

	err := s.Remove("nope")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, s.Snapshot())
}

func TestRemoveTerminatesProcess(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())
	require.NoError(t, s.Add(sleeper("t1")))
	pid := mustGet(t, s, "t1").PID

	require.NoError(t, s.Remove("t1"))
	assert.Empty(t, s.Snapshot())
	assert.False(t, s.Scheduled("t1"))
	assert.False(t, proc.Alive(pid))
	assert.Equal(t, 0, r.running())
}

func TestRemoveWhileHealthChecksLoop(t *testing.T) {
	r := newCountingRunner()
	opts := testOptions()
	opts.InitialProbeDelay = time.Millisecond
	s := newTestSupervisor(t, r, opts)

	def := sleeper("t1")
	def.TestCommand = "true"
	def.TestCommandResult = ""
	def.TestInterval = time.Millisecond

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Add(def))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.Remove("t1"))
		assert.False(t, s.Scheduled("t1"))
	}
	assert.Empty(t, s.Snapshot())
	assert.Equal(t, 0, r.running())
}

func TestApplyUnknownTunnel(t *testing.T) {
	s := newTestSupervisor(t, newCountingRunner(), testOptions())
	for _, cmd := range []Command{CommandToggle, CommandRestart, CommandTestNow} {
		assert.ErrorIs(t, s.Apply("ghost", cmd), ErrNotFound, cmd.String())
	}
}

func TestProbeScenario(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	hang := filepath.Join(dir, "hang")

	def := sleeper("t1")
	def.TestCommand = "cat " + out + "; if [ -f " + hang + " ]; then sleep 5; fi"
	def.TestCommandResult = "200"
	def.TestTimeout = 300 * time.Millisecond

	s := newTestSupervisor(t, newCountingRunner(), testOptions())
	require.NoError(t, s.Add(def))

	require.NoError(t, os.WriteFile(out, []byte("200\n"), 0o600))
	require.NoError(t, s.Apply("t1", CommandTestNow))
	waitStatus(t, s, "t1", model.StatusActive)
	assert.Equal(t, model.OutcomePass, mustGet(t, s, "t1").LastOutcome)
	assert.Empty(t, mustGet(t, s, "t1").LastStderr)

	// Hanging probe: partial output "200" must not count as a pass.
	require.NoError(t, os.WriteFile(hang, nil, 0o600))
	require.NoError(t, s.Apply("t1", CommandTestNow))
	waitStatus(t, s, "t1", model.StatusTimeout)
	assert.Equal(t, model.OutcomeTimeout, mustGet(t, s, "t1").LastOutcome)
	assert.Equal(t, "-", mustGet(t, s, "t1").LastStderr)

	require.NoError(t, os.Remove(hang))
	require.NoError(t, os.WriteFile(out, []byte("403\n"), 0o600))
	require.NoError(t, s.Apply("t1", CommandTestNow))
	waitStatus(t, s, "t1", model.StatusDown)
	v := mustGet(t, s, "t1")
	assert.Equal(t, model.OutcomeFail, v.LastOutcome)
	assert.Equal(t, "403", v.LastOutput)
	assert.Greater(t, v.PID, 0, "a failing probe does not touch the process")
}

func TestHealthCheckKeepsStderr(t *testing.T) {
	def := sleeper("t1")
	def.TestCommand = "echo 200; echo 'proxy refused' >&2"
	def.TestCommandResult = "200"

	s := newTestSupervisor(t, newCountingRunner(), testOptions())
	require.NoError(t, s.Add(def))
	require.NoError(t, s.Apply("t1", CommandTestNow))
	waitStatus(t, s, "t1", model.StatusActive)

	v := mustGet(t, s, "t1")
	assert.Equal(t, "200", v.LastOutput)
	assert.Equal(t, "proxy refused", v.LastStderr)
}

func TestToggleActiveDisables(t *testing.T) {
	r := newCountingRunner()
	def := sleeper("t1")
	def.TestCommand = "echo 200"
	def.TestCommandResult = "200"
	s := newTestSupervisor(t, r, testOptions())
	require.NoError(t, s.Add(def))

	require.NoError(t, s.Apply("t1", CommandTestNow))
	waitStatus(t, s, "t1", model.StatusActive)
	pid := mustGet(t, s, "t1").PID

	require.NoError(t, s.Apply("t1", CommandToggle))
	v := mustGet(t, s, "t1")
	assert.Equal(t, model.StatusDisabled, v.Status)
	assert.False(t, v.Enabled)
	assert.Zero(t, v.PID)
	assert.False(t, s.Scheduled("t1"), "no scheduler entry may remain while disabled")
	assert.False(t, proc.Alive(pid))
	assert.Equal(t, 0, r.running())
}

func TestToggleIsItsOwnInverse(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())

	require.NoError(t, s.Add(sleeper("on")))
	off := sleeper("off")
	off.Enabled = false
	require.NoError(t, s.Add(off))

	for _, name := range []string{"on", "off"} {
		require.NoError(t, s.Apply(name, CommandToggle))
		require.NoError(t, s.Apply(name, CommandToggle))
	}

	on := mustGet(t, s, "on")
	assert.Equal(t, model.StatusUnknown, on.Status)
	assert.Greater(t, on.PID, 0)
	assert.True(t, s.Scheduled("on"))

	offView := mustGet(t, s, "off")
	assert.Equal(t, model.StatusDisabled, offView.Status)
	assert.Zero(t, offView.PID)
	assert.False(t, s.Scheduled("off"))

	assert.Equal(t, 1, r.running(), "only the enabled tunnel may have a process")
}

func TestRapidTogglesNeverLeakProcesses(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())
	require.NoError(t, s.Add(sleeper("t1")))

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Apply("t1", CommandToggle)
		}()
	}
	wg.Wait()

	// Nine toggles from enabled end disabled, whatever the interleaving.
	v := mustGet(t, s, "t1")
	assert.Equal(t, model.StatusDisabled, v.Status)
	assert.Equal(t, 0, r.running())
	assert.False(t, s.Scheduled("t1"))
}

func TestRestart(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())
	require.NoError(t, s.Add(sleeper("t1")))
	oldPID := mustGet(t, s, "t1").PID

	require.NoError(t, s.Apply("t1", CommandRestart))
	v := mustGet(t, s, "t1")
	assert.Equal(t, model.StatusUnknown, v.Status)
	assert.NotEqual(t, oldPID, v.PID)
	assert.Equal(t, 1, v.Restarts)
	assert.False(t, proc.Alive(oldPID))
	assert.Equal(t, 1, r.running())
	assert.True(t, s.Scheduled("t1"), "restart keeps the scheduler entry")
}

func TestRestartWhileDisabledIsNoop(t *testing.T) {
	r := newCountingRunner()
	s := newTestSupervisor(t, r, testOptions())
	def := sleeper("t1")
	def.Enabled = false
	require.NoError(t, s.Add(def))

	require.NoError(t, s.Apply("t1", CommandRestart))
	require.NoError(t, s.Apply("t1", CommandTestNow))
	assert.Equal(t, model.StatusDisabled, mustGet(t, s, "t1").Status)
	assert.Zero(t, r.starts())
}

func TestUnexpectedExitMarksDown(t *testing.T) {
	def := sleeper("t1")
	def.Command = "echo 'bind: Address already in use' >&2; exit 255"
	s := newTestSupervisor(t, newCountingRunner(), testOptions())
	require.NoError(t, s.Add(def))

	waitStatus(t, s, "t1", model.StatusDown)
	v := mustGet(t, s, "t1")
	assert.Zero(t, v.PID)
	assert.True(t, v.Enabled, "an unexpected exit does not disable the unit")
	assert.Contains(t, v.LastError, "exit status 255")
	assert.Equal(t, "bind: Address already in use", v.ProcOutput)
	assert.True(t, s.Scheduled("t1"), "probing continues until the operator intervenes")
}

func TestSpawnErrorMarksDown(t *testing.T) {
	s := newTestSupervisor(t, proc.NewWithShell("/nonexistent/shell"), testOptions())
	require.NoError(t, s.Add(sleeper("t1")))

	v := mustGet(t, s, "t1")
	assert.Equal(t, model.StatusDown, v.Status)
	assert.Contains(t, v.LastError, "spawn")
	assert.True(t, v.Enabled)
}

func TestProbeErrorIsUnknown(t *testing.T) {
	// The runner can start the tunnel but the probe shell is missing.
	r := &splitRunner{start: proc.New(), run: proc.NewWithShell("/nonexistent/shell")}
	def := sleeper("t1")
	def.TestCommand = "echo 200"
	def.TestCommandResult = "200"
	s := newTestSupervisor(t, r, testOptions())
	require.NoError(t, s.Add(def))

	require.NoError(t, s.Apply("t1", CommandTestNow))
	require.Eventually(t, func() bool {
		return mustGet(t, s, "t1").LastOutcome == model.OutcomeError
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StatusUnknown, mustGet(t, s, "t1").Status)
}

type splitRunner struct {
	start *proc.Runner
	run   *proc.Runner
}

func (r *splitRunner) Start(command string, opts proc.StartOptions) (*proc.Process, error) {
	return r.start.Start(command, opts)
}

func (r *splitRunner) Run(ctx context.Context, command string, timeout time.Duration) (proc.Result, error) {
	return r.run.Run(ctx, command, timeout)
}

func TestTestNowWithoutTestCommand(t *testing.T) {
	s := newTestSupervisor(t, newCountingRunner(), testOptions())
	def := sleeper("t1")
	def.TestCommand = ""
	require.NoError(t, s.Add(def))
	assert.False(t, s.Scheduled("t1"))

	require.NoError(t, s.Apply("t1", CommandTestNow))
	v := mustGet(t, s, "t1")
	assert.Equal(t, model.StatusUnknown, v.Status)
	assert.Equal(t, "no test_command configured", v.LastError)
}

func TestSnapshotIsACopyInInsertionOrder(t *testing.T) {
	s := newTestSupervisor(t, newCountingRunner(), testOptions())
	for _, n := range []string{"c", "a", "b"} {
		require.NoError(t, s.Add(sleeper(n)))
	}
	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{snap[0].Name, snap[1].Name, snap[2].Name})

	snap[0].Status = model.StatusActive
	assert.Equal(t, model.StatusUnknown, mustGet(t, s, "c").Status)
}

func TestShutdownStopsEverything(t *testing.T) {
	r := newCountingRunner()
	s := New(r, testOptions())
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, s.Add(sleeper(n)))
	}
	require.Equal(t, 3, r.running())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, 0, r.running())
	assert.ErrorIs(t, s.Add(sleeper("d")), ErrClosed)
}

func TestJournalRecordsLifecycle(t *testing.T) {
	j := &memJournal{}
	opts := testOptions()
	opts.Journal = j
	s := newTestSupervisor(t, newCountingRunner(), opts)

	require.NoError(t, s.Add(sleeper("t1")))
	require.NoError(t, s.Apply("t1", CommandToggle))
	require.NoError(t, s.Remove("t1"))

	assert.Equal(t, []string{events.TypeAdded, events.TypeStarted, events.TypeStopped, events.TypeRemoved}, j.types("t1"))
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []model.ProbeOutcome
}

func (o *recordingObserver) ObserveProbe(_ string, outcome model.ProbeOutcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func TestObserverSeesProbes(t *testing.T) {
	obs := &recordingObserver{}
	opts := testOptions()
	opts.Observer = obs
	def := sleeper("t1")
	def.TestCommand = "echo nope"
	def.TestCommandResult = "200"
	s := newTestSupervisor(t, newCountingRunner(), opts)
	require.NoError(t, s.Add(def))

	require.NoError(t, s.Apply("t1", CommandTestNow))
	waitStatus(t, s, "t1", model.StatusDown)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []model.ProbeOutcome{model.OutcomeFail}, obs.outcomes)
}

func TestNormalizeOutput(t *testing.T) {
	assert.Equal(t, "200", normalizeOutput("200\n"))
	assert.Equal(t, "200", normalizeOutput("\"200\"\n"))
	assert.Equal(t, "a b", normalizeOutput("a b"))
	assert.Equal(t, " 200", normalizeOutput(" 200\r\n"))
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "toggle", CommandToggle.String())
	assert.Equal(t, "restart", CommandRestart.String())
	assert.Equal(t, "test-now", CommandTestNow.String())
	assert.Equal(t, "command(7)", Command(7).String())
}

func TestPeriodicProbesNeverOverlap(t *testing.T) {
	dir := t.TempDir()
	lock := filepath.Join(dir, "lock")
	overlap := filepath.Join(dir, "overlap")
	count := filepath.Join(dir, "count")

	def := sleeper("t1")
	def.TestCommand = "mkdir " + lock + " 2>/dev/null || touch " + overlap + "; echo x >> " + count + "; sleep 0.1; rmdir " + lock + "; echo ok"
	def.TestInterval = 20 * time.Millisecond

	opts := testOptions()
	opts.InitialProbeDelay = 0
	s := newTestSupervisor(t, newCountingRunner(), opts)
	require.NoError(t, s.Add(def))

	// Kicks on top of the timer must not start a second probe either.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Apply("t1", CommandTestNow))
	}
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(count)
		return err == nil && len(data) >= 3*len("x\n")
	}, 5*time.Second, 20*time.Millisecond)
	waitStatus(t, s, "t1", model.StatusActive)

	_, err := os.Stat(overlap)
	assert.True(t, errors.Is(err, os.ErrNotExist), "two probes ran at once")
}

func TestZeroIntervalOnlyProbesOnDemand(t *testing.T) {
	def := sleeper("t1")
	def.TestInterval = 0

	opts := testOptions()
	opts.InitialProbeDelay = 0
	s := newTestSupervisor(t, newCountingRunner(), opts)
	require.NoError(t, s.Add(def))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, model.StatusUnknown, mustGet(t, s, "t1").Status)

	require.NoError(t, s.Apply("t1", CommandTestNow))
	waitStatus(t, s, "t1", model.StatusActive)
}

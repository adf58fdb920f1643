package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/treykane/tunneltop/internal/events"
	"github.com/treykane/tunneltop/internal/model"
	"github.com/treykane/tunneltop/internal/proc"
)

// unit is the runtime side of one tunnel definition.
//
// op serializes everything that changes the unit's process or scheduler entry
// (commands, reload swaps, removal) and may be held across a terminate. mu
// guards the fields and is only held briefly, so snapshots and probe results
// never wait behind a slow terminate. removed is written with both held.
type unit struct {
	sup *Supervisor

	op sync.Mutex

	mu          sync.Mutex
	def         model.TunnelDefinition
	enabled     bool
	removed     bool
	status      model.Status
	proc        *proc.Process
	gen         uint64
	lastTest    time.Time
	lastOutcome model.ProbeOutcome
	lastOutput  string
	lastStderr  string
	lastError   string
	procOutput  string
	restarts    int
}

func newUnit(sup *Supervisor, def model.TunnelDefinition, enabled bool) *unit {
	u := &unit{sup: sup, def: def, enabled: enabled, status: model.StatusDisabled}
	if enabled {
		u.status = model.StatusUnknown
	}
	return u
}

func (u *unit) name() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.def.Name
}

func (u *unit) definition() model.TunnelDefinition {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.def
}

func (u *unit) isEnabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.enabled
}

func (u *unit) view() model.TunnelView {
	u.mu.Lock()
	defer u.mu.Unlock()
	v := model.TunnelView{
		Name:        u.def.Name,
		Address:     u.def.Address,
		Port:        u.def.Port,
		Status:      u.status,
		Enabled:     u.enabled,
		LastTest:    u.lastTest,
		LastOutcome: u.lastOutcome,
		LastOutput:  u.lastOutput,
		LastStderr:  u.lastStderr,
		LastError:   u.lastError,
		ProcOutput:  u.procOutput,
		Restarts:    u.restarts,
	}
	if u.proc != nil {
		v.PID = u.proc.PID()
		if out := u.proc.Output(); out != "" {
			v.ProcOutput = out
		}
	}
	return v
}

// markRemoved sets the removed flag. op must be held; mu is taken as well so
// readers holding either lock see a consistent value.
func (u *unit) markRemoved() {
	u.mu.Lock()
	u.removed = true
	u.mu.Unlock()
}

// activate starts the process and registers the scheduler entry. op must be held.
func (u *unit) activate(firstProbe time.Duration) {
	u.startProcess()
	u.sup.sched.schedule(u, firstProbe)
}

// startProcess launches the tunnel command. op must be held.
func (u *unit) startProcess() {
	def := u.definition()
	p, err := u.sup.runner.Start(def.Command, proc.StartOptions{PTY: def.PTY})

	u.mu.Lock()
	if err != nil {
		u.status = model.StatusDown
		u.lastError = err.Error()
		u.mu.Unlock()
		u.sup.log.Warn("tunnel spawn failed", "tunnel", def.Name, "error", err)
		u.sup.record(events.Event{Tunnel: def.Name, EventType: events.TypeSpawnFail, Status: model.StatusDown, Message: err.Error()})
		return
	}
	u.gen++
	gen := u.gen
	u.proc = p
	u.status = model.StatusUnknown
	u.lastError = ""
	u.procOutput = ""
	u.mu.Unlock()

	u.sup.log.Info("tunnel started", "tunnel", def.Name, "pid", p.PID())
	u.sup.record(events.Event{Tunnel: def.Name, EventType: events.TypeStarted, Status: model.StatusUnknown, PID: p.PID()})

	u.sup.wg.Add(1)
	go func() {
		defer u.sup.wg.Done()
		u.watch(p, gen)
	}()
}

// watch waits for p to exit and marks the unit DOWN unless the exit was
// requested through stopProcess.
func (u *unit) watch(p *proc.Process, gen uint64) {
	<-p.Done()

	u.mu.Lock()
	if u.gen != gen || u.proc != p {
		u.mu.Unlock()
		return
	}
	name := u.def.Name
	u.proc = nil
	u.status = model.StatusDown
	u.procOutput = p.Output()
	msg := "process exited"
	if err := p.ExitErr(); err != nil {
		msg = "process exited: " + err.Error()
	}
	u.lastError = msg
	u.mu.Unlock()

	u.sup.log.Warn("tunnel process exited", "tunnel", name, "pid", p.PID(), "error", p.ExitErr())
	u.sup.record(events.Event{Tunnel: name, EventType: events.TypeExited, Status: model.StatusDown, Message: msg, PID: p.PID()})
}

// stopProcess terminates the current process, if any. op must be held.
func (u *unit) stopProcess() error {
	u.mu.Lock()
	p := u.proc
	name := u.def.Name
	u.gen++
	u.mu.Unlock()
	if p == nil {
		return nil
	}

	err := p.Terminate(u.sup.opts.GracePeriod)

	u.mu.Lock()
	if u.proc == p {
		u.proc = nil
		u.procOutput = p.Output()
	}
	if err != nil {
		u.lastError = err.Error()
	}
	u.mu.Unlock()

	if err != nil {
		u.sup.log.Error("tunnel terminate failed", "tunnel", name, "pid", p.PID(), "error", err)
		u.sup.record(events.Event{Tunnel: name, EventType: events.TypeTerminated, Message: err.Error(), PID: p.PID()})
		return err
	}
	u.sup.log.Info("tunnel stopped", "tunnel", name, "pid", p.PID())
	return nil
}

func (u *unit) toggle() {
	u.op.Lock()
	defer u.op.Unlock()
	if u.removed {
		return
	}

	if !u.isEnabled() {
		u.mu.Lock()
		u.enabled = true
		u.status = model.StatusUnknown
		u.mu.Unlock()
		u.activate(u.sup.opts.InitialProbeDelay)
		return
	}

	u.sup.sched.cancel(u)
	_ = u.stopProcess()
	u.mu.Lock()
	u.enabled = false
	u.status = model.StatusDisabled
	name := u.def.Name
	u.mu.Unlock()
	u.sup.record(events.Event{Tunnel: name, EventType: events.TypeStopped, Status: model.StatusDisabled})
}

func (u *unit) restart() {
	u.op.Lock()
	defer u.op.Unlock()
	if u.removed || !u.isEnabled() {
		return
	}
	_ = u.stopProcess()
	u.mu.Lock()
	u.restarts++
	u.mu.Unlock()
	u.startProcess()
}

func (u *unit) testNow() {
	u.op.Lock()
	defer u.op.Unlock()
	if u.removed || !u.isEnabled() {
		return
	}
	if !u.sup.sched.kick(u) {
		u.mu.Lock()
		u.lastError = "no test_command configured"
		u.mu.Unlock()
	}
}

// redefine swaps in a definition whose process-affecting fields are
// unchanged. The running process is kept; the scheduler entry is recreated
// when probe settings changed.
func (u *unit) redefine(def model.TunnelDefinition) {
	u.op.Lock()
	defer u.op.Unlock()
	if u.removed {
		return
	}
	u.mu.Lock()
	prev := u.def
	u.def = def
	enabled := u.enabled
	u.mu.Unlock()

	if enabled && prev.ProbeChanged(def) {
		u.sup.sched.cancel(u)
		u.sup.sched.schedule(u, def.TestInterval)
	}
	u.sup.record(events.Event{Tunnel: def.Name, EventType: events.TypeRedefined})
}

// shutdown cancels the scheduler entry and terminates the process. The unit
// ignores every later command.
func (u *unit) shutdown() error {
	u.op.Lock()
	defer u.op.Unlock()
	if u.removed {
		return nil
	}
	u.markRemoved()
	u.sup.sched.cancel(u)
	return u.stopProcess()
}

// probe runs the test command once and applies the outcome. Results are
// dropped when ctx was cancelled (entry removed) or the definition changed
// while the probe was in flight.
func (u *unit) probe(ctx context.Context) {
	def := u.definition()
	res := RunProbe(ctx, u.sup.runner, def, u.sup.opts.DefaultProbeTimeout)
	if ctx.Err() != nil {
		return
	}

	u.mu.Lock()
	if u.removed || !u.enabled || u.def != def {
		u.mu.Unlock()
		return
	}
	prev := u.status
	u.status = res.Status
	u.lastTest = time.Now()
	u.lastOutcome = res.Outcome
	u.lastOutput = res.Output
	u.lastStderr = res.Stderr
	if res.Err != "" || res.Outcome == model.OutcomePass {
		u.lastError = res.Err
	}
	u.mu.Unlock()

	if u.sup.opts.Observer != nil {
		u.sup.opts.Observer.ObserveProbe(def.Name, res.Outcome, res.Duration)
	}
	u.sup.log.Debug("probe finished", "tunnel", def.Name, "outcome", res.Outcome, "output", res.Output, "duration", res.Duration)
	if prev != res.Status {
		u.sup.record(events.Event{Tunnel: def.Name, EventType: events.TypeProbe, Status: res.Status, Message: res.Err})
	}
}

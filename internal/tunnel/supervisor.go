// Package tunnel is the supervisor engine: it owns one unit per tunnel
// definition, runs each unit's process and health checks, applies operator
// commands, and reconciles configuration reloads into the live set.
//
// Operations on one unit are serialized; operations on different units run
// independently. Callers such as the dashboard should invoke Apply and Reload
// off their event loop since a terminate can take up to two grace periods.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/treykane/tunneltop/internal/events"
	"github.com/treykane/tunneltop/internal/model"
	"github.com/treykane/tunneltop/internal/proc"
	"github.com/treykane/tunneltop/internal/util"
)

var (
	// ErrDuplicateName is returned when a definition's name is already live
	// or appears twice in a reload set.
	ErrDuplicateName = errors.New("duplicate tunnel name")
	// ErrNotFound is returned for commands against an unknown tunnel.
	ErrNotFound = errors.New("tunnel not found")
	// ErrClosed is returned by Add after Shutdown.
	ErrClosed = errors.New("supervisor is shut down")
)

// Runner abstracts process creation so tests can count or fail spawns.
// *proc.Runner implements it.
type Runner interface {
	Start(command string, opts proc.StartOptions) (*proc.Process, error)
	ProbeRunner
}

// Journal receives lifecycle events. *events.Store implements it.
type Journal interface {
	Append(evt events.Event) error
}

// ProbeObserver is notified after every applied probe.
type ProbeObserver interface {
	ObserveProbe(tunnel string, outcome model.ProbeOutcome, d time.Duration)
}

// Options tunes a Supervisor. Zero durations fall back to the util defaults
// (InitialProbeDelay zero means "probe immediately").
type Options struct {
	GracePeriod         time.Duration
	DefaultProbeTimeout time.Duration
	InitialProbeDelay   time.Duration
	Journal             Journal
	Observer            ProbeObserver
	Logger              *slog.Logger
}

// Command is an operator action on one tunnel.
type Command int

const (
	CommandToggle Command = iota
	CommandRestart
	CommandTestNow
)

func (c Command) String() string {
	switch c {
	case CommandToggle:
		return "toggle"
	case CommandRestart:
		return "restart"
	case CommandTestNow:
		return "test-now"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Supervisor owns the name → unit mapping.
type Supervisor struct {
	runner Runner
	opts   Options
	log    *slog.Logger
	sched  *scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reloadMu sync.Mutex

	mu     sync.RWMutex
	units  map[string]*unit
	order  []string
	closed bool
}

// New returns an empty supervisor.
func New(runner Runner, opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = util.DefaultGracePeriod
	}
	if opts.DefaultProbeTimeout <= 0 {
		opts.DefaultProbeTimeout = util.DefaultProbeTimeout
	}
	if opts.InitialProbeDelay < 0 {
		opts.InitialProbeDelay = 0
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		runner: runner,
		opts:   opts,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		units:  make(map[string]*unit),
	}
	s.sched = newScheduler(ctx, &s.wg)
	return s
}

// Add creates a unit for def and, if def is enabled, starts its process and
// schedules its probes. Spawn failures are reflected in the unit's status,
// not returned.
func (s *Supervisor) Add(def model.TunnelDefinition) error {
	u := newUnit(s, def, def.Enabled)
	u.op.Lock()
	defer u.op.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.units[def.Name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateName, def.Name)
	}
	s.units[def.Name] = u
	s.order = append(s.order, def.Name)
	s.mu.Unlock()

	s.record(events.Event{Tunnel: def.Name, EventType: events.TypeAdded})
	if def.Enabled {
		u.activate(s.opts.InitialProbeDelay)
	}
	return nil
}

// Remove terminates the named unit's process, cancels its scheduler entry and
// forgets it. A process that refuses to die is logged, not returned.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	u, ok := s.units[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(s.units, name)
	s.order = without(s.order, name)
	s.mu.Unlock()

	_ = u.shutdown()
	s.record(events.Event{Tunnel: name, EventType: events.TypeRemoved})
	return nil
}

// Apply runs an operator command against the named unit. It returns once the
// command has taken effect; the outcome is visible through Snapshot.
func (s *Supervisor) Apply(name string, cmd Command) error {
	u, err := s.lookup(name)
	if err != nil {
		return err
	}
	s.log.Debug("apply command", "tunnel", name, "command", cmd)
	switch cmd {
	case CommandToggle:
		u.toggle()
	case CommandRestart:
		u.restart()
	case CommandTestNow:
		u.testNow()
	default:
		return fmt.Errorf("unknown command %v", cmd)
	}
	return nil
}

// Snapshot returns a value copy of every unit in configuration order.
func (s *Supervisor) Snapshot() []model.TunnelView {
	s.mu.RLock()
	units := make([]*unit, 0, len(s.order))
	for _, name := range s.order {
		units = append(units, s.units[name])
	}
	s.mu.RUnlock()

	out := make([]model.TunnelView, 0, len(units))
	for _, u := range units {
		out = append(out, u.view())
	}
	return out
}

// Get returns the view of one unit.
func (s *Supervisor) Get(name string) (model.TunnelView, error) {
	u, err := s.lookup(name)
	if err != nil {
		return model.TunnelView{}, err
	}
	return u.view(), nil
}

// Definition returns the definition currently bound to name.
func (s *Supervisor) Definition(name string) (model.TunnelDefinition, error) {
	u, err := s.lookup(name)
	if err != nil {
		return model.TunnelDefinition{}, err
	}
	return u.definition(), nil
}

// Names returns tunnel names in configuration order.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Scheduled reports whether name has a live scheduler entry.
func (s *Supervisor) Scheduled(name string) bool {
	return s.sched.has(name)
}

// Shutdown terminates every tunnel process concurrently and stops all
// scheduler entries. Later Adds fail with ErrClosed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	units := make([]*unit, 0, len(s.units))
	for _, name := range s.order {
		units = append(units, s.units[name])
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, u := range units {
		g.Go(u.shutdown)
	}
	err := g.Wait()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("all tunnels stopped", "count", len(units))
	return nil
}

func (s *Supervisor) lookup(name string) (*unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return u, nil
}

func (s *Supervisor) record(evt events.Event) {
	if s.opts.Journal == nil {
		return
	}
	if err := s.opts.Journal.Append(evt); err != nil {
		s.log.Warn("failed to append tunnel event", "tunnel", evt.Tunnel, "error", err)
	}
}

func without(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

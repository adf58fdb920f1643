package tunnel

import (
	"context"
	"strings"
	"sync"
	"time"
)

// scheduler keeps one entry per enabled unit, indexed by tunnel name. Each
// entry is its own goroutine, so cancelling one is a map lookup and never
// touches the others.
type scheduler struct {
	root context.Context
	wg   *sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	unit     *unit
	interval time.Duration
	cancel   context.CancelFunc
	kickCh   chan struct{}
	done     chan struct{}
}

func newScheduler(root context.Context, wg *sync.WaitGroup) *scheduler {
	return &scheduler{root: root, wg: wg, entries: make(map[string]*entry)}
}

// schedule (re)creates the entry for u. The first periodic probe fires after
// first; later ones fire test_interval after the previous probe completed.
// Units without a test command get no entry.
func (s *scheduler) schedule(u *unit, first time.Duration) {
	def := u.definition()
	if strings.TrimSpace(def.TestCommand) == "" {
		s.cancel(u)
		return
	}

	ctx, cancel := context.WithCancel(s.root)
	e := &entry{
		unit:     u,
		interval: def.TestInterval,
		cancel:   cancel,
		kickCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.entries[def.Name]
	s.entries[def.Name] = e
	s.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		e.run(ctx, first)
	}()
}

// cancel removes u's entry and waits until its goroutine, including any
// in-flight probe, has finished.
func (s *scheduler) cancel(u *unit) {
	name := u.name()
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || e.unit != u {
		s.mu.Unlock()
		return
	}
	delete(s.entries, name)
	s.mu.Unlock()
	e.stop()
}

// kick asks u's entry to probe now. Requests made while a probe is running
// coalesce into one follow-up probe. It reports false when u has no entry.
func (s *scheduler) kick(u *unit) bool {
	s.mu.Lock()
	e, ok := s.entries[u.name()]
	s.mu.Unlock()
	if !ok || e.unit != u {
		return false
	}
	select {
	case e.kickCh <- struct{}{}:
	default:
	}
	return true
}

func (s *scheduler) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

func (s *scheduler) interval(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return 0, false
	}
	return e.interval, true
}

func (e *entry) stop() {
	e.cancel()
	<-e.done
}

func (e *entry) run(ctx context.Context, first time.Duration) {
	defer close(e.done)

	next := first
	for {
		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		// A zero interval disables periodic probing; only kicks fire.
		if e.interval > 0 {
			timer = time.NewTimer(next)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-tick:
		case <-e.kickCh:
			if timer != nil {
				timer.Stop()
			}
		}

		e.unit.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		next = e.interval
	}
}

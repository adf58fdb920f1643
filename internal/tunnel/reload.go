package tunnel

import (
	"fmt"
	"strings"

	"github.com/treykane/tunneltop/internal/events"
	"github.com/treykane/tunneltop/internal/model"
)

// ReloadReport lists what a reload changed, by tunnel name.
type ReloadReport struct {
	Added     []string
	Removed   []string
	Restarted []string
	Updated   []string
	Unchanged int
}

// Changed reports whether the reload touched any unit.
func (r ReloadReport) Changed() bool {
	return len(r.Added)+len(r.Removed)+len(r.Restarted)+len(r.Updated) > 0
}

func (r ReloadReport) String() string {
	if !r.Changed() {
		return fmt.Sprintf("config reloaded: no changes (%d tunnels)", r.Unchanged)
	}
	var parts []string
	add := func(label string, names []string) {
		if len(names) > 0 {
			parts = append(parts, fmt.Sprintf("%s %s", label, strings.Join(names, ",")))
		}
	}
	add("added", r.Added)
	add("removed", r.Removed)
	add("restarted", r.Restarted)
	add("updated", r.Updated)
	return "config reloaded: " + strings.Join(parts, "; ")
}

// Reload reconciles defs into the live set, matching units by name:
//
//   - names only in defs are added with their parsed enabled default;
//   - names only in the live set are removed;
//   - names whose command, pty, address or port changed are replaced: the old
//     process is terminated, any in-flight probe is discarded, and a new unit
//     starts with the old unit's runtime enabled flag;
//   - names where only probe settings changed get the new definition in
//     place, keeping their process, with the probe rescheduled one new
//     interval from now;
//   - identical definitions are not touched at all.
//
// A defs set with a repeated name is rejected before anything is applied.
// Snapshot order follows defs afterwards.
func (s *Supervisor) Reload(defs []model.TunnelDefinition) (ReloadReport, error) {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if seen[d.Name] {
			return ReloadReport{}, fmt.Errorf("%w: %q", ErrDuplicateName, d.Name)
		}
		seen[d.Name] = true
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ReloadReport{}, ErrClosed
	}
	live := make(map[string]*unit, len(s.units))
	liveOrder := append([]string(nil), s.order...)
	for name, u := range s.units {
		live[name] = u
	}
	s.mu.RUnlock()

	var rep ReloadReport
	for _, name := range liveOrder {
		if seen[name] {
			continue
		}
		if err := s.Remove(name); err == nil {
			rep.Removed = append(rep.Removed, name)
		}
	}

	for _, def := range defs {
		u, ok := live[def.Name]
		if !ok {
			if err := s.Add(def); err != nil {
				return rep, err
			}
			rep.Added = append(rep.Added, def.Name)
			continue
		}
		cur := u.definition()
		switch {
		case cur.Equal(def):
			rep.Unchanged++
		case cur.NeedsRestart(def):
			if err := s.replace(u, def); err != nil {
				return rep, err
			}
			rep.Restarted = append(rep.Restarted, def.Name)
		default:
			u.redefine(def)
			rep.Updated = append(rep.Updated, def.Name)
		}
	}

	s.mu.Lock()
	order := make([]string, 0, len(defs))
	for _, def := range defs {
		if _, ok := s.units[def.Name]; ok {
			order = append(order, def.Name)
		}
	}
	s.order = order
	s.mu.Unlock()

	s.log.Info("reload applied", "added", len(rep.Added), "removed", len(rep.Removed),
		"restarted", len(rep.Restarted), "updated", len(rep.Updated), "unchanged", rep.Unchanged)
	return rep, nil
}

// replace swaps old for a fresh unit bound to def, carrying over the runtime
// enabled flag and restart count.
func (s *Supervisor) replace(old *unit, def model.TunnelDefinition) error {
	old.op.Lock()
	if old.removed {
		old.op.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, def.Name)
	}
	old.markRemoved()
	s.sched.cancel(old)
	_ = old.stopProcess()
	old.mu.Lock()
	enabled := old.enabled
	restarts := old.restarts
	old.mu.Unlock()
	old.op.Unlock()

	u := newUnit(s, def, enabled)
	u.restarts = restarts
	u.op.Lock()
	defer u.op.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.units[def.Name] = u
	s.mu.Unlock()

	s.record(events.Event{Tunnel: def.Name, EventType: events.TypeRedefined, Message: "process restarted for new definition"})
	if enabled {
		u.activate(s.opts.InitialProbeDelay)
	}
	return nil
}

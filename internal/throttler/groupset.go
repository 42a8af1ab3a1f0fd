package throttler

import (
	"log/slog"
	"sync"
)

// groupSet is the namespace of throttle groups for one connector type. Its
// lock guards the group map only; acquisition waits happen against bin-level
// state, never under this lock.
type groupSet struct {
	mu     sync.Mutex
	groups map[string]*group
	logger *slog.Logger
}

func newGroupSet(logger *slog.Logger) *groupSet {
	return &groupSet{
		groups: make(map[string]*group),
		logger: logger,
	}
}

// createOrUpdate installs or replaces the spec for one group, creating the
// group if absent. Replacing a spec destroys no bins; outstanding handles
// see the new limits at their next operation.
func (s *groupSet) createOrUpdate(groupType, name string, spec Spec, reg ServiceRegistry) error {
	s.mu.Lock()
	g, ok := s.groups[name]
	s.mu.Unlock()
	if ok {
		g.updateSpec(spec)
		return nil
	}

	// Built outside the lock: service registration is a collaborator call.
	fresh, err := newGroup(groupType, name, spec, reg, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if g, ok = s.groups[name]; ok {
		s.mu.Unlock()
		// Lost the race to another creator; fold our spec into the winner.
		fresh.destroy(reg)
		g.updateSpec(spec)
		return nil
	}
	s.groups[name] = fresh
	s.mu.Unlock()
	return nil
}

// remove destroys one group, releasing every waiter on its bins.
func (s *groupSet) remove(name string, reg ServiceRegistry) {
	s.mu.Lock()
	g, ok := s.groups[name]
	delete(s.groups, name)
	s.mu.Unlock()
	if ok {
		g.destroy(reg)
	}
}

// get returns the named group, or nil if it does not exist or is draining.
func (s *groupSet) get(name string) *group {
	s.mu.Lock()
	g := s.groups[name]
	s.mu.Unlock()
	if g == nil || !g.alive() {
		return nil
	}
	return g
}

// names returns a snapshot of the known group names.
func (s *groupSet) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.groups))
	for name := range s.groups {
		out = append(out, name)
	}
	return out
}

func (s *groupSet) snapshot() []*group {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

// poll refreshes every group's bins from its live spec.
func (s *groupSet) poll() {
	for _, g := range s.snapshot() {
		g.poll()
	}
}

// freeUnused sweeps idle bins out of every group.
func (s *groupSet) freeUnused() {
	for _, g := range s.snapshot() {
		g.freeUnused()
	}
}

// destroy tears down every group in the set.
func (s *groupSet) destroy(reg ServiceRegistry) {
	s.mu.Lock()
	groups := make([]*group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	s.groups = make(map[string]*group)
	s.mu.Unlock()

	for _, g := range groups {
		g.destroy(reg)
	}
}

package throttler

import (
	"log/slog"
	"sync"
)

// Throttler is the root of the hierarchy: one registry of group sets keyed
// by group type, one set per connector family. The root lock guards the map
// only; every blocking operation happens against bin-level state obtained
// through a handle.
type Throttler struct {
	mu       sync.Mutex
	sets     map[string]*groupSet
	registry ServiceRegistry
	logger   *slog.Logger
}

// New creates a Throttler. The registry may be nil, in which case group
// service registration is skipped.
func New(reg ServiceRegistry, logger *slog.Logger) *Throttler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttler{
		sets:     make(map[string]*groupSet),
		registry: reg,
		logger:   logger.With("component", "throttler"),
	}
}

// CreateOrUpdate installs or replaces the spec for a group, creating the
// group (and its group set) if absent. Idempotent.
func (t *Throttler) CreateOrUpdate(groupType, groupName string, spec Spec) error {
	t.mu.Lock()
	set, ok := t.sets[groupType]
	if !ok {
		set = newGroupSet(t.logger)
		t.sets[groupType] = set
	}
	t.mu.Unlock()
	return set.createOrUpdate(groupType, groupName, spec, t.registry)
}

// Remove destroys a group. Waiters on any of its bins are released with a
// shutting-down indication; outstanding handles fail their next operation.
func (t *Throttler) Remove(groupType, groupName string) {
	t.mu.Lock()
	set := t.sets[groupType]
	t.mu.Unlock()
	if set != nil {
		set.remove(groupName, t.registry)
	}
}

// Groups returns a snapshot of the known group names for one group type.
func (t *Throttler) Groups(groupType string) []string {
	t.mu.Lock()
	set := t.sets[groupType]
	t.mu.Unlock()
	if set == nil {
		return nil
	}
	return set.names()
}

// ObtainConnectionThrottler is a non-blocking lookup returning a handle
// bound to the named group and bin set, or nil if the group does not exist
// or is being torn down.
func (t *Throttler) ObtainConnectionThrottler(groupType, groupName string, bins []string) *ConnectionThrottler {
	t.mu.Lock()
	set := t.sets[groupType]
	t.mu.Unlock()
	if set == nil {
		return nil
	}
	g := set.get(groupName)
	if g == nil {
		return nil
	}
	names := make([]string, len(bins))
	copy(names, bins)
	return &ConnectionThrottler{g: g, bins: names}
}

// Poll sweeps all groups of one type, refreshing bin parameters from each
// group's live spec. Idempotent in the absence of spec changes.
func (t *Throttler) Poll(groupType string) {
	t.mu.Lock()
	set := t.sets[groupType]
	t.mu.Unlock()
	if set != nil {
		set.poll()
	}
}

// FreeUnused sweeps idle bins out of every group of every type.
func (t *Throttler) FreeUnused() {
	for _, set := range t.snapshot() {
		set.freeUnused()
	}
}

// Destroy tears down every group of every type.
func (t *Throttler) Destroy() {
	t.mu.Lock()
	sets := make([]*groupSet, 0, len(t.sets))
	for _, set := range t.sets {
		sets = append(sets, set)
	}
	t.sets = make(map[string]*groupSet)
	t.mu.Unlock()

	for _, set := range sets {
		set.destroy(t.registry)
	}
	t.logger.Info("throttler destroyed")
}

func (t *Throttler) snapshot() []*groupSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*groupSet, 0, len(t.sets))
	for _, set := range t.sets {
		out = append(out, set)
	}
	return out
}

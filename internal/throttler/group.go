package throttler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// groupState represents a group's lifecycle state.
type groupState int32

const (
	groupAlive    groupState = 0 // accepting acquisitions
	groupDraining groupState = 1 // destroy called; releases only
	groupDead     groupState = 2 // bins destroyed, service deregistered
)

// group is one self-consistent throttling environment: three lazily-populated
// bin tables plus the live spec they are refreshed from. Each bin table has
// its own lock; the lock order is group-table -> bin-table -> bin, and no
// structural lock is ever held across a wait.
type group struct {
	groupType string
	name      string
	logger    *slog.Logger

	specMu sync.RWMutex
	spec   Spec

	state atomic.Int32

	connMu   sync.Mutex
	connBins map[string]*connectionBin

	fetchMu   sync.Mutex
	fetchBins map[string]*fetchBin

	readMu   sync.Mutex
	readBins map[string]*throttleBin

	serviceID string
}

// serviceName derives the registry identity for a group.
func serviceName(groupType, groupName string) string {
	return fmt.Sprintf("_THROTTLEPOOL_%s_%s", groupType, groupName)
}

func newGroup(groupType, name string, spec Spec, reg ServiceRegistry, logger *slog.Logger) (*group, error) {
	g := &group{
		groupType: groupType,
		name:      name,
		spec:      spec,
		logger:    logger.With("group_type", groupType, "group", name),
		connBins:  make(map[string]*connectionBin),
		fetchBins: make(map[string]*fetchBin),
		readBins:  make(map[string]*throttleBin),
	}
	if reg != nil {
		id, err := reg.RegisterService(serviceName(groupType, name))
		if err != nil {
			return nil, fmt.Errorf("register throttle group service: %w", err)
		}
		g.serviceID = id
	}
	g.logger.Debug("throttle group created")
	return g, nil
}

func (g *group) alive() bool {
	return groupState(g.state.Load()) == groupAlive
}

// updateSpec replaces the live spec and pushes the new limits into every
// existing bin. Outstanding handles see the new limits at their next
// operation.
func (g *group) updateSpec(spec Spec) {
	g.specMu.Lock()
	g.spec = spec
	g.specMu.Unlock()
	g.poll()
}

// currentSpec returns the live spec.
func (g *group) currentSpec() Spec {
	g.specMu.RLock()
	defer g.specMu.RUnlock()
	return g.spec
}

// poll refreshes every bin's parameters from the live spec.
func (g *group) poll() {
	spec := g.currentSpec()

	g.connMu.Lock()
	conns := make([]*connectionBin, 0, len(g.connBins))
	for _, b := range g.connBins {
		conns = append(conns, b)
	}
	g.connMu.Unlock()
	for _, b := range conns {
		b.updateMaxActive(spec.MaxOpenConnections(b.name))
	}

	g.fetchMu.Lock()
	fetches := make([]*fetchBin, 0, len(g.fetchBins))
	for _, b := range g.fetchBins {
		fetches = append(fetches, b)
	}
	g.fetchMu.Unlock()
	for _, b := range fetches {
		b.updateMinInterval(spec.MinFetchInterval(b.name))
	}

	g.readMu.Lock()
	reads := make([]*throttleBin, 0, len(g.readBins))
	for _, b := range g.readBins {
		reads = append(reads, b)
	}
	g.readMu.Unlock()
	for _, b := range reads {
		b.updateMsPerByte(spec.MinMillisecondsPerByte(b.name))
	}
}

// destroy drains the group: no new acquisitions succeed, every waiter is
// woken to rewind itself, and the service registration ends. Destroy does
// not block on waiter completion.
func (g *group) destroy(reg ServiceRegistry) {
	if !g.state.CompareAndSwap(int32(groupAlive), int32(groupDraining)) {
		return
	}
	g.logger.Debug("throttle group draining")

	g.connMu.Lock()
	for _, b := range g.connBins {
		b.shutDown()
	}
	g.connBins = make(map[string]*connectionBin)
	g.connMu.Unlock()

	g.fetchMu.Lock()
	for _, b := range g.fetchBins {
		b.shutDown()
	}
	g.fetchBins = make(map[string]*fetchBin)
	g.fetchMu.Unlock()

	g.readMu.Lock()
	for _, b := range g.readBins {
		b.shutDown()
	}
	g.readBins = make(map[string]*throttleBin)
	g.readMu.Unlock()

	if reg != nil && g.serviceID != "" {
		if err := reg.EndService(g.serviceID); err != nil {
			g.logger.Warn("end service failed", "service_id", g.serviceID, "error", err)
		}
	}

	g.state.Store(int32(groupDead))
	g.logger.Debug("throttle group destroyed")
}

// freeUnused drops bins that hold no counters and no waiters.
func (g *group) freeUnused() {
	g.connMu.Lock()
	for name, b := range g.connBins {
		if b.unused() {
			delete(g.connBins, name)
		}
	}
	g.connMu.Unlock()

	g.fetchMu.Lock()
	for name, b := range g.fetchBins {
		if b.unused() {
			delete(g.fetchBins, name)
		}
	}
	g.fetchMu.Unlock()

	g.readMu.Lock()
	for name, b := range g.readBins {
		if b.unused() {
			delete(g.readBins, name)
		}
	}
	g.readMu.Unlock()
}

// --- Lazy bin creation ---
//
// Bins appear on first reference. The spec is queried before the table lock
// is taken; two racing creators insert exactly one bin and the loser's value
// is discarded.

func (g *group) connBin(name string) *connectionBin {
	maxActive := g.currentSpec().MaxOpenConnections(name)
	g.connMu.Lock()
	defer g.connMu.Unlock()
	b, ok := g.connBins[name]
	if !ok {
		b = newConnectionBin(name, maxActive)
		g.connBins[name] = b
	}
	return b
}

func (g *group) fetchBin(name string) *fetchBin {
	interval := g.currentSpec().MinFetchInterval(name)
	g.fetchMu.Lock()
	defer g.fetchMu.Unlock()
	b, ok := g.fetchBins[name]
	if !ok {
		b = newFetchBin(name, interval)
		g.fetchBins[name] = b
	}
	return b
}

func (g *group) readBin(name string) *throttleBin {
	msPerByte := g.currentSpec().MinMillisecondsPerByte(name)
	g.readMu.Lock()
	defer g.readMu.Unlock()
	b, ok := g.readBins[name]
	if !ok {
		b = newThrottleBin(name, msPerByte)
		g.readBins[name] = b
	}
	return b
}

// Release paths look bins up without creating them, so that a release
// arriving after the group was destroyed is a clean no-op instead of
// resurrecting an empty bin with negative counters.

func (g *group) lookupConnBin(name string) *connectionBin {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.connBins[name]
}

func (g *group) lookupReadBin(name string) *throttleBin {
	g.readMu.Lock()
	defer g.readMu.Unlock()
	return g.readBins[name]
}

// --- Connection acquisition ---

// obtainConnectionPermission reserves a connection slot on every named bin,
// all or nothing, then confirms the reservations as open connections.
// Connection bins never wait: the reserve phase either succeeds or the whole
// acquisition fails immediately.
func (g *group) obtainConnectionPermission(bins []string) error {
	if !g.alive() {
		return ErrShuttingDown
	}

	reserved := make([]*connectionBin, 0, len(bins))
	for _, name := range bins {
		b := g.connBin(name)
		if !b.reserveConnection() {
			for i := len(reserved) - 1; i >= 0; i-- {
				reserved[i].clearReservation()
			}
			if !g.alive() {
				return ErrShuttingDown
			}
			return ErrQuotaExceeded
		}
		reserved = append(reserved, b)
	}

	for _, b := range reserved {
		b.noteConnectionCreation()
	}
	return nil
}

// releaseConnectionPermission returns open connections on every named bin.
func (g *group) releaseConnectionPermission(bins []string) {
	for _, name := range bins {
		if b := g.lookupConnBin(name); b != nil {
			b.noteConnectionDestruction()
		}
	}
}

// overConnectionQuotaCount returns the number of named bins holding more
// open connections than their current limit allows, or OverQuotaShutdown
// when the group is shutting down.
func (g *group) overConnectionQuotaCount(bins []string) uint32 {
	if !g.alive() {
		return OverQuotaShutdown
	}
	var count uint32
	for _, name := range bins {
		if b := g.lookupConnBin(name); b != nil && b.overQuota() {
			count++
		}
	}
	return count
}

// --- Fetch acquisition ---

// obtainFetchPermission runs the three-phase acquisition on the named fetch
// bins: reserve a queue slot on each, wait out each bin's pacing deadline in
// FIFO order, then begin a stream on each throttle bin of the same names.
// On shutdown or cancellation during a wait, still-reserved bins are rewound
// and the error is returned; bins already granted keep their advanced
// deadline.
func (g *group) obtainFetchPermission(ctx context.Context, bins []string) error {
	if !g.alive() {
		return ErrShuttingDown
	}

	reserved := make([]*fetchBin, 0, len(bins))
	for _, name := range bins {
		b := g.fetchBin(name)
		if !b.reserveFetchRequest() {
			for i := len(reserved) - 1; i >= 0; i-- {
				reserved[i].clearReservation()
			}
			return ErrShuttingDown
		}
		reserved = append(reserved, b)
	}

	for i, b := range reserved {
		if err := b.waitNextFetch(ctx); err != nil {
			for j := len(reserved) - 1; j >= i; j-- {
				reserved[j].clearReservation()
			}
			return err
		}
	}

	// Throttle bins are created here rather than during reserve: each stream
	// corresponds to exactly one granted fetch.
	for _, name := range bins {
		g.readBin(name).beginFetch()
	}
	return nil
}

// --- Stream read acquisition ---

// obtainReadPermission blocks until n more bytes fit every named bin's
// byte-rate budget. On failure the provisional byte counts already recorded
// on preceding bins are rewound.
func (g *group) obtainReadPermission(ctx context.Context, bins []string, n int64) error {
	if !g.alive() {
		return ErrShuttingDown
	}
	granted := make([]*throttleBin, 0, len(bins))
	for _, name := range bins {
		b := g.readBin(name)
		if err := b.beginRead(ctx, n); err != nil {
			for i := len(granted) - 1; i >= 0; i-- {
				granted[i].endRead(n, 0)
			}
			return err
		}
		granted = append(granted, b)
	}
	return nil
}

// releaseReadPermission corrects every named bin's byte count for a short
// read and wakes the next waiter.
func (g *group) releaseReadPermission(bins []string, orig, actual int64) {
	for _, name := range bins {
		if b := g.lookupReadBin(name); b != nil {
			b.endRead(orig, actual)
		}
	}
}

// closeStream ends the stream on every named bin, resetting each bin's
// pacing series when its last stream closes.
func (g *group) closeStream(bins []string) {
	for _, name := range bins {
		if b := g.lookupReadBin(name); b != nil {
			b.endFetch()
		}
	}
}

package throttler

import "sync"

// connectionBin counts open and reserved connections for one bin. It is the
// only bin kind that never blocks: a reservation either succeeds immediately
// or fails immediately, and retry is pushed back to the caller.
//
// Invariant: inUse + reserved <= maxActive at every confirmation checkpoint.
// The invariant may be violated transiently after a downward adjustment of
// maxActive; no new reservations succeed until the counts drain below the
// new limit.
type connectionBin struct {
	mu        sync.Mutex
	name      string
	alive     bool
	inUse     int
	reserved  int
	maxActive int
}

func newConnectionBin(name string, maxActive int) *connectionBin {
	return &connectionBin{
		name:      name,
		alive:     true,
		maxActive: maxActive,
	}
}

// reserveConnection attempts to claim a connection slot. The claim does not
// yet count as an open connection; it is confirmed by noteConnectionCreation
// or rewound by clearReservation.
func (b *connectionBin) reserveConnection() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		return false
	}
	if b.inUse+b.reserved >= b.maxActive {
		return false
	}
	b.reserved++
	return true
}

// clearReservation rewinds a reservation that will not be confirmed.
func (b *connectionBin) clearReservation() {
	b.mu.Lock()
	b.reserved--
	b.mu.Unlock()
}

// noteConnectionCreation converts a reservation into an open connection.
func (b *connectionBin) noteConnectionCreation() {
	b.mu.Lock()
	b.reserved--
	b.inUse++
	b.mu.Unlock()
}

// noteConnectionDestruction records that an open connection was closed.
func (b *connectionBin) noteConnectionDestruction() {
	b.mu.Lock()
	b.inUse--
	b.mu.Unlock()
}

// overQuota reports whether the bin holds more open connections than its
// current limit allows. True only after a downward spec adjustment.
func (b *connectionBin) overQuota() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse > b.maxActive
}

// updateMaxActive installs a new connection limit from the live spec.
func (b *connectionBin) updateMaxActive(n int) {
	b.mu.Lock()
	b.maxActive = n
	b.mu.Unlock()
}

// unused reports whether the bin holds no state and may be freed.
func (b *connectionBin) unused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse == 0 && b.reserved == 0
}

func (b *connectionBin) shutDown() {
	b.mu.Lock()
	b.alive = false
	b.mu.Unlock()
}

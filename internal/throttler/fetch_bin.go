package throttler

import (
	"context"
	"sync"
	"time"
)

// fetchBin paces fetch requests for one bin so that successive grants are
// separated by at least the bin's minimum interval. Reservations are queue
// slots, not grants: waiters are granted strictly in FIFO order, one at a
// time, with the head waiter computing the next pacing deadline before the
// next waiter is woken.
type fetchBin struct {
	mu          sync.Mutex
	name        string
	alive       bool
	reserved    int
	minInterval time.Duration
	nextFetch   time.Time // earliest moment the next fetch may begin
	waiters     []chan struct{}
}

func newFetchBin(name string, minInterval time.Duration) *fetchBin {
	return &fetchBin{
		name:        name,
		alive:       true,
		minInterval: minInterval,
	}
}

// reserveFetchRequest takes a queue slot. It fails only when the bin has been
// shut down.
func (b *fetchBin) reserveFetchRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		return false
	}
	b.reserved++
	return true
}

// clearReservation rewinds a queue slot that will not be waited on.
func (b *fetchBin) clearReservation() {
	b.mu.Lock()
	b.reserved--
	b.notifyHeadLocked()
	b.mu.Unlock()
}

// waitNextFetch blocks until this caller's pacing deadline arrives, then
// confirms the reservation and advances the bin's deadline for the waiter
// behind it. On shutdown or context cancellation the reservation is left in
// place for the caller's rewind pass.
func (b *fetchBin) waitNextFetch(ctx context.Context) error {
	b.mu.Lock()
	w := make(chan struct{}, 1)
	b.waiters = append(b.waiters, w)

	for {
		if !b.alive {
			b.removeWaiterLocked(w)
			b.mu.Unlock()
			return ErrShuttingDown
		}

		now := time.Now()
		if len(b.waiters) > 0 && b.waiters[0] == w && !now.Before(b.nextFetch) {
			b.removeWaiterLocked(w)
			b.nextFetch = now.Add(b.minInterval)
			b.reserved--
			b.mu.Unlock()
			return nil
		}

		// Only the head waiter arms a timer; everyone behind it sleeps until
		// notified that the head position changed.
		var deadline <-chan time.Time
		var timer *time.Timer
		if len(b.waiters) > 0 && b.waiters[0] == w {
			timer = time.NewTimer(b.nextFetch.Sub(now))
			deadline = timer.C
		}
		b.mu.Unlock()

		select {
		case <-w:
		case <-deadline:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			b.mu.Lock()
			b.removeWaiterLocked(w)
			b.mu.Unlock()
			return ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
		b.mu.Lock()
	}
}

// updateMinInterval installs a new pacing interval from the live spec.
// Waiters are woken so the head recomputes its deadline.
func (b *fetchBin) updateMinInterval(d time.Duration) {
	b.mu.Lock()
	b.minInterval = d
	b.notifyAllLocked()
	b.mu.Unlock()
}

// unused reports whether the bin holds no state and may be freed.
func (b *fetchBin) unused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserved == 0 && len(b.waiters) == 0
}

func (b *fetchBin) shutDown() {
	b.mu.Lock()
	b.alive = false
	b.notifyAllLocked()
	b.mu.Unlock()
}

func (b *fetchBin) removeWaiterLocked(w chan struct{}) {
	for i, c := range b.waiters {
		if c == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	b.notifyHeadLocked()
}

func (b *fetchBin) notifyHeadLocked() {
	if len(b.waiters) == 0 {
		return
	}
	select {
	case b.waiters[0] <- struct{}{}:
	default:
	}
}

func (b *fetchBin) notifyAllLocked() {
	for _, w := range b.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

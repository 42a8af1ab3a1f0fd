package throttler

import (
	"context"
	"sync"
	"time"
)

// throttleBin paces the bytes read from open streams against one bin. Pacing
// is measured within a series: the interval during which the bin has at least
// one active stream. The series resets when the last stream closes, so the
// next fetch starts a fresh window.
//
// Invariant: within a series, cumulative bytes granted obey
// bytes <= (now - seriesStart) / msPerByte at every grant.
type throttleBin struct {
	mu            sync.Mutex
	name          string
	alive         bool
	msPerByte     float64
	activeStreams int
	totalBytes    int64
	seriesStart   time.Time
	waiters       []chan struct{}
}

func newThrottleBin(name string, msPerByte float64) *throttleBin {
	return &throttleBin{
		name:      name,
		alive:     true,
		msPerByte: msPerByte,
	}
}

// beginFetch records a new stream against the bin, starting a series if it
// is the first.
func (b *throttleBin) beginFetch() {
	b.mu.Lock()
	b.activeStreams++
	if b.activeStreams == 1 {
		b.seriesStart = time.Now()
		b.totalBytes = 0
	}
	b.mu.Unlock()
}

// endFetch records a stream close, clearing the series if it was the last.
func (b *throttleBin) endFetch() {
	b.mu.Lock()
	b.activeStreams--
	if b.activeStreams == 0 {
		b.seriesStart = time.Time{}
		b.totalBytes = 0
	}
	b.notifyHeadLocked()
	b.mu.Unlock()
}

// beginRead blocks until reading n more bytes keeps the series inside its
// byte-rate budget, then records the bytes provisionally. The provisional
// count is corrected by endRead once the actual read size is known. Grants
// are FIFO per bin.
func (b *throttleBin) beginRead(ctx context.Context, n int64) error {
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
		earliest := b.earliestLocked(n)
		if len(b.waiters) > 0 && b.waiters[0] == w && !now.Before(earliest) {
			b.removeWaiterLocked(w)
			b.totalBytes += n
			b.mu.Unlock()
			return nil
		}

		var deadline <-chan time.Time
		var timer *time.Timer
		if len(b.waiters) > 0 && b.waiters[0] == w {
			timer = time.NewTimer(earliest.Sub(now))
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

// endRead folds the actual read size back into the series, crediting short
// reads against the pacing window.
func (b *throttleBin) endRead(orig, actual int64) {
	b.mu.Lock()
	b.totalBytes += actual - orig
	b.notifyHeadLocked()
	b.mu.Unlock()
}

// earliestLocked computes the moment at which n more bytes fit the budget.
func (b *throttleBin) earliestLocked(n int64) time.Time {
	if b.msPerByte <= 0 || b.seriesStart.IsZero() {
		return time.Time{}
	}
	budget := time.Duration(float64(b.totalBytes+n) * b.msPerByte * float64(time.Millisecond))
	return b.seriesStart.Add(budget)
}

// updateMsPerByte installs a new byte rate from the live spec.
func (b *throttleBin) updateMsPerByte(x float64) {
	b.mu.Lock()
	b.msPerByte = x
	b.notifyAllLocked()
	b.mu.Unlock()
}

// unused reports whether the bin holds no state and may be freed.
func (b *throttleBin) unused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeStreams == 0 && len(b.waiters) == 0
}

func (b *throttleBin) shutDown() {
	b.mu.Lock()
	b.alive = false
	b.notifyAllLocked()
	b.mu.Unlock()
}

func (b *throttleBin) removeWaiterLocked(w chan struct{}) {
	for i, c := range b.waiters {
		if c == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	b.notifyHeadLocked()
}

func (b *throttleBin) notifyHeadLocked() {
	if len(b.waiters) == 0 {
		return
	}
	select {
	case b.waiters[0] <- struct{}{}:
	default:
	}
}

func (b *throttleBin) notifyAllLocked() {
	for _, w := range b.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

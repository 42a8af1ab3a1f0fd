package throttler

import (
	"context"
	"sync"
	"testing"
	"time"
)

// --- ConnectionBin Tests ---

func TestConnectionBinReserveConfirmRelease(t *testing.T) {
	b := newConnectionBin("h1", 2)

	if !b.reserveConnection() {
		t.Fatal("first reservation should succeed")
	}
	if !b.reserveConnection() {
		t.Fatal("second reservation should succeed")
	}
	if b.reserveConnection() {
		t.Error("third reservation should fail at max_active=2")
	}

	b.noteConnectionCreation()
	b.noteConnectionCreation()
	if b.reserved != 0 || b.inUse != 2 {
		t.Errorf("expected reserved=0 inUse=2, got reserved=%d inUse=%d", b.reserved, b.inUse)
	}

	b.noteConnectionDestruction()
	if !b.reserveConnection() {
		t.Error("reservation should succeed after a release")
	}
	b.clearReservation()
	b.noteConnectionDestruction()

	if !b.unused() {
		t.Error("bin should be unused after all releases")
	}
}

func TestConnectionBinZeroMax(t *testing.T) {
	b := newConnectionBin("h1", 0)
	if b.reserveConnection() {
		t.Error("max_active=0 must block all reservations")
	}
}

func TestConnectionBinDownwardAdjust(t *testing.T) {
	b := newConnectionBin("h1", 3)
	for i := 0; i < 3; i++ {
		if !b.reserveConnection() {
			t.Fatalf("reservation %d should succeed", i)
		}
		b.noteConnectionCreation()
	}

	b.updateMaxActive(1)

	if !b.overQuota() {
		t.Error("bin should be over quota after downward adjustment")
	}
	if b.reserveConnection() {
		t.Error("no reservation may succeed until the count drains")
	}

	b.noteConnectionDestruction()
	b.noteConnectionDestruction()
	if b.overQuota() {
		t.Error("bin should be back within quota")
	}
	if b.reserveConnection() {
		t.Error("inUse=1 at max_active=1 still leaves no room")
	}
	b.noteConnectionDestruction()
	if !b.reserveConnection() {
		t.Error("reservation should succeed once drained")
	}
}

func TestConnectionBinShutDown(t *testing.T) {
	b := newConnectionBin("h1", 5)
	b.shutDown()
	if b.reserveConnection() {
		t.Error("shut-down bin must refuse reservations")
	}
}

// --- FetchBin Tests ---

func TestFetchBinImmediateGrant(t *testing.T) {
	b := newFetchBin("h1", 0)
	if !b.reserveFetchRequest() {
		t.Fatal("reservation should succeed")
	}

	start := time.Now()
	if err := b.waitNextFetch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("zero interval should grant immediately, took %s", elapsed)
	}
	if b.reserved != 0 {
		t.Errorf("expected reserved=0 after grant, got %d", b.reserved)
	}
}

func TestFetchBinPacing(t *testing.T) {
	const interval = 80 * time.Millisecond
	b := newFetchBin("h1", interval)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if !b.reserveFetchRequest() {
			t.Fatalf("reservation %d should succeed", i)
		}
		if err := b.waitNextFetch(context.Background()); err != nil {
			t.Fatalf("grant %d: unexpected error: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	// Grants at ~0, ~interval, ~2*interval.
	if elapsed < 2*interval-10*time.Millisecond {
		t.Errorf("three grants should span at least %s, took %s", 2*interval, elapsed)
	}
	if elapsed > 2*interval+200*time.Millisecond {
		t.Errorf("three grants took suspiciously long: %s", elapsed)
	}
}

func TestFetchBinFIFO(t *testing.T) {
	const interval = 50 * time.Millisecond
	b := newFetchBin("h1", interval)

	// Take the first slot so every waiter below has to queue.
	b.reserveFetchRequest()
	if err := b.waitNextFetch(context.Background()); err != nil {
		t.Fatalf("priming grant failed: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		b.reserveFetchRequest()
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := b.waitNextFetch(context.Background()); err != nil {
				t.Errorf("waiter %d: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
		// Stagger arrivals so queue order matches id order.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	for i, id := range order {
		if id != i {
			t.Fatalf("grants out of FIFO order: %v", order)
		}
	}
}

func TestFetchBinShutdownReleasesWaiter(t *testing.T) {
	b := newFetchBin("h1", 10*time.Second)
	b.reserveFetchRequest()
	if err := b.waitNextFetch(context.Background()); err != nil {
		t.Fatalf("first grant should be immediate: %v", err)
	}

	b.reserveFetchRequest()
	done := make(chan error, 1)
	go func() {
		done <- b.waitNextFetch(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	b.shutDown()

	select {
	case err := <-done:
		if err != ErrShuttingDown {
			t.Errorf("expected ErrShuttingDown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by shutdown")
	}
}

func TestFetchBinContextCancel(t *testing.T) {
	b := newFetchBin("h1", 10*time.Second)
	b.reserveFetchRequest()
	if err := b.waitNextFetch(context.Background()); err != nil {
		t.Fatalf("first grant should be immediate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.reserveFetchRequest()
	done := make(chan error, 1)
	go func() {
		done <- b.waitNextFetch(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by cancellation")
	}

	// The caller's rewind clears the reservation.
	b.clearReservation()
	if !b.unused() {
		t.Error("bin should be unused after rewind")
	}
}

func TestFetchBinIntervalUpdateWakesWaiter(t *testing.T) {
	b := newFetchBin("h1", 10*time.Second)
	b.reserveFetchRequest()
	if err := b.waitNextFetch(context.Background()); err != nil {
		t.Fatalf("first grant should be immediate: %v", err)
	}

	b.reserveFetchRequest()
	done := make(chan error, 1)
	go func() {
		done <- b.waitNextFetch(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	// Dropping the interval does not move an already-computed deadline;
	// the waiter re-arms against the same nextFetch but later grants pace
	// at the new interval. Move the deadline by shrinking it directly.
	b.mu.Lock()
	b.nextFetch = time.Now()
	b.minInterval = 0
	b.notifyAllLocked()
	b.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not rescheduled after update")
	}
}

// --- ThrottleBin Tests ---

func TestThrottleBinSeriesLifecycle(t *testing.T) {
	b := newThrottleBin("h1", 1.0)

	b.beginFetch()
	if b.activeStreams != 1 || b.seriesStart.IsZero() {
		t.Fatal("series should start on first stream")
	}
	b.beginFetch()
	first := b.seriesStart
	if b.activeStreams != 2 || b.seriesStart != first {
		t.Error("second stream must not restart the series")
	}

	b.endFetch()
	b.endFetch()
	if b.activeStreams != 0 || !b.seriesStart.IsZero() || b.totalBytes != 0 {
		t.Error("series should clear when the last stream closes")
	}
}

func TestThrottleBinZeroRate(t *testing.T) {
	b := newThrottleBin("h1", 0)
	b.beginFetch()

	start := time.Now()
	if err := b.beginRead(context.Background(), 1<<20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("zero rate should grant immediately, took %s", elapsed)
	}
}

func TestThrottleBinBytePacing(t *testing.T) {
	// 1ms per byte: 100 bytes grant at ~100ms, next 200 at ~300ms.
	b := newThrottleBin("h1", 1.0)
	b.beginFetch()
	start := time.Now()

	if err := b.beginRead(context.Background(), 100); err != nil {
		t.Fatalf("first read: %v", err)
	}
	b.endRead(100, 100)
	firstAt := time.Since(start)
	if firstAt < 90*time.Millisecond {
		t.Errorf("first 100-byte grant too early: %s", firstAt)
	}

	if err := b.beginRead(context.Background(), 200); err != nil {
		t.Fatalf("second read: %v", err)
	}
	secondAt := time.Since(start)
	if secondAt < 290*time.Millisecond {
		t.Errorf("second grant should arrive at ~300ms, got %s", secondAt)
	}
	if secondAt > 600*time.Millisecond {
		t.Errorf("second grant suspiciously late: %s", secondAt)
	}
	b.endRead(200, 200)
}

func TestThrottleBinShortReadCorrection(t *testing.T) {
	b := newThrottleBin("h1", 1.0)
	b.beginFetch()
	start := time.Now()

	if err := b.beginRead(context.Background(), 100); err != nil {
		t.Fatalf("first read: %v", err)
	}
	b.endRead(100, 100)

	if err := b.beginRead(context.Background(), 200); err != nil {
		t.Fatalf("second read: %v", err)
	}
	// Only 50 of the 200 bytes arrived.
	b.endRead(200, 50)
	if b.totalBytes != 150 {
		t.Fatalf("expected totalBytes=150 after short read, got %d", b.totalBytes)
	}

	// Next 250 bytes fit the budget at (100+50+250)*1ms = 400ms.
	if err := b.beginRead(context.Background(), 250); err != nil {
		t.Fatalf("third read: %v", err)
	}
	thirdAt := time.Since(start)
	if thirdAt < 390*time.Millisecond {
		t.Errorf("third grant should arrive at ~400ms, got %s", thirdAt)
	}
	b.endRead(250, 250)
}

func TestThrottleBinShutdownReleasesReader(t *testing.T) {
	b := newThrottleBin("h1", 1000.0) // 1s per byte
	b.beginFetch()

	done := make(chan error, 1)
	go func() {
		done <- b.beginRead(context.Background(), 1000)
	}()

	time.Sleep(20 * time.Millisecond)
	b.shutDown()

	select {
	case err := <-done:
		if err != ErrShuttingDown {
			t.Errorf("expected ErrShuttingDown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader not released by shutdown")
	}
}

// --- Benchmarks ---

func BenchmarkConnectionBinReserveRelease(b *testing.B) {
	bin := newConnectionBin("h1", 1<<30)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bin.reserveConnection()
		bin.noteConnectionCreation()
		bin.noteConnectionDestruction()
	}
}

func BenchmarkFetchBinUncontended(b *testing.B) {
	bin := newFetchBin("h1", 0)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bin.reserveFetchRequest()
		if err := bin.waitNextFetch(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

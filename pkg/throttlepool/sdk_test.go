package throttlepool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPoolLifecycle(t *testing.T) {
	pool := NewPool(
		WithGroup("web", "default", Limits{MaxConnections: 1}),
		WithBinLimits("web", "default", "slow", Limits{MaxConnections: 0}),
		WithPollInterval(50*time.Millisecond),
	)
	if err := pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	th := pool.Throttler()
	handle := th.ObtainConnectionThrottler("web", "default", []string{"h1"})
	if handle == nil {
		t.Fatal("declared group should be obtainable")
	}
	conn, err := handle.ObtainConnection()
	if err != nil {
		t.Fatalf("ObtainConnection: %v", err)
	}
	if _, err := handle.ObtainConnection(); err == nil {
		t.Error("second connection should be denied at max=1")
	}
	conn.Release()

	// Bin override applies: "slow" admits nothing.
	blocked := th.ObtainConnectionThrottler("web", "default", []string{"slow"})
	if _, err := blocked.ObtainConnection(); err == nil {
		t.Error("zero-capacity bin should deny all connections")
	}
}

func TestPoolUpdateGroup(t *testing.T) {
	pool := NewPool(WithGroup("web", "default", Limits{MaxConnections: 1}))
	if err := pool.Start(); err != nil {
		t.Fatal(err)
	}
	defer pool.Stop()

	handle := pool.Throttler().ObtainConnectionThrottler("web", "default", []string{"h1"})
	c1, err := handle.ObtainConnection()
	if err != nil {
		t.Fatal(err)
	}

	if err := pool.UpdateGroup("web", "default", Limits{MaxConnections: 2}, nil); err != nil {
		t.Fatalf("UpdateGroup: %v", err)
	}
	c2, err := handle.ObtainConnection()
	if err != nil {
		t.Fatalf("raised limit should admit a second connection: %v", err)
	}
	c1.Release()
	c2.Release()
}

func TestPoolStopReleasesWaiters(t *testing.T) {
	pool := NewPool(WithGroup("web", "default", Limits{
		MaxConnections:   1,
		MinFetchInterval: 10 * time.Second,
	}))
	if err := pool.Start(); err != nil {
		t.Fatal(err)
	}

	handle := pool.Throttler().ObtainConnectionThrottler("web", "default", []string{"h1"})
	conn, err := handle.ObtainConnection()
	if err != nil {
		t.Fatal(err)
	}
	stream, err := conn.ObtainStream(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	stream.Close()

	done := make(chan error, 1)
	go func() {
		_, err := conn.ObtainStream(context.Background())
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	pool.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrShuttingDown) {
			t.Errorf("expected ErrShuttingDown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Stop")
	}
}

func TestPoolRejectsInvalidConfig(t *testing.T) {
	pool := NewPool(WithGroup("", "default", Limits{}))
	if err := pool.Start(); err == nil {
		pool.Stop()
		t.Fatal("expected validation error for empty group type")
	}
}

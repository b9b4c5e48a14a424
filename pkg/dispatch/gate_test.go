package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manual clock whose sleep advances time instantly.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return ctx.Err()
}

// recordOnly records requested sleeps without moving the clock.
func (c *fakeClock) recordOnly(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

func newTestGate(clk *fakeClock, sleep func(context.Context, time.Duration) error) *MemoryGate {
	return &MemoryGate{next: make(map[string]time.Time), now: clk.now, sleep: sleep}
}

func TestMemoryGate_SpacesSequentialCalls(t *testing.T) {
	clk := newFakeClock()
	gate := newTestGate(clk, clk.sleep)
	start := clk.now()

	var offsets []time.Duration
	for range 4 {
		if err := gate.Wait(context.Background(), "p1", 2*time.Second); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		offsets = append(offsets, clk.now().Sub(start))
	}

	for i := 1; i < len(offsets); i++ {
		if gap := offsets[i] - offsets[i-1]; gap < 2*time.Second {
			t.Errorf("calls %d and %d only %v apart", i-1, i, gap)
		}
	}
	if offsets[0] != 0 {
		t.Errorf("first call should not wait, waited %v", offsets[0])
	}
}

func TestMemoryGate_ConcurrentCallersReserveDistinctSlots(t *testing.T) {
	clk := newFakeClock()
	gate := newTestGate(clk, clk.recordOnly)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = gate.Wait(context.Background(), "p1", time.Second)
		}()
	}
	wg.Wait()

	clk.mu.Lock()
	sleeps := append([]time.Duration(nil), clk.sleeps...)
	clk.mu.Unlock()
	sort.Slice(sleeps, func(i, j int) bool { return sleeps[i] < sleeps[j] })

	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("expected one free slot then waits of 1s and 2s, got %v", sleeps)
	}
}

func TestMemoryGate_KeysAreIndependent(t *testing.T) {
	clk := newFakeClock()
	gate := newTestGate(clk, clk.recordOnly)

	for _, key := range []string{"a", "b", "c"} {
		if err := gate.Wait(context.Background(), key, time.Minute); err != nil {
			t.Fatal(err)
		}
	}
	if len(clk.sleeps) != 0 {
		t.Errorf("distinct keys should not wait on each other, got %v", clk.sleeps)
	}
}

func TestMemoryGate_ZeroIntervalNeverWaits(t *testing.T) {
	clk := newFakeClock()
	gate := newTestGate(clk, clk.recordOnly)
	for range 3 {
		_ = gate.Wait(context.Background(), "p", 0)
	}
	if len(clk.sleeps) != 0 {
		t.Errorf("expected no sleeps, got %v", clk.sleeps)
	}
}

func TestMemoryGate_CancelledWait(t *testing.T) {
	gate := NewMemoryGate()
	ctx, cancel := context.WithCancel(context.Background())
	if err := gate.Wait(ctx, "p", time.Hour); err != nil {
		t.Fatalf("first slot should be free: %v", err)
	}
	cancel()
	if err := gate.Wait(ctx, "p", time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

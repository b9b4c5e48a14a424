package dispatch

import (
	"context"
	"sync"
	"time"
)

// Gate spaces out calls sharing a key. Wait blocks until the caller may make
// its next call, or returns ctx's error.
type Gate interface {
	Wait(ctx context.Context, key string, interval time.Duration) error
}

// MemoryGate is an in-process Gate. Each Wait reserves the next free slot for
// its key, so concurrent callers of one key are spaced at least interval
// apart even when they arrive together.
type MemoryGate struct {
	mu    sync.Mutex
	next  map[string]time.Time
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMemoryGate returns a MemoryGate on the wall clock.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{
		next:  make(map[string]time.Time),
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Wait implements Gate.
func (g *MemoryGate) Wait(ctx context.Context, key string, interval time.Duration) error {
	if interval <= 0 {
		return ctx.Err()
	}

	g.mu.Lock()
	now := g.now()
	slot := now
	if n, ok := g.next[key]; ok && n.After(now) {
		slot = n
	}
	g.next[key] = slot.Add(interval)
	g.mu.Unlock()

	if wait := slot.Sub(now); wait > 0 {
		return g.sleep(ctx, wait)
	}
	return ctx.Err()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

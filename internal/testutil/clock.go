package testutil

import (
	"sync"
	"time"
)

// FixedClock is a thread-safe deterministic time source for tests. Each
// Now() call returns the epoch advanced by one step, so timestamps are
// reproducible across runs and distinct across calls.
//
// Wire it in with cache.WithClock(clock.Now).
type FixedClock struct {
	mu    sync.Mutex
	epoch time.Time
	step  time.Duration
	n     int64
}

// NewFixedClock creates a clock starting at epoch. A zero step defaults to
// one second.
func NewFixedClock(epoch time.Time, step time.Duration) *FixedClock {
	if step == 0 {
		step = time.Second
	}
	return &FixedClock{epoch: epoch, step: step}
}

// Now returns the next tick.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.epoch.Add(time.Duration(c.n) * c.step)
}

// Reset restarts the tick sequence at the epoch.
func (c *FixedClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}

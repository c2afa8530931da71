package testutil

import (
	"sync"
	"time"
)

// Epoch is where a ManualClock starts when no start time is given.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a wall clock that only moves when told to.
//
// Pass its Now method wherever a component accepts a func() time.Time.
//
// Thread-safety: All methods are safe for concurrent use.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock returns a clock reading start, or Epoch when start is zero.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = Epoch
	}
	return &ManualClock{now: start}
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
// Negative durations are ignored so the clock never runs backwards.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

package transporttest

import (
	"sync"
	"time"
)

// Clock is a manually-advanced time source for deterministic tests of
// quota delay, congestion deadlines, and backoff progression, none of
// which a test should assert against real wall-clock timing.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a Clock starting at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the clock's current time. Pass this method value wherever
// a component accepts a `now func() time.Time`.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Package bwtracker implements the per-neighbour bandwidth tracker: a
// token bucket with a configurable carry-forward horizon.
//
// The tracker owns no threading: every call must be serialized by the
// caller. The transport handle's single event loop is that
// serialization point.
package bwtracker

import (
	"time"
)

// UpdateFunc is invoked whenever a quota or consumption change moves the
// neighbour's "next ready" point.
type UpdateFunc func()

// ExcessFunc is invoked when the reservoir saturates at the carry-forward
// cap, indicating unused bandwidth.
type ExcessFunc func()

// Tracker is a token bucket with rate R bytes/s and carry-forward window
// W. Tokens accrue lazily: each call first folds in whatever time has
// elapsed since the last touch, capped at the reservoir ceiling.
type Tracker struct {
	rate   uint64 // bytes/s
	window time.Duration

	tokens float64
	last   time.Time

	updateCb UpdateFunc
	excessCb ExcessFunc

	now func() time.Time
}

// New creates a tracker with the given initial rate (bytes/s) and
// carry-forward window. A zero window defaults to 4 seconds.
func New(rate uint64, window time.Duration) *Tracker {
	if window <= 0 {
		window = 4 * time.Second
	}
	t := &Tracker{
		rate:   rate,
		window: window,
		last:   time.Now(),
		now:    time.Now,
	}
	return t
}

// WithClock overrides the tracker's time source and re-anchors the
// accrual point, making token arithmetic deterministic in tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	t.last = now()
	return t
}

// ceiling returns the maximum number of tokens the reservoir can hold.
func (t *Tracker) ceiling() float64 {
	return float64(t.rate) * t.window.Seconds()
}

// accrue folds elapsed time into the reservoir, capping at the ceiling.
// Returns true if the reservoir was already saturated before this call
// added anything (used to detect the "excess bandwidth" condition).
func (t *Tracker) accrue() bool {
	now := t.now()
	elapsed := now.Sub(t.last)
	t.last = now
	if elapsed <= 0 {
		return t.tokens >= t.ceiling()
	}
	ceiling := t.ceiling()
	wasSaturated := t.tokens >= ceiling
	rate := float64(t.rate)
	t.tokens += elapsed.Seconds() * rate
	if t.tokens > ceiling {
		t.tokens = ceiling
	}
	return wasSaturated
}

// UpdateQuota replaces the rate and notifies the update callback, since
// changing the rate can move the "next ready" point. Like every other
// method on Tracker, calls must be serialized by the caller.
func (t *Tracker) UpdateQuota(rate uint64) {
	t.rate = rate
	t.accrue()
	t.notifyUpdate()
}

// Consume deducts n bytes from the accumulated tokens. Any previously
// recorded traffic overhead should be folded into n by the caller
// before calling Consume.
func (t *Tracker) Consume(n uint64) {
	saturated := t.accrue()
	if saturated {
		t.notifyExcess()
	}
	t.tokens -= float64(n)
	t.notifyUpdate()
}

// GetDelay returns the duration until n bytes of tokens will have
// accrued from the current reservoir. Zero if already available.
func (t *Tracker) GetDelay(n uint64) time.Duration {
	t.accrue()
	need := float64(n) - t.tokens
	if need <= 0 {
		return 0
	}
	rate := float64(t.rate)
	if rate <= 0 {
		return time.Duration(1<<63 - 1) // effectively "never" with a zero rate
	}
	seconds := need / rate
	return time.Duration(seconds * float64(time.Second))
}

// NotificationInit registers the update and excess callbacks. Passing
// nil for either clears it.
func (t *Tracker) NotificationInit(update UpdateFunc, excess ExcessFunc) {
	t.updateCb = update
	t.excessCb = excess
}

func (t *Tracker) notifyUpdate() {
	if t.updateCb != nil {
		t.updateCb()
	}
}

func (t *Tracker) notifyExcess() {
	if t.excessCb != nil {
		t.excessCb()
	}
}

// Rate returns the tracker's current configured rate, bytes/s.
func (t *Tracker) Rate() uint64 {
	return t.rate
}

// Package queue implements the control queue: a FIFO of small
// daemon-bound control messages (try-connect, offer-hello,
// traffic-metric, monitor requests) that always overtake data messages.
// START is not queued here; the daemon link writes it on each connect.
package queue

import (
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

// ControlQueue is a FIFO of pending control transmit handles. Handles
// are stable pointers, so a handle returned by Enqueue remains a valid
// cancellation token until it is dequeued or removed.
type ControlQueue struct {
	items []*types.TransmitHandle
}

// New creates an empty control queue.
func New() *ControlQueue {
	return &ControlQueue{}
}

// Enqueue appends h to the tail of the queue.
func (q *ControlQueue) Enqueue(h *types.TransmitHandle) {
	q.items = append(q.items, h)
}

// Peek returns the head of the queue without removing it.
func (q *ControlQueue) Peek() (*types.TransmitHandle, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Dequeue removes and returns the head of the queue.
func (q *ControlQueue) Dequeue() (*types.TransmitHandle, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	h := q.items[0]
	q.items = q.items[1:]
	return h, true
}

// Remove removes h from the queue wherever it sits, supporting
// cancellation of a request that is not yet at the head. Returns true
// if h was found and removed.
func (q *ControlQueue) Remove(h *types.TransmitHandle) bool {
	for i, it := range q.items {
		if it == h {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the number of pending control handles.
func (q *ControlQueue) Len() int {
	return len(q.items)
}

// DrainExpiredAt removes and fires (with a nil buffer) every handle
// whose deadline has passed as of now, per the scheduler's activation
// step 1. Returns the number of handles fired.
func (q *ControlQueue) DrainExpiredAt(now time.Time) int {
	fired := 0
	kept := q.items[:0]
	for _, h := range q.items {
		if h.Expired(now) {
			h.Fire(nil)
			fired++
			continue
		}
		kept = append(kept, h)
	}
	q.items = kept
	return fired
}

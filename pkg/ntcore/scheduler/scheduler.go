// Package scheduler implements the transmit scheduler: the component
// that mediates between pending transmit requests (control and data)
// and the daemon link's write window, enforcing quota and ordering.
// Control messages drain first; then at most one ready data message
// per write window.
//
// Scheduler is deliberately single-threaded: Activate must only ever
// be called from the owning transport handle's event loop, which takes
// no locks anywhere.
package scheduler

import (
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/heap"
	"github.com/jabolina/nt-core/pkg/ntcore/neighbour"
	"github.com/jabolina/nt-core/pkg/ntcore/queue"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
	"github.com/jabolina/nt-core/pkg/ntcore/wire"
)

// envelopeOverhead is one outbound-envelope worth of framing: the
// {u16 size; u16 type} frame header plus the SEND body header
// {u32 reserved; u64 deadline; peer_id}.
const envelopeOverhead = 4 + 4 + 8 + 32

// Link is the subset of daemonlink.Link the scheduler needs: a
// synchronous write of exactly one frame's worth of bytes. Writes run
// on the caller's goroutine, which is the handle's single event loop —
// awaiting write-readiness is an ordinary blocking call rather than a
// separate reactor thread.
type Link interface {
	Write(buf []byte) error
}

// CongestionArmer arms the per-neighbour timers the scheduler itself
// holds no state for: the congestion timeout (armed when a neighbour is
// parked out of the heap waiting for SEND_OK) and the unready-warn
// interval (armed whenever a send leaves the neighbour not-ready).
type CongestionArmer interface {
	ArmCongestionTimer(n *neighbour.Neighbour, remaining time.Duration)
	ArmUnreadyWarnTimer(n *neighbour.Neighbour)
}

// Scheduler coordinates the control queue, readiness heap, and
// neighbour table against the daemon link's write path.
type Scheduler struct {
	Heap  *heap.ReadinessHeap
	Queue *queue.ControlQueue
	Table *neighbour.Table
	Link  Link
	Armer CongestionArmer
	Log   types.Logger

	now func() time.Time
}

// New creates a Scheduler. now defaults to time.Now if nil, overridable
// in tests for deterministic deadline/backoff assertions.
func New(h *heap.ReadinessHeap, q *queue.ControlQueue, t *neighbour.Table, link Link, armer CongestionArmer, log types.Logger, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{Heap: h, Queue: q, Table: t, Link: link, Armer: armer, Log: log, now: now}
}

// Activate runs one scheduling pass: expire overdue requests, pick
// the next batch size, fill, and write. It reports whether a write was
// issued, so the caller can re-arm and run
// another pass immediately. An error means the write to the daemon
// link itself failed; the caller (transport handle) reacts by awaiting
// the link's reconnect exactly as it would for a read-side protocol
// violation.
func (s *Scheduler) Activate() (bool, error) {
	now := s.now()

	// Step 1: drop every pending request whose deadline has passed.
	s.Queue.DrainExpiredAt(now)
	s.dropExpiredData(now)

	// Step 3/4: determine the next batch size and request the window.
	if s.Queue.Len() > 0 {
		head, _ := s.Queue.Peek()
		return s.fillAndWrite(head.Size)
	}

	peer, _, ok := s.Heap.PeekRoot()
	if !ok {
		return false, nil // idle
	}
	n, found := s.Table.Get(peer)
	if !found || n.Pending == nil {
		// Stale heap entry (shouldn't happen if invariants hold); drop it.
		s.Heap.Remove(peer)
		if found {
			n.InHeap = false
		}
		return false, nil
	}
	return s.fillAndWrite(n.Pending.Size + envelopeOverhead)
}

// dropExpiredData fires (with nil) every neighbour's pending data
// request whose deadline has passed, clearing it from the heap and the
// neighbour's pending slot.
func (s *Scheduler) dropExpiredData(now time.Time) {
	var expired []types.PeerID
	s.Table.Range(func(n *neighbour.Neighbour) bool {
		if n.Pending != nil && n.Pending.Expired(now) {
			expired = append(expired, n.ID)
		}
		return true
	})
	for _, id := range expired {
		n, ok := s.Table.Get(id)
		if !ok {
			continue
		}
		h := n.Pending
		n.Pending = nil
		s.Heap.Remove(id)
		n.InHeap = false
		n.StopTimers()
		h.Fire(nil)
	}
}

// fillAndWrite allocates a window of n bytes, runs the fill behaviour,
// and writes whatever was produced to the link.
func (s *Scheduler) fillAndWrite(n int) (bool, error) {
	buf := make([]byte, n)
	used := s.fill(buf)
	if used == 0 {
		return false, nil
	}
	return true, s.Link.Write(buf[:used])
}

// fill drains control messages, then at most one permitted data
// message, into a window of len(buf) bytes.
func (s *Scheduler) fill(buf []byte) int {
	used := 0

	// a. Drain control messages first. Control messages are never
	// subject to quota and never blocked by data messages.
	for {
		head, ok := s.Queue.Peek()
		if !ok {
			break
		}
		if used+head.Size > len(buf) {
			break
		}
		n := head.Fire(buf[used : used+head.Size])
		s.Queue.Dequeue()
		if n > 0 {
			used += n
		}
	}

	// b. Drain one data message if permitted.
	peer, _, ok := s.Heap.PeekRoot()
	if !ok {
		return used
	}
	nbr, found := s.Table.Get(peer)
	if !found || nbr.Pending == nil {
		s.Heap.RemoveRoot()
		if found {
			nbr.InHeap = false
		}
		return used
	}

	if !nbr.IsReady {
		s.Heap.RemoveRoot()
		nbr.InHeap = false
		remaining := nbr.Pending.Deadline.Sub(s.now())
		s.Armer.ArmCongestionTimer(nbr, remaining)
		return used
	}

	req := nbr.Pending
	if used+req.Size+envelopeOverhead > len(buf) {
		return used
	}
	if d := nbr.Tracker.GetDelay(uint64(req.Size)); d > 0 {
		return used // caller will be re-scheduled once the delay elapses
	}

	s.Heap.RemoveRoot()
	nbr.InHeap = false
	payload := buf[used+envelopeOverhead : used+envelopeOverhead+req.Size]
	n := req.Fire(payload)
	if n <= 0 {
		nbr.Pending = nil
		nbr.StopTimers()
		return used
	}

	if err := wire.PutHeader(buf[used:], envelopeOverhead+n, wire.Send); err != nil {
		nbr.Pending = nil
		nbr.StopTimers()
		return used
	}
	header := wire.SendHeader{Deadline: req.Deadline, Peer: peer}
	copy(buf[used+4:used+envelopeOverhead], header.Marshal(nil))

	charge := nbr.ConsumeOverhead(uint64(n))
	nbr.Tracker.Consume(charge)
	nbr.IsReady = false
	nbr.Pending = nil
	nbr.LastPayload = s.now()
	s.Armer.ArmUnreadyWarnTimer(nbr)

	return used + envelopeOverhead + n
}

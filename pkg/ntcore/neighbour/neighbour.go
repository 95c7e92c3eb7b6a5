// Package neighbour holds per-peer connection state (Neighbour) and
// the table mapping peer identity to that state: pure data-holding
// types the scheduler and demultiplexer mutate from the transport
// handle's single event loop.
package neighbour

import (
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/bwtracker"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

// Neighbour is the state for one currently-connected remote peer.
type Neighbour struct {
	ID types.PeerID

	// Tracker is the outbound bandwidth tracker: quota, accumulated
	// tokens, carry-forward horizon.
	Tracker *bwtracker.Tracker

	// Pending is the at-most-one in-flight application transmit
	// request for this neighbour.
	Pending *types.TransmitHandle

	// InHeap mirrors whether this neighbour currently has a position
	// in the readiness heap. Invariant: InHeap is true iff
	// Pending != nil && IsReady.
	InHeap bool

	// IsReady is true iff the daemon is not currently holding a prior
	// message from us for this peer. Set false on send, true on
	// SEND_OK.
	IsReady bool

	// LastPayload is the timestamp of the last payload sent to this
	// neighbour.
	LastPayload time.Time

	// UnreadyWarnTimer fires periodically while IsReady stays false,
	// emitting a diagnostic. Owned by the scheduler/handle.
	UnreadyWarnTimer *time.Timer

	// CongestionTimer is armed when a pending request is parked out of
	// the heap waiting for SEND_OK; it fires deadline-now after
	// parking.
	CongestionTimer *time.Timer

	// TrafficOverhead accumulates bytes_physical - bytes_msg from
	// SEND_OK acknowledgements, consumed on the next quota charge.
	TrafficOverhead uint64
}

// New creates a Neighbour with a fresh bandwidth tracker at the given
// initial quota (bytes/s) and the given carry-forward window.
func New(id types.PeerID, quota uint64, carryWindow time.Duration) *Neighbour {
	return &Neighbour{
		ID:      id,
		Tracker: bwtracker.New(quota, carryWindow),
		IsReady: true,
	}
}

// ConsumeOverhead folds the accumulated traffic overhead into n and
// resets the counter, returning the total to charge against the
// tracker.
func (n *Neighbour) ConsumeOverhead(logical uint64) uint64 {
	total := logical + n.TrafficOverhead
	n.TrafficOverhead = 0
	return total
}

// StopTimers cancels any armed timers owned by this neighbour. Safe to
// call multiple times.
func (n *Neighbour) StopTimers() {
	if n.UnreadyWarnTimer != nil {
		n.UnreadyWarnTimer.Stop()
		n.UnreadyWarnTimer = nil
	}
	if n.CongestionTimer != nil {
		n.CongestionTimer.Stop()
		n.CongestionTimer = nil
	}
}

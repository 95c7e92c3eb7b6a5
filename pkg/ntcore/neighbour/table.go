package neighbour

import (
	"fmt"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

// Table maps peer identity to neighbour state with unique-only insertion
// semantics: inserting a duplicate peer is a programming error, treated
// as a protocol violation with the daemon.
type Table struct {
	m map[types.PeerID]*Neighbour
}

// NewTable creates an empty neighbour table.
func NewTable() *Table {
	return &Table{m: make(map[types.PeerID]*Neighbour)}
}

// Insert adds n to the table. It returns types.ErrDuplicatePeer if a
// neighbour with the same ID is already present.
func (t *Table) Insert(n *Neighbour) error {
	if _, ok := t.m[n.ID]; ok {
		return fmt.Errorf("%w: %s", types.ErrDuplicatePeer, n.ID)
	}
	t.m[n.ID] = n
	return nil
}

// Get returns the neighbour for id, if present.
func (t *Table) Get(id types.PeerID) (*Neighbour, bool) {
	n, ok := t.m[id]
	return n, ok
}

// Remove deletes and returns the neighbour for id, if present.
func (t *Table) Remove(id types.PeerID) (*Neighbour, bool) {
	n, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	return n, ok
}

// Len reports how many neighbours are currently tracked.
func (t *Table) Len() int {
	return len(t.m)
}

// Range calls f for every neighbour in the table. If f returns false,
// iteration stops. Used for mass teardown on daemon disconnect.
func (t *Table) Range(f func(*Neighbour) bool) {
	for _, n := range t.m {
		if !f(n) {
			return
		}
	}
}

// SetPending attaches a transmit handle to the neighbour, returning
// types.ErrPendingExists if one is already attached: at most one
// pending transmit handle exists per neighbour.
func (t *Table) SetPending(id types.PeerID, handle *types.TransmitHandle) error {
	n, ok := t.m[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownPeer, id)
	}
	if n.Pending != nil {
		return types.ErrPendingExists
	}
	n.Pending = handle
	return nil
}

// ClearPending detaches and returns the neighbour's pending transmit
// handle, if any.
func (t *Table) ClearPending(id types.PeerID) *types.TransmitHandle {
	n, ok := t.m[id]
	if !ok {
		return nil
	}
	h := n.Pending
	n.Pending = nil
	return h
}

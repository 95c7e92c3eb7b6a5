// Package heap implements the readiness heap: a min-heap of neighbours
// ordered by the next instant at which their token budget permits
// sending, built on top of container/heap.
package heap

import (
	stdheap "container/heap"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

// ReadinessHeap is a min-heap keyed by a neighbour's next-allowed-send
// time (microseconds since some epoch). No tie-break guarantees are
// provided among equal keys.
type ReadinessHeap struct {
	items []*item
	index map[types.PeerID]*item
}

type item struct {
	peer    types.PeerID
	readyAt int64
	pos     int
}

// New creates an empty readiness heap.
func New() *ReadinessHeap {
	return &ReadinessHeap{
		index: make(map[types.PeerID]*item),
	}
}

// innerHeap adapts ReadinessHeap's item slice to container/heap.Interface.
type innerHeap struct {
	h *ReadinessHeap
}

func (h innerHeap) Len() int { return len(h.h.items) }
func (h innerHeap) Less(i, j int) bool {
	return h.h.items[i].readyAt < h.h.items[j].readyAt
}
func (h innerHeap) Swap(i, j int) {
	h.h.items[i], h.h.items[j] = h.h.items[j], h.h.items[i]
	h.h.items[i].pos = i
	h.h.items[j].pos = j
}
func (h innerHeap) Push(x interface{}) {
	it := x.(*item)
	it.pos = len(h.h.items)
	h.h.items = append(h.h.items, it)
}
func (h innerHeap) Pop() interface{} {
	old := h.h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	h.h.items = old[:n-1]
	return it
}

// Contains reports whether peer currently has a position in the heap.
func (h *ReadinessHeap) Contains(peer types.PeerID) bool {
	_, ok := h.index[peer]
	return ok
}

// Insert adds peer to the heap with the given ready-at time. Inserting a
// peer already present updates its key instead of creating a duplicate
// entry.
func (h *ReadinessHeap) Insert(peer types.PeerID, readyAt int64) {
	if it, ok := h.index[peer]; ok {
		it.readyAt = readyAt
		stdheap.Fix(innerHeap{h}, it.pos)
		return
	}
	it := &item{peer: peer, readyAt: readyAt}
	h.index[peer] = it
	stdheap.Push(innerHeap{h}, it)
}

// UpdateKey changes peer's ready-at time without removing and
// re-inserting it. It is a no-op if peer is not in the heap.
func (h *ReadinessHeap) UpdateKey(peer types.PeerID, readyAt int64) {
	it, ok := h.index[peer]
	if !ok {
		return
	}
	it.readyAt = readyAt
	stdheap.Fix(innerHeap{h}, it.pos)
}

// Remove removes peer from the heap wherever it currently sits. It is a
// no-op if peer is not present.
func (h *ReadinessHeap) Remove(peer types.PeerID) {
	it, ok := h.index[peer]
	if !ok {
		return
	}
	stdheap.Remove(innerHeap{h}, it.pos)
	delete(h.index, peer)
}

// PeekRoot returns the peer with the earliest ready-at time without
// removing it.
func (h *ReadinessHeap) PeekRoot() (types.PeerID, int64, bool) {
	if len(h.items) == 0 {
		return types.PeerID{}, 0, false
	}
	return h.items[0].peer, h.items[0].readyAt, true
}

// RemoveRoot removes and returns the peer with the earliest ready-at
// time.
func (h *ReadinessHeap) RemoveRoot() (types.PeerID, int64, bool) {
	peer, readyAt, ok := h.PeekRoot()
	if !ok {
		return peer, readyAt, false
	}
	h.Remove(peer)
	return peer, readyAt, true
}

// Len reports the number of neighbours currently in the heap.
func (h *ReadinessHeap) Len() int {
	return len(h.items)
}

package neighbour

import (
	"errors"
	"testing"
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

func peer(b byte) types.PeerID {
	var id types.PeerID
	id[0] = b
	return id
}

func TestTable_DuplicateInsertIsViolation(t *testing.T) {
	table := NewTable()
	if err := table.Insert(New(peer(1), 1000, 0)); err != nil {
		t.Fatalf("failed inserting neighbour. %v", err)
	}
	err := table.Insert(New(peer(1), 1000, 0))
	if !errors.Is(err, types.ErrDuplicatePeer) {
		t.Errorf("expected ErrDuplicatePeer, got %v", err)
	}
}

// At most one transmit handle may be pending per neighbour.
func TestTable_SinglePendingPerNeighbour(t *testing.T) {
	table := NewTable()
	if err := table.Insert(New(peer(1), 1000, 0)); err != nil {
		t.Fatalf("failed inserting neighbour. %v", err)
	}

	first := &types.TransmitHandle{Size: 10}
	if err := table.SetPending(peer(1), first); err != nil {
		t.Fatalf("failed attaching first request. %v", err)
	}
	err := table.SetPending(peer(1), &types.TransmitHandle{Size: 20})
	if !errors.Is(err, types.ErrPendingExists) {
		t.Fatalf("expected ErrPendingExists, got %v", err)
	}

	if h := table.ClearPending(peer(1)); h != first {
		t.Error("clear did not return the attached handle")
	}
	if err := table.SetPending(peer(1), first); err != nil {
		t.Errorf("attach after clear failed. %v", err)
	}
}

func TestTable_SetPendingUnknownPeer(t *testing.T) {
	table := NewTable()
	err := table.SetPending(peer(9), &types.TransmitHandle{})
	if !errors.Is(err, types.ErrUnknownPeer) {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestTable_RangeForMassTeardown(t *testing.T) {
	table := NewTable()
	for b := byte(1); b <= 4; b++ {
		if err := table.Insert(New(peer(b), 1000, 0)); err != nil {
			t.Fatalf("failed inserting neighbour %d. %v", b, err)
		}
	}

	var ids []types.PeerID
	table.Range(func(n *Neighbour) bool {
		ids = append(ids, n.ID)
		return true
	})
	for _, id := range ids {
		if _, ok := table.Remove(id); !ok {
			t.Errorf("failed removing neighbour %s", id)
		}
	}
	if table.Len() != 0 {
		t.Errorf("expected empty table, got %d neighbours", table.Len())
	}
}

func TestNeighbour_ConsumeOverhead(t *testing.T) {
	n := New(peer(1), 1000, 0)
	n.TrafficOverhead = 120
	if total := n.ConsumeOverhead(1000); total != 1120 {
		t.Fatalf("expected 1120 bytes charged, got %d", total)
	}
	if n.TrafficOverhead != 0 {
		t.Error("overhead counter not reset after consumption")
	}
	if total := n.ConsumeOverhead(1000); total != 1000 {
		t.Error("overhead charged twice")
	}
}

func TestNeighbour_StopTimersIdempotent(t *testing.T) {
	n := New(peer(1), 1000, 0)
	n.UnreadyWarnTimer = time.NewTimer(time.Hour)
	n.CongestionTimer = time.NewTimer(time.Hour)
	n.StopTimers()
	n.StopTimers()
	if n.UnreadyWarnTimer != nil || n.CongestionTimer != nil {
		t.Error("timers not cleared")
	}
}

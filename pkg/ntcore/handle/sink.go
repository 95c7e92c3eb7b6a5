package handle

import (
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/neighbour"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
	"github.com/jabolina/nt-core/pkg/ntcore/wire"
)

// The handle is the demux.Sink: every method below runs on the event
// loop, immediately after the demultiplexer decoded the frame.

func (h *TransportHandle) OnHello(body wire.HelloBody) {
	hello := body
	h.myHello = &hello
	for _, fn := range h.helloSubs {
		fn(hello)
	}
}

func (h *TransportHandle) OnConnect(body wire.ConnectBody) {
	n := neighbour.New(body.Peer, uint64(body.QuotaOut), h.cfg.CarryWindow)
	if err := h.table.Insert(n); err != nil {
		h.log.Errorf("CONNECT replayed an existing peer: %v", err)
		h.teardown(err)
		h.link.Drop()
		return
	}
	h.watchTracker(n)
	if h.cb.NeighbourConnect != nil {
		h.cb.NeighbourConnect(body.Peer)
	}
}

// watchTracker keeps the neighbour's heap position in sync with its
// tracker: a quota change moves the next-ready point, so the heap key
// must follow.
func (h *TransportHandle) watchTracker(n *neighbour.Neighbour) {
	id := n.ID
	n.Tracker.NotificationInit(func() {
		nn, ok := h.table.Get(id)
		if !ok || !nn.InHeap || nn.Pending == nil {
			return
		}
		d := nn.Tracker.GetDelay(uint64(nn.Pending.Size))
		h.ready.UpdateKey(id, h.now().Add(d).UnixMicro())
	}, func() {
		h.log.Debugf("peer %s reservoir saturated, bandwidth going unused", id)
	})
}

func (h *TransportHandle) OnDisconnect(body wire.DisconnectBody) {
	n, ok := h.table.Remove(body.Peer)
	if !ok {
		h.log.Warnf("DISCONNECT for peer %s we never connected", body.Peer)
		return
	}
	h.ready.Remove(body.Peer)
	n.InHeap = false
	n.StopTimers()
	if n.Pending != nil {
		pending := n.Pending
		n.Pending = nil
		pending.Fire(nil)
	}
	if h.cb.NeighbourDisconnect != nil {
		h.cb.NeighbourDisconnect(body.Peer)
	}
}

func (h *TransportHandle) OnSendOK(body wire.SendOKBody) {
	n, ok := h.table.Get(body.Peer)
	if !ok {
		return
	}
	if body.BytesPhysical > body.BytesMsg {
		n.TrafficOverhead += uint64(body.BytesPhysical - body.BytesMsg)
	}
	n.IsReady = true
	n.StopTimers()
	if n.Pending != nil {
		h.enheap(n)
	}
}

func (h *TransportHandle) OnRecv(peer types.PeerID, inner []byte) {
	if _, ok := h.table.Get(peer); !ok {
		// Between a DISCONNECT and the next CONNECT, no RECV for the
		// peer may reach the client.
		h.log.Debugf("dropping RECV for disconnected peer %s", peer)
		return
	}
	if h.cb.Receive != nil {
		h.cb.Receive(peer, inner)
	}
}

func (h *TransportHandle) OnSetQuota(body wire.SetQuotaBody) {
	n, ok := h.table.Get(body.Peer)
	if !ok {
		return
	}
	n.Tracker.UpdateQuota(uint64(body.QuotaOut))
}

func (h *TransportHandle) OnMonitorPeerResponse(body wire.MonitorPeerResponseBody) {
	h.mon.DispatchPeer(body)
}

func (h *TransportHandle) OnMonitorValidationResponse(body wire.MonitorValidationResponseBody) {
	h.mon.DispatchValidation(body)
}

func (h *TransportHandle) KnownPeer(peer types.PeerID) bool {
	_, ok := h.table.Get(peer)
	return ok
}

// enheap places n into the readiness heap keyed by the instant its
// tracker will allow the pending request through.
func (h *TransportHandle) enheap(n *neighbour.Neighbour) {
	d := n.Tracker.GetDelay(uint64(n.Pending.Size))
	h.ready.Insert(n.ID, h.now().Add(d).UnixMicro())
	n.InHeap = true
}

// ArmCongestionTimer implements scheduler.CongestionArmer: the
// neighbour was parked out of the heap waiting for SEND_OK, and the
// pending request dies at its deadline unless the ack arrives first.
func (h *TransportHandle) ArmCongestionTimer(n *neighbour.Neighbour, remaining time.Duration) {
	if remaining < 0 {
		remaining = 0
	}
	peer := n.ID
	if n.CongestionTimer != nil {
		n.CongestionTimer.Stop()
	}
	n.CongestionTimer = time.AfterFunc(remaining, func() {
		h.post(func() { h.congestionExpired(peer) })
	})
}

func (h *TransportHandle) congestionExpired(peer types.PeerID) {
	n, ok := h.table.Get(peer)
	if !ok || n.Pending == nil || n.IsReady {
		return
	}
	pending := n.Pending
	n.Pending = nil
	n.CongestionTimer = nil
	pending.Fire(nil)
}

// ArmUnreadyWarnTimer implements scheduler.CongestionArmer: while
// IsReady stays false after a send, a diagnostic fires every warn
// interval.
func (h *TransportHandle) ArmUnreadyWarnTimer(n *neighbour.Neighbour) {
	peer := n.ID
	if n.UnreadyWarnTimer != nil {
		n.UnreadyWarnTimer.Stop()
	}
	n.UnreadyWarnTimer = time.AfterFunc(h.cfg.UnreadyWarnInterval, func() {
		h.post(func() { h.unreadyWarn(peer) })
	})
}

func (h *TransportHandle) unreadyWarn(peer types.PeerID) {
	n, ok := h.table.Get(peer)
	if !ok || n.IsReady {
		return
	}
	h.log.Warnf("peer %s has not acknowledged our last message for over %s", peer, h.cfg.UnreadyWarnInterval)
	h.ArmUnreadyWarnTimer(n)
}

package handle

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jabolina/nt-core/pkg/ntcore/daemonlink"
	"github.com/jabolina/nt-core/pkg/ntcore/monitor"
	"github.com/jabolina/nt-core/pkg/ntcore/transporttest"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
	"github.com/jabolina/nt-core/pkg/ntcore/wire"
)

func peer(b byte) types.PeerID {
	var id types.PeerID
	id[0] = b
	return id
}

type recvMsg struct {
	peer  types.PeerID
	inner []byte
}

type env struct {
	t           *testing.T
	daemon      *transporttest.Daemon
	invk        *transporttest.Invoker
	h           *TransportHandle
	connects    chan types.PeerID
	disconnects chan types.PeerID
	recvs       chan recvMsg
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:           t,
		daemon:      transporttest.NewDaemon(),
		invk:        transporttest.NewInvoker(),
		connects:    make(chan types.PeerID, 16),
		disconnects: make(chan types.PeerID, 16),
		recvs:       make(chan recvMsg, 16),
	}
	var self types.PeerID
	self[0] = 0xee
	e.h = New(Config{
		Self:                self,
		Dialer:              e.daemon.Dialer(),
		Backoff:             &daemonlink.BackoffPolicy{Initial: 10 * time.Millisecond, Factor: 2, Cap: 100 * time.Millisecond},
		Invoker:             e.invk,
		Options:             wire.StartOptionDeliverInbound,
		UnreadyWarnInterval: 200 * time.Millisecond,
		ControlTimeout:      5 * time.Second,
	}, Callbacks{
		NeighbourConnect:    func(p types.PeerID) { e.connects <- p },
		NeighbourDisconnect: func(p types.PeerID) { e.disconnects <- p },
		Receive:             func(p types.PeerID, inner []byte) { e.recvs <- recvMsg{peer: p, inner: inner} },
	})
	e.h.Start()
	if _, ok := e.daemon.WaitStart(5 * time.Second); !ok {
		t.Fatal("handle never performed the START handshake")
	}
	return e
}

func (e *env) stop() {
	e.h.Stop()
	e.invk.Wait()
}

// inspect runs fn on the handle's event loop and waits for it, so
// tests can read internal state without racing the loop.
func (e *env) inspect(fn func()) {
	e.t.Helper()
	done := make(chan struct{})
	e.h.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.t.Fatal("event loop never serviced the inspection")
	}
}

func (e *env) connectPeer(p types.PeerID, quota uint32) {
	e.t.Helper()
	if err := e.daemon.Connect(p, quota); err != nil {
		e.t.Fatalf("failed pushing CONNECT. %v", err)
	}
	select {
	case got := <-e.connects:
		if got != p {
			e.t.Fatalf("connect callback for wrong peer %s", got)
		}
	case <-time.After(5 * time.Second):
		e.t.Fatal("connect callback never fired")
	}
}

func TestHandle_ConnectAndDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEnv(t)
	defer e.stop()

	e.connectPeer(peer(1), 1024)
	if n := e.h.NeighbourCount(); n != 1 {
		t.Fatalf("expected 1 neighbour, got %d", n)
	}

	if err := e.daemon.Disconnect(peer(1)); err != nil {
		t.Fatalf("failed pushing DISCONNECT. %v", err)
	}
	select {
	case got := <-e.disconnects:
		if got != peer(1) {
			t.Fatalf("disconnect callback for wrong peer %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
	if n := e.h.NeighbourCount(); n != 0 {
		t.Errorf("expected empty table, got %d neighbours", n)
	}
}

// A message is filled, framed, acknowledged, and the reply direction
// delivers an inbound message exactly once.
func TestHandle_TransmitRoundTrip(t *testing.T) {
	e := newEnv(t)
	defer e.stop()

	e.connectPeer(peer(1), 1_000_000)

	payload := make([]byte, 2600)
	for i := range payload {
		payload[i] = byte(i)
	}
	notifies := 0
	_, err := e.h.NotifyTransmitReady(peer(1), 2600, 30*time.Second, func(buf []byte) int {
		notifies++
		if buf == nil {
			t.Error("transmit failed, notify got a nil buffer")
			return 0
		}
		copy(buf, payload)
		return len(payload)
	})
	if err != nil {
		t.Fatalf("failed submitting transmit. %v", err)
	}

	frame, ok := e.daemon.WaitFrame(wire.Send, 10*time.Second)
	if !ok {
		t.Fatal("daemon never received the SEND frame")
	}
	header, inner, err := wire.UnmarshalSend(frame.Body)
	if err != nil {
		t.Fatalf("SEND body undecodable. %v", err)
	}
	if header.Peer != peer(1) {
		t.Errorf("SEND addressed to wrong peer %s", header.Peer)
	}
	if len(inner) != 2600 || inner[100] != payload[100] {
		t.Errorf("payload mangled, %d bytes", len(inner))
	}
	if notifies != 1 {
		t.Fatalf("notify ran %d times, want 1", notifies)
	}

	// Until SEND_OK arrives the neighbour holds no heap position and
	// is not ready.
	e.inspect(func() {
		n, _ := e.h.table.Get(peer(1))
		if n.IsReady || n.InHeap || e.h.ready.Contains(peer(1)) {
			t.Error("neighbour should be parked until SEND_OK")
		}
	})

	if err := e.daemon.SendOK(peer(1), true, 2600, 2600); err != nil {
		t.Fatalf("failed pushing SEND_OK. %v", err)
	}

	// Reply direction: one inbound message, delivered exactly once.
	reply := transporttest.InnerMessage(12345, []byte("response"))
	if err := e.daemon.Recv(peer(1), reply); err != nil {
		t.Fatalf("failed pushing RECV. %v", err)
	}
	select {
	case got := <-e.recvs:
		if got.peer != peer(1) {
			t.Errorf("receive callback for wrong peer %s", got.peer)
		}
		_, innerType, err := wire.DecodeHeader(got.inner)
		if err != nil || uint16(innerType) != 12345 {
			t.Errorf("inner message header changed: type %d, err %v", innerType, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receive callback never fired")
	}
	select {
	case <-e.recvs:
		t.Fatal("inbound message delivered twice")
	case <-time.After(50 * time.Millisecond):
	}
}

// With a starvation quota the request dies at its deadline via a
// single nil-buffer notify, and the neighbour survives to send again
// once the daemon raises the quota.
func TestHandle_CongestionTimeout(t *testing.T) {
	e := newEnv(t)
	defer e.stop()

	e.connectPeer(peer(1), 1) // 1 byte/s

	notified := make(chan []byte, 2)
	start := time.Now()
	_, err := e.h.NotifyTransmitReady(peer(1), 2600, 100*time.Millisecond, func(buf []byte) int {
		notified <- buf
		return 0
	})
	if err != nil {
		t.Fatalf("failed submitting transmit. %v", err)
	}

	select {
	case buf := <-notified:
		if buf != nil {
			t.Fatal("expected a timeout notification, got a window")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout notification never fired")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("request timed out early, after %s", elapsed)
	}

	// Exactly once.
	select {
	case <-notified:
		t.Fatal("notify fired twice")
	case <-time.After(150 * time.Millisecond):
	}

	// The neighbour stays connected and usable once quota allows.
	if n := e.h.NeighbourCount(); n != 1 {
		t.Fatalf("neighbour lost after congestion timeout, count %d", n)
	}
	if err := e.daemon.SetQuota(peer(1), 1_000_000); err != nil {
		t.Fatalf("failed pushing SET_QUOTA. %v", err)
	}
	if _, err := e.h.NotifyTransmitReady(peer(1), 10, 10*time.Second, func(buf []byte) int {
		if buf == nil {
			return 0
		}
		copy(buf, "smallsmall")
		return 10
	}); err != nil {
		t.Fatalf("failed submitting follow-up transmit. %v", err)
	}
	if _, ok := e.daemon.WaitFrame(wire.Send, 10*time.Second); !ok {
		t.Fatal("follow-up message never sent after quota raise")
	}
}

// Cancelling a pending request releases the neighbour's slot and
// guarantees the notify never runs.
func TestHandle_CancelSuppressesNotify(t *testing.T) {
	e := newEnv(t)
	defer e.stop()

	e.connectPeer(peer(1), 1) // parked on quota

	notified := make(chan struct{}, 1)
	req, err := e.h.NotifyTransmitReady(peer(1), 2600, 300*time.Millisecond, func(buf []byte) int {
		notified <- struct{}{}
		return 0
	})
	if err != nil {
		t.Fatalf("failed submitting transmit. %v", err)
	}
	req.Cancel()

	select {
	case <-notified:
		t.Fatal("notify ran for a cancelled request")
	case <-time.After(500 * time.Millisecond):
	}

	e.inspect(func() {
		n, _ := e.h.table.Get(peer(1))
		if n.Pending != nil || n.InHeap || e.h.ready.Contains(peer(1)) {
			t.Error("cancelled request not fully released")
		}
	})

	// The slot is free for a fresh request.
	if _, err := e.h.NotifyTransmitReady(peer(1), 10, time.Second, func(buf []byte) int { return 0 }); err != nil {
		t.Errorf("slot still blocked after cancel. %v", err)
	}
}

// Killing the daemon surfaces every neighbour as a disconnect, then
// the link reconnects and the CONNECT replay restores them.
func TestHandle_ReconnectReplaysNeighbours(t *testing.T) {
	e := newEnv(t)
	defer e.stop()

	e.connectPeer(peer(1), 1024)
	e.connectPeer(peer(2), 1024)

	e.daemon.Drop()

	gone := map[byte]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-e.disconnects:
			gone[p[0]] = true
		case <-time.After(5 * time.Second):
			t.Fatal("disconnect replay incomplete")
		}
	}
	if !gone[1] || !gone[2] {
		t.Fatalf("wrong peers surfaced on teardown: %v", gone)
	}
	if n := e.h.NeighbourCount(); n != 0 {
		t.Fatalf("table not empty during the gap, %d neighbours", n)
	}

	if _, ok := e.daemon.WaitStart(5 * time.Second); !ok {
		t.Fatal("link never re-dialed")
	}
	e.connectPeer(peer(1), 1024)
	e.connectPeer(peer(2), 1024)
	if n := e.h.NeighbourCount(); n != 2 {
		t.Errorf("expected 2 neighbours after replay, got %d", n)
	}
}

// SEND_OK overhead accumulates on the neighbour and is charged against
// the tracker on the next send.
func TestHandle_OverheadAccounting(t *testing.T) {
	e := newEnv(t)
	defer e.stop()

	e.connectPeer(peer(1), 1_000_000)

	send := func() {
		t.Helper()
		if _, err := e.h.NotifyTransmitReady(peer(1), 1000, 10*time.Second, func(buf []byte) int {
			if buf == nil {
				t.Error("transmit failed")
				return 0
			}
			return 1000
		}); err != nil {
			t.Fatalf("failed submitting transmit. %v", err)
		}
		if _, ok := e.daemon.WaitFrame(wire.Send, 10*time.Second); !ok {
			t.Fatal("SEND never written")
		}
	}

	for cycle := 0; cycle < 3; cycle++ {
		send()
		if err := e.daemon.SendOK(peer(1), true, 1000, 1120); err != nil {
			t.Fatalf("failed pushing SEND_OK. %v", err)
		}
		// The ack's 120-byte overhead is pending until the next send
		// consumes it.
		waitOverhead(t, e, peer(1), 120)
	}
	send()
	waitOverhead(t, e, peer(1), 0)
}

func waitOverhead(t *testing.T, e *env, p types.PeerID, want uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var got uint64
		e.inspect(func() {
			if n, ok := e.h.table.Get(p); ok {
				got = n.TrafficOverhead
			}
		})
		if got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("overhead counter stuck at %d, want %d", got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// No RECV for a peer is delivered between its DISCONNECT and the next
// CONNECT.
func TestHandle_RecvGatedByConnection(t *testing.T) {
	e := newEnv(t)
	defer e.stop()

	inner := transporttest.InnerMessage(7, []byte("x"))

	// Unknown peer: dropped.
	if err := e.daemon.Recv(peer(1), inner); err != nil {
		t.Fatalf("failed pushing RECV. %v", err)
	}
	select {
	case <-e.recvs:
		t.Fatal("RECV delivered for a peer that never connected")
	case <-time.After(100 * time.Millisecond):
	}

	e.connectPeer(peer(1), 1024)
	if err := e.daemon.Recv(peer(1), inner); err != nil {
		t.Fatalf("failed pushing RECV. %v", err)
	}
	select {
	case <-e.recvs:
	case <-time.After(5 * time.Second):
		t.Fatal("RECV not delivered while connected")
	}

	if err := e.daemon.Disconnect(peer(1)); err != nil {
		t.Fatalf("failed pushing DISCONNECT. %v", err)
	}
	<-e.disconnects
	if err := e.daemon.Recv(peer(1), inner); err != nil {
		t.Fatalf("failed pushing RECV. %v", err)
	}
	select {
	case <-e.recvs:
		t.Fatal("RECV delivered after DISCONNECT")
	case <-time.After(100 * time.Millisecond):
	}

	e.connectPeer(peer(1), 1024)
	if err := e.daemon.Recv(peer(1), inner); err != nil {
		t.Fatalf("failed pushing RECV. %v", err)
	}
	select {
	case <-e.recvs:
	case <-time.After(5 * time.Second):
		t.Fatal("RECV not delivered after reconnect")
	}
}

func TestHandle_ControlFactories(t *testing.T) {
	e := newEnv(t)
	defer e.stop()

	acked := make(chan error, 1)
	if _, err := e.h.TryConnect(peer(3), func(err error) { acked <- err }); err != nil {
		t.Fatalf("failed submitting try-connect. %v", err)
	}
	frame, ok := e.daemon.WaitFrame(wire.RequestConnect, 5*time.Second)
	if !ok {
		t.Fatal("REQUEST_CONNECT never written")
	}
	body, err := wire.UnmarshalRequestConnect(frame.Body)
	if err != nil || body.Peer != peer(3) {
		t.Fatalf("REQUEST_CONNECT body wrong: %+v, %v", body, err)
	}
	select {
	case err := <-acked:
		if err != nil {
			t.Fatalf("try-connect continuation got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("try-connect continuation never fired")
	}

	hello := []byte("another peers hello blob")
	if _, err := e.h.OfferHello(hello, nil); err != nil {
		t.Fatalf("failed submitting offer-hello. %v", err)
	}
	frame, ok = e.daemon.WaitFrame(wire.OfferHello, 5*time.Second)
	if !ok {
		t.Fatal("OFFER_HELLO never written")
	}
	if string(frame.Body) != string(hello) {
		t.Errorf("HELLO blob changed: %q", frame.Body)
	}

	if _, err := e.h.SetTrafficMetric(peer(4), 3, time.Second, 2*time.Second); err != nil {
		t.Fatalf("failed submitting traffic metric. %v", err)
	}
	frame, ok = e.daemon.WaitFrame(wire.TrafficMetric, 5*time.Second)
	if !ok {
		t.Fatal("TRAFFIC_METRIC never written")
	}
	metric, err := wire.UnmarshalTrafficMetric(frame.Body)
	if err != nil {
		t.Fatalf("TRAFFIC_METRIC body undecodable. %v", err)
	}
	if metric.Peer != peer(4) || metric.Properties != 3 || metric.DelayIn != time.Second || metric.DelayOut != 2*time.Second {
		t.Errorf("metric fields changed: %+v", metric)
	}
}

// A continuous peer-state subscription delivers transitions, survives
// a malformed response via teardown-and-resubscribe, and keeps the
// daemon link itself untouched.
func TestHandle_MonitorStream(t *testing.T) {
	e := newEnv(t)
	defer e.stop()

	events := make(chan monitor.Event, 16)
	if _, err := e.h.MonitorPeers(nil, false, func(ev monitor.Event) { events <- ev }); err != nil {
		t.Fatalf("failed subscribing. %v", err)
	}
	if _, ok := e.daemon.WaitFrame(wire.MonitorPeerRequest, 5*time.Second); !ok {
		t.Fatal("MONITOR_PEER_REQUEST never written")
	}

	good, err := wire.MonitorPeerResponseBody{
		Peer:    peer(1),
		State:   wire.Connected,
		Address: []byte("127.0.0.1:1"),
		Plugin:  "tcp",
	}.Marshal()
	if err != nil {
		t.Fatalf("failed marshalling response fixture. %v", err)
	}

	if err := e.daemon.Push(wire.MonitorPeerResponse, good); err != nil {
		t.Fatalf("failed pushing response. %v", err)
	}
	select {
	case ev := <-events:
		if ev.Done || !ev.State.IsConnected() {
			t.Fatalf("expected a connected transition, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription never delivered the transition")
	}

	// A truncated response violates the size invariant: the
	// subscription tears down and re-establishes with backoff.
	if err := e.daemon.Push(wire.MonitorPeerResponse, good[:len(good)-1]); err != nil {
		t.Fatalf("failed pushing malformed response. %v", err)
	}
	select {
	case ev := <-events:
		if !ev.Done || ev.Err == nil {
			t.Fatalf("expected a teardown event, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("malformed response never tore the subscription down")
	}
	if _, ok := e.daemon.WaitFrame(wire.MonitorPeerRequest, 5*time.Second); !ok {
		t.Fatal("subscription never re-established")
	}

	// The revived stream delivers again, and the daemon link itself
	// never reconnected over the episode.
	if err := e.daemon.Push(wire.MonitorPeerResponse, good); err != nil {
		t.Fatalf("failed pushing post-revival response. %v", err)
	}
	select {
	case ev := <-events:
		if ev.Done {
			t.Fatalf("expected a transition after revival, got %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("revived subscription never delivered")
	}
	select {
	case <-e.daemon.Starts:
		t.Error("monitor violation must not reconnect the daemon link")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandle_HelloSubscription(t *testing.T) {
	e := newEnv(t)
	defer e.stop()

	got := make(chan wire.HelloBody, 2)
	e.h.SubscribeHello(func(h wire.HelloBody) { got <- h })

	body := wire.HelloBody{Peer: peer(9), Payload: []byte("addresses")}
	if err := e.daemon.Push(wire.Hello, body.Marshal()); err != nil {
		t.Fatalf("failed pushing HELLO. %v", err)
	}

	select {
	case h := <-got:
		if h.Peer != peer(9) || string(h.Payload) != "addresses" {
			t.Errorf("hello changed: %+v", h)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hello subscriber never fired")
	}

	if hello := e.h.MyHello(); hello == nil || hello.Peer != peer(9) {
		t.Error("my_hello not stored")
	}

	// A late subscriber receives the stored hello immediately.
	late := make(chan wire.HelloBody, 1)
	e.h.SubscribeHello(func(h wire.HelloBody) { late <- h })
	select {
	case <-late:
	case <-time.After(5 * time.Second):
		t.Fatal("late subscriber never received the stored hello")
	}
}

// A CONNECT replaying an existing peer is a protocol violation: the
// neighbours are torn down and the link forced to reconnect.
func TestHandle_DuplicateConnectTearsDown(t *testing.T) {
	e := newEnv(t)
	defer e.stop()

	e.connectPeer(peer(1), 1024)
	if err := e.daemon.Connect(peer(1), 1024); err != nil {
		t.Fatalf("failed pushing duplicate CONNECT. %v", err)
	}

	select {
	case p := <-e.disconnects:
		if p != peer(1) {
			t.Fatalf("teardown surfaced wrong peer %s", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("duplicate CONNECT did not tear the neighbour down")
	}
	if _, ok := e.daemon.WaitStart(5 * time.Second); !ok {
		t.Fatal("link never re-dialed after the violation")
	}
}

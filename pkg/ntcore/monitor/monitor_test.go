package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
	"github.com/jabolina/nt-core/pkg/ntcore/wire"
)

type captureSender struct {
	frames []wire.Frame
	fail   bool
}

func (s *captureSender) SendControl(frame wire.Frame, deadline time.Time) error {
	if s.fail {
		return errors.New("sender down")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func peer(b byte) types.PeerID {
	var id types.PeerID
	id[0] = b
	return id
}

func TestMonitor_SubscribeSendsRequest(t *testing.T) {
	sender := &captureSender{}
	mgr := NewManager(sender, nil)

	target := peer(1)
	sub, err := mgr.Subscribe(PeerKind, &target, false, func(Event) {})
	if err != nil {
		t.Fatalf("failed subscribing. %v", err)
	}
	defer sub.Cancel()

	if len(sender.frames) != 1 {
		t.Fatalf("expected 1 request frame, got %d", len(sender.frames))
	}
	if sender.frames[0].Type != wire.MonitorPeerRequest {
		t.Fatalf("expected MONITOR_PEER_REQUEST, got %s", sender.frames[0].Type)
	}
	req, err := wire.UnmarshalMonitorPeerRequest(sender.frames[0].Body)
	if err != nil {
		t.Fatalf("request body undecodable. %v", err)
	}
	if req.OneShot || req.Peer != target {
		t.Errorf("request fields changed: %+v", req)
	}
}

func TestMonitor_SubscribeFailurePropagates(t *testing.T) {
	mgr := NewManager(&captureSender{fail: true}, nil)
	if _, err := mgr.Subscribe(PeerKind, nil, false, func(Event) {}); err == nil {
		t.Error("expected subscribe failure when the sender is down")
	}
}

// A one-shot subscription delivers the snapshot, then a terminator,
// then tears itself down.
func TestMonitor_OneShotDeliversThenTerminates(t *testing.T) {
	mgr := NewManager(&captureSender{}, nil)

	var events []Event
	if _, err := mgr.Subscribe(PeerKind, nil, true, func(ev Event) {
		events = append(events, ev)
	}); err != nil {
		t.Fatalf("failed subscribing. %v", err)
	}

	mgr.DispatchPeer(wire.MonitorPeerResponseBody{Peer: peer(1), State: wire.Connected})
	mgr.DispatchPeer(wire.MonitorPeerResponseBody{Peer: peer(1), State: wire.DisconnectState})

	if len(events) != 2 {
		t.Fatalf("expected snapshot+terminator only, got %d events", len(events))
	}
	if events[0].Done || events[0].State != wire.Connected {
		t.Errorf("first event should carry the snapshot, got %+v", events[0])
	}
	if !events[1].Done {
		t.Errorf("second event should be the terminator, got %+v", events[1])
	}
}

func TestMonitor_PeerFilter(t *testing.T) {
	mgr := NewManager(&captureSender{}, nil)

	target := peer(1)
	var got []types.PeerID
	sub, err := mgr.Subscribe(PeerKind, &target, false, func(ev Event) {
		if !ev.Done {
			got = append(got, ev.Peer)
		}
	})
	if err != nil {
		t.Fatalf("failed subscribing. %v", err)
	}
	defer sub.Cancel()

	mgr.DispatchPeer(wire.MonitorPeerResponseBody{Peer: peer(1), State: wire.Connected})
	mgr.DispatchPeer(wire.MonitorPeerResponseBody{Peer: peer(2), State: wire.Connected})

	if len(got) != 1 || got[0] != target {
		t.Errorf("filter failed, delivered peers %v", got)
	}
}

// A malformed response tears every same-kind subscription down;
// continuous ones are reported for resubscription with backoff.
func TestMonitor_MalformedTearsDownAndResubscribes(t *testing.T) {
	sender := &captureSender{}
	mgr := NewManager(sender, nil)

	var events []Event
	if _, err := mgr.Subscribe(PeerKind, nil, false, func(ev Event) {
		events = append(events, ev)
	}); err != nil {
		t.Fatalf("failed subscribing. %v", err)
	}

	cause := errors.New("bad frame")
	continuous, delay := mgr.Malformed(PeerKind, cause)
	if len(continuous) != 1 {
		t.Fatalf("expected 1 continuous subscription to revive, got %d", len(continuous))
	}
	if delay <= 0 {
		t.Error("resubscribe delay should apply backoff")
	}
	if len(events) != 1 || !events[0].Done || !errors.Is(events[0].Err, cause) {
		t.Fatalf("teardown event wrong: %+v", events)
	}

	// Torn down: no further delivery.
	mgr.DispatchPeer(wire.MonitorPeerResponseBody{Peer: peer(1), State: wire.Connected})
	if len(events) != 1 {
		t.Fatal("torn-down subscription still receiving")
	}

	if err := mgr.Resubscribe(continuous[0]); err != nil {
		t.Fatalf("failed resubscribing. %v", err)
	}
	if len(sender.frames) != 2 {
		t.Fatalf("resubscribe should send a fresh request, got %d frames", len(sender.frames))
	}
	mgr.DispatchPeer(wire.MonitorPeerResponseBody{Peer: peer(1), State: wire.Connected})
	if len(events) != 2 {
		t.Error("revived subscription not receiving")
	}
}

func TestMonitor_ShutdownDeliversDoneToAll(t *testing.T) {
	mgr := NewManager(&captureSender{}, nil)

	done := 0
	for i := 0; i < 3; i++ {
		if _, err := mgr.Subscribe(ValidationKind, nil, false, func(ev Event) {
			if ev.Done && errors.Is(ev.Err, types.ErrLocalShutdown) {
				done++
			}
		}); err != nil {
			t.Fatalf("failed subscribing. %v", err)
		}
	}
	mgr.Shutdown()
	if done != 3 {
		t.Errorf("expected 3 shutdown terminators, got %d", done)
	}
}

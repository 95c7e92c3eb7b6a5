package loopback

import (
	"errors"
	"testing"
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/plugin"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

func peer(b byte) types.PeerID {
	var id types.PeerID
	id[0] = b
	return id
}

func addr(name string) types.Address {
	return types.Address{Plugin: "loopback", Payload: []byte(name)}
}

type received struct {
	peer    types.PeerID
	payload []byte
}

func envInto(ch chan received, ended chan plugin.Session) plugin.Environment {
	return plugin.Environment{
		Receive: func(p types.PeerID, s plugin.Session, payload []byte) {
			ch <- received{peer: p, payload: payload}
		},
		SessionEnd: func(s plugin.Session) {
			if ended != nil {
				ended <- s
			}
		},
	}
}

func TestLoopback_SendReachesRemoteEnvironment(t *testing.T) {
	aInbox := make(chan received, 4)
	bInbox := make(chan received, 4)
	a := New(peer(1), addr("a"), envInto(aInbox, nil))
	b := New(peer(2), addr("b"), envInto(bInbox, nil))
	defer a.Close()
	defer b.Close()

	sess, err := a.GetSession(peer(2), addr("b"))
	if err != nil {
		t.Fatalf("failed opening session. %v", err)
	}

	contSent := -1
	var contPeer types.PeerID
	n, err := a.Send(sess, []byte("hello over the pipe"), 0, time.Time{}, func(p types.PeerID, sent int) {
		contPeer = p
		contSent = sent
	})
	if err != nil {
		t.Fatalf("failed sending. %v", err)
	}
	if n != len("hello over the pipe") {
		t.Fatalf("short send: %d", n)
	}
	// The continuation has already run by the time Send returns, with
	// the wire byte count and the session's peer.
	if contSent != n || contPeer != peer(2) {
		t.Errorf("continuation reported %d bytes for %s", contSent, contPeer)
	}

	select {
	case got := <-bInbox:
		if got.peer != peer(1) {
			t.Errorf("wrong sender identity %s", got.peer)
		}
		if string(got.payload) != "hello over the pipe" {
			t.Errorf("payload changed: %q", got.payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("remote environment never received the message")
	}
}

func TestLoopback_GetSessionIsIdempotent(t *testing.T) {
	a := New(peer(1), addr("a1"), plugin.Environment{})
	b := New(peer(2), addr("b1"), plugin.Environment{})
	defer a.Close()
	defer b.Close()

	first, err := a.GetSession(peer(2), addr("b1"))
	if err != nil {
		t.Fatalf("failed opening session. %v", err)
	}
	second, err := a.GetSession(peer(2), addr("b1"))
	if err != nil {
		t.Fatalf("failed reopening session. %v", err)
	}
	if first != second {
		t.Error("second acquisition created a duplicate session")
	}
}

func TestLoopback_UnknownAddressUnreachable(t *testing.T) {
	a := New(peer(1), addr("a2"), plugin.Environment{})
	defer a.Close()
	if _, err := a.GetSession(peer(9), addr("nowhere")); !errors.Is(err, types.ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

// Disconnecting a session must notify both environments exactly once.
func TestLoopback_DisconnectEndsBothSides(t *testing.T) {
	aEnded := make(chan plugin.Session, 2)
	bEnded := make(chan plugin.Session, 2)
	a := New(peer(1), addr("a3"), envInto(make(chan received, 1), aEnded))
	b := New(peer(2), addr("b3"), envInto(make(chan received, 1), bEnded))
	defer a.Close()
	defer b.Close()

	if _, err := a.GetSession(peer(2), addr("b3")); err != nil {
		t.Fatalf("failed opening session. %v", err)
	}
	a.Disconnect(peer(2))

	for name, ch := range map[string]chan plugin.Session{"local": aEnded, "remote": bEnded} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s side never observed the session end", name)
		}
	}
}

// A hard send failure still fires the continuation, with size 0.
func TestLoopback_FailedSendFiresContinuation(t *testing.T) {
	a := New(peer(1), addr("a6"), plugin.Environment{})
	b := New(peer(2), addr("b6"), plugin.Environment{})
	defer a.Close()
	defer b.Close()

	sess, err := a.GetSession(peer(2), addr("b6"))
	if err != nil {
		t.Fatalf("failed opening session. %v", err)
	}
	a.Disconnect(peer(2))

	contSent := -1
	n, err := a.Send(sess, []byte("x"), 0, time.Time{}, func(p types.PeerID, sent int) {
		contSent = sent
	})
	if err == nil || n != 0 {
		t.Fatalf("send on a closed session should hard-fail, got n=%d err=%v", n, err)
	}
	if contSent != 0 {
		t.Errorf("continuation reported %d bytes, want 0 on hard failure", contSent)
	}
}

func TestLoopback_AddressHandling(t *testing.T) {
	a := New(peer(1), addr("a4"), plugin.Environment{})
	defer a.Close()

	parsed, err := a.StringToAddress("target")
	if err != nil {
		t.Fatalf("failed parsing address. %v", err)
	}
	text, err := a.AddressToString(parsed)
	if err != nil || text != "target" {
		t.Errorf("address text round trip failed: %q, %v", text, err)
	}
	if _, err := a.StringToAddress(""); err == nil {
		t.Error("empty address text should fail")
	}
	if err := a.CheckAddress(types.Address{Plugin: "loopback"}); err == nil {
		t.Error("empty payload should fail the sanity check")
	}
	if a.GetNetwork(parsed) != plugin.NetworkLoopback {
		t.Error("loopback plugin should classify addresses as loopback")
	}
}

func TestLoopback_DeclaresCompatibleAPIVersion(t *testing.T) {
	a := New(peer(1), addr("a5"), plugin.Environment{})
	defer a.Close()
	if err := plugin.CheckCompatibility(a.APIVersion()); err != nil {
		t.Errorf("shipped plugin incompatible with its own core. %v", err)
	}
}

// Package monitor implements the streaming subscription manager for
// peer-state and validation-state changes: callback-per-transition
// delivery, one-shot or continuous, with continuous subscriptions
// re-established across stream teardowns.
package monitor

import (
	"sync"
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/daemonlink"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
	"github.com/jabolina/nt-core/pkg/ntcore/wire"
)

// Kind distinguishes the two parallel subscription shapes: peer
// connection state and HELLO validation state.
type Kind int

const (
	PeerKind Kind = iota
	ValidationKind
)

// Event is delivered to a subscription's handler once per matching
// response frame. An event with Done set follows each teardown by the
// Manager: after a one-shot subscription's event, on a malformed
// response stream (Err set; a continuous subscription may later be
// resubscribed and then receives further events), and on Shutdown.
// Subscription.Cancel delivers no Done event.
type Event struct {
	Kind    Kind
	Peer    types.PeerID
	State   wire.PeerState
	VState  wire.ValidationState
	Timeout uint64
	Address []byte
	Plugin  string
	Done    bool
	Err     error
}

// Sender enqueues a MONITOR_*_REQUEST control frame with the given
// absolute deadline. The transport handle implements this by pushing
// onto its control queue ahead of any pending data messages.
type Sender interface {
	SendControl(frame wire.Frame, deadline time.Time) error
}

// Subscription is the cancellation handle returned by Manager.Subscribe.
type Subscription struct {
	id      uint64
	kind    Kind
	peer    *types.PeerID
	oneShot bool
	handler func(Event)
	backoff *daemonlink.BackoffPolicy

	mgr    *Manager
	closed bool
}

// Cancel tears down the subscription. No further events are delivered
// to its handler afterward.
func (s *Subscription) Cancel() {
	s.mgr.cancel(s)
}

// Manager tracks every live subscription and routes decoded response
// frames (via DispatchPeer and DispatchValidation) to the ones they
// match. The subscription map and id counter are guarded by mu in every
// method, so Subscribe and Cancel may be called from any goroutine;
// handlers are invoked on the calling goroutine with mu released.
type Manager struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64

	sender Sender
	now    func() time.Time
}

// NewManager creates a Manager that sends request frames through
// sender. now defaults to time.Now if nil.
func NewManager(sender Sender, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{subs: make(map[uint64]*Subscription), sender: sender, now: now}
}

// Subscribe registers a new subscription and sends its initial request
// frame. peer == nil subscribes to every peer.
func (m *Manager) Subscribe(kind Kind, peer *types.PeerID, oneShot bool, handler func(Event)) (*Subscription, error) {
	m.mu.Lock()
	m.nextID++
	sub := &Subscription{
		id:      m.nextID,
		kind:    kind,
		peer:    peer,
		oneShot: oneShot,
		handler: handler,
		backoff: daemonlink.DefaultBackoff(),
		mgr:     m,
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	if err := m.sendRequest(sub); err != nil {
		m.mu.Lock()
		delete(m.subs, sub.id)
		m.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (m *Manager) sendRequest(sub *Subscription) error {
	peer := types.ZeroPeerID
	if sub.peer != nil {
		peer = *sub.peer
	}
	body := wire.MonitorPeerRequestBody{OneShot: sub.oneShot, Peer: peer}.Marshal()
	frameType := wire.MonitorPeerRequest
	if sub.kind == ValidationKind {
		frameType = wire.MonitorValidationRequest
	}
	return m.sender.SendControl(wire.Frame{Type: frameType, Body: body}, m.now().Add(10*time.Second))
}

func (m *Manager) cancel(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(m.subs, sub.id)
}

// DispatchPeer routes a MONITOR_PEER_RESPONSE to every matching
// subscription, tearing down one-shot subscriptions after delivery.
func (m *Manager) DispatchPeer(body wire.MonitorPeerResponseBody) {
	m.dispatch(PeerKind, body.Peer, Event{
		Kind:    PeerKind,
		Peer:    body.Peer,
		State:   body.State,
		Timeout: body.Timeout,
		Address: body.Address,
		Plugin:  body.Plugin,
	})
}

// DispatchValidation routes a MONITOR_VALIDATION_RESPONSE the same way.
func (m *Manager) DispatchValidation(body wire.MonitorValidationResponseBody) {
	m.dispatch(ValidationKind, body.Peer, Event{
		Kind:    ValidationKind,
		Peer:    body.Peer,
		VState:  body.State,
		Timeout: body.Timeout,
		Address: body.Address,
		Plugin:  body.Plugin,
	})
}

func (m *Manager) dispatch(kind Kind, peer types.PeerID, ev Event) {
	m.mu.Lock()
	matched := make([]*Subscription, 0, 1)
	for _, sub := range m.subs {
		if sub.kind != kind {
			continue
		}
		if sub.peer != nil && *sub.peer != peer {
			continue
		}
		matched = append(matched, sub)
	}
	m.mu.Unlock()

	for _, sub := range matched {
		sub.handler(ev)
		if sub.oneShot {
			m.cancel(sub)
			sub.handler(Event{Kind: kind, Peer: peer, Done: true})
		}
	}
}

// Malformed reports a protocol violation on kind's response stream to
// every subscription of that kind: the subscription is torn down, and
// continuous subscriptions are told to wait resubscribeDelay before the
// caller attempts Resubscribe. A malformed frame always tears the
// subscription down first.
func (m *Manager) Malformed(kind Kind, err error) (continuous []*Subscription, resubscribeDelay time.Duration) {
	m.mu.Lock()
	var toClose []*Subscription
	for _, sub := range m.subs {
		if sub.kind == kind {
			toClose = append(toClose, sub)
		}
	}
	m.mu.Unlock()

	var delay time.Duration
	for _, sub := range toClose {
		m.cancel(sub)
		sub.handler(Event{Kind: kind, Done: true, Err: err})
		if !sub.oneShot {
			delay = sub.backoff.Next()
			continuous = append(continuous, sub)
		}
	}
	return continuous, delay
}

// Resubscribe re-registers sub (previously torn down by Malformed) and
// sends a fresh request frame, resetting its backoff on success.
func (m *Manager) Resubscribe(sub *Subscription) error {
	m.mu.Lock()
	sub.closed = false
	m.subs[sub.id] = sub
	m.mu.Unlock()
	if err := m.sendRequest(sub); err != nil {
		m.mu.Lock()
		delete(m.subs, sub.id)
		m.mu.Unlock()
		return err
	}
	sub.backoff.Reset()
	return nil
}

// Shutdown tears down every live subscription, delivering a final Done
// event to each handler. Called when the transport handle itself is
// stopping.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		all = append(all, sub)
	}
	m.mu.Unlock()

	for _, sub := range all {
		m.cancel(sub)
		sub.handler(Event{Kind: sub.kind, Done: true, Err: types.ErrLocalShutdown})
	}
}

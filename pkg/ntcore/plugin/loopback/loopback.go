// Package loopback is an in-process reference plugin built on
// net.Pipe, so a full connect/send/receive/disconnect cycle can be
// exercised without a real socket. It applies no inbound rate limiting. Each session runs a reader goroutine that only produces
// into the environment's Receive callback and never mutates plugin
// state directly.
package loopback

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/plugin"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

// registry lets two independently constructed Plugin instances in the
// same process find each other by advertised address, standing in for
// the out-of-process rendezvous a real wire plugin would do via a
// listening socket.
var registry = struct {
	mu        sync.Mutex
	byAddress map[string]*Plugin
}{byAddress: make(map[string]*Plugin)}

// Plugin is the loopback reference implementation of plugin.Plugin.
type Plugin struct {
	selfPeer types.PeerID
	selfAddr types.Address
	env      plugin.Environment

	mu       sync.Mutex
	sessions map[types.PeerID]*session
}

// New creates a Plugin advertising selfAddr and registers it so other
// in-process Plugin instances can dial it by address.
func New(selfPeer types.PeerID, selfAddr types.Address, env plugin.Environment) *Plugin {
	p := &Plugin{
		selfPeer: selfPeer,
		selfAddr: selfAddr,
		env:      env,
		sessions: make(map[types.PeerID]*session),
	}
	registry.mu.Lock()
	registry.byAddress[selfAddr.String()] = p
	registry.mu.Unlock()
	return p
}

func (p *Plugin) Name() string { return "loopback" }

// APIVersion declares the plugin contract version this implementation
// was built against.
func (p *Plugin) APIVersion() string { return plugin.APIVersion }

// GetSession returns the existing session to peer, or dials it fresh
// over a net.Pipe pair if the target address is a registered loopback
// plugin.
func (p *Plugin) GetSession(peer types.PeerID, addr types.Address) (plugin.Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[peer]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	registry.mu.Lock()
	target, ok := registry.byAddress[addr.String()]
	registry.mu.Unlock()
	if !ok {
		return nil, types.ErrUnreachable
	}

	c1, c2 := net.Pipe()
	local := &session{peer: peer, addr: addr, conn: c1, owner: p}
	remote := &session{peer: p.selfPeer, addr: p.selfAddr, conn: c2, owner: target}

	p.mu.Lock()
	p.sessions[peer] = local
	p.mu.Unlock()
	target.mu.Lock()
	target.sessions[p.selfPeer] = remote
	target.mu.Unlock()

	go local.readLoop()
	go remote.readLoop()

	return local, nil
}

// Send writes payload to sess framed with a 4-byte length prefix, the
// loopback plugin's own private wire format (distinct from and below
// the daemon frame format in package wire). The continuation runs
// synchronously before Send returns, which trivially orders it ahead
// of any later session-end notification.
func (p *Plugin) Send(sess plugin.Session, payload []byte, priority int, deadline time.Time, cont plugin.Continuation) (int, error) {
	s, ok := sess.(*session)
	if !ok {
		if cont != nil {
			cont(types.ZeroPeerID, 0)
		}
		return 0, fmt.Errorf("loopback: session %T not owned by this plugin", sess)
	}
	if !deadline.IsZero() {
		s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := s.conn.Write(header); err != nil {
		if cont != nil {
			cont(s.peer, 0)
		}
		return 0, err
	}
	if len(payload) > 0 {
		if _, err := s.conn.Write(payload); err != nil {
			if cont != nil {
				cont(s.peer, 0)
			}
			return 0, err
		}
	}
	if cont != nil {
		cont(s.peer, len(payload))
	}
	return len(payload), nil
}

func (p *Plugin) Disconnect(peer types.PeerID) {
	p.mu.Lock()
	s, ok := p.sessions[peer]
	p.mu.Unlock()
	if ok {
		s.Disconnect()
	}
}

func (p *Plugin) GetNetwork(addr types.Address) plugin.NetworkKind {
	return plugin.NetworkLoopback
}

func (p *Plugin) AddressToString(addr types.Address) (string, error) {
	return string(addr.Payload), nil
}

func (p *Plugin) StringToAddress(text string) (types.Address, error) {
	if text == "" {
		return types.Address{}, types.ErrInvalidAddress
	}
	return types.Address{Plugin: p.Name(), Payload: []byte(text)}, nil
}

func (p *Plugin) AddressPrettyPrinter(addr types.Address) string {
	return "loopback:" + string(addr.Payload)
}

func (p *Plugin) CheckAddress(addr types.Address) error {
	if len(addr.Payload) == 0 {
		return types.ErrInvalidAddress
	}
	return nil
}

// Close tears down every session this plugin holds and removes it from
// the in-process registry.
func (p *Plugin) Close() {
	registry.mu.Lock()
	delete(registry.byAddress, p.selfAddr.String())
	registry.mu.Unlock()

	p.mu.Lock()
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()
	for _, s := range sessions {
		s.Disconnect()
	}
}

func (p *Plugin) dropSession(peer types.PeerID) {
	p.mu.Lock()
	delete(p.sessions, peer)
	p.mu.Unlock()
}

// session is the loopback plugin's private per-peer state, satisfying
// plugin.Session.
type session struct {
	peer  types.PeerID
	addr  types.Address
	conn  net.Conn
	owner *Plugin

	closeOnce sync.Once
}

func (s *session) Peer() types.PeerID     { return s.peer }
func (s *session) Address() types.Address { return s.addr }

func (s *session) Disconnect() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		s.owner.dropSession(s.peer)
		if s.owner.env.SessionEnd != nil {
			s.owner.env.SessionEnd(s)
		}
	})
}

// readLoop only ever produces into the owning plugin's environment
// callback; it never mutates Plugin state directly, matching the
// single-producer-goroutine discipline the core relies on.
func (s *session) readLoop() {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(s.conn, header); err != nil {
			s.Disconnect()
			return
		}
		n := binary.BigEndian.Uint32(header)
		var body []byte
		if n > 0 {
			body = make([]byte, n)
			if _, err := io.ReadFull(s.conn, body); err != nil {
				s.Disconnect()
				return
			}
		}
		if s.owner.env.Receive != nil {
			s.owner.env.Receive(s.peer, s, body)
		}
	}
}

// Package tcp is a TCP-based reference plugin: address classification,
// pretty-printing, and inbound session bookkeeping for a concrete
// stream protocol, driving a real net.Listener where plugin/loopback
// uses net.Pipe.
package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jabolina/nt-core/internal/config"
	"github.com/jabolina/nt-core/pkg/ntcore/plugin"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

// ErrorNotAdvertiseAddress is returned when binding to a wildcard
// address without an explicit advertise address.
var ErrorNotAdvertiseAddress = errors.New("tcp: local bind address is not advertisable, provide an advertise address")

// sessionQuota is the inbound rate limit applied per session: at most
// quotaBytes may be consumed per quotaWindow before reads are paused.
// Mirrors the per-neighbour outbound token bucket but applied to the
// plugin's own inbound stream.
type sessionQuota struct {
	bytes  uint64
	window time.Duration
}

// Plugin is the TCP reference implementation of plugin.Plugin.
type Plugin struct {
	name      string
	listener  net.Listener
	advertise *net.TCPAddr
	env       plugin.Environment
	dialer    net.Dialer
	quota     sessionQuota

	selfID types.PeerID

	mu       sync.Mutex
	sessions map[types.PeerID]*session
	closed   bool
}

// SetSelf records the identity this plugin announces to peers it
// dials. Must be called once before the first outbound GetSession.
func (p *Plugin) SetSelf(id types.PeerID) {
	p.mu.Lock()
	p.selfID = id
	p.mu.Unlock()
}

// New dials nothing and only binds bindAddr, starting the accept loop.
// If bindAddr resolves to a wildcard IP (e.g. "0.0.0.0:0") an explicit
// advertise address must be supplied, or ErrorNotAdvertiseAddress is
// returned — the address actually handed to remote peers must be
// reachable, not "all interfaces".
func New(bindAddr string, advertise *net.TCPAddr, quotaBytes uint64, quotaWindow time.Duration, env plugin.Environment) (*Plugin, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen %s: %w", bindAddr, err)
	}

	addr := listener.Addr().(*net.TCPAddr)
	if advertise != nil {
		addr = advertise
	} else if addr.IP.IsUnspecified() {
		listener.Close()
		return nil, ErrorNotAdvertiseAddress
	}

	p := &Plugin{
		name:      "tcp",
		listener:  listener,
		advertise: addr,
		env:       env,
		quota:     sessionQuota{bytes: quotaBytes, window: quotaWindow},
		sessions:  make(map[types.PeerID]*session),
	}
	go p.acceptLoop()
	return p, nil
}

// NewWithConfiguration builds the plugin from the closed configuration
// record: PORT/BINDTO choose the listen address, RATELIMIT seeds each
// session's inbound quota.
func NewWithConfiguration(cfg config.Configuration, advertise *net.TCPAddr, env plugin.Environment) (*Plugin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bind := net.JoinHostPort(cfg.BindTo, strconv.Itoa(int(cfg.Port)))
	return New(bind, advertise, cfg.RateLimit, cfg.RateLimitWindow, env)
}

// APIVersion declares the plugin contract version this implementation
// was built against.
func (p *Plugin) APIVersion() string { return plugin.APIVersion }

// LocalAddress returns the host:port this plugin advertises to peers.
func (p *Plugin) LocalAddress() string {
	return p.advertise.String()
}

func (p *Plugin) Name() string { return p.name }

func (p *Plugin) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.handleInbound(conn)
	}
}

// handleInbound performs the minimal handshake of reading the remote's
// peer id as the first 32 bytes of the stream, then registers the
// session and starts its own reader. A real daemon would exchange a
// START frame here; this plugin sits below that layer and only owns
// session bookkeeping.
func (p *Plugin) handleInbound(conn net.Conn) {
	var idBuf [32]byte
	if _, err := io.ReadFull(conn, idBuf[:]); err != nil {
		conn.Close()
		return
	}
	peer, err := types.PeerIDFromBytes(idBuf[:])
	if err != nil {
		conn.Close()
		return
	}
	addr := addressFromConn(conn.RemoteAddr())
	s := newSession(peer, addr, conn, p)
	p.mu.Lock()
	p.sessions[peer] = s
	p.mu.Unlock()
	go s.readLoop()
}

// GetSession returns the existing session to peer, or dials addr fresh.
func (p *Plugin) GetSession(peer types.PeerID, addr types.Address) (plugin.Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[peer]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	host, err := p.StringToAddress(string(addr.Payload))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := p.dialer.DialContext(ctx, "tcp", string(host.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", types.ErrUnreachable, host.Payload, err)
	}

	p.mu.Lock()
	selfID := p.selfID
	p.mu.Unlock()
	if _, err := conn.Write(selfID[:]); err != nil {
		conn.Close()
		return nil, err
	}

	s := newSession(peer, addr, conn, p)
	p.mu.Lock()
	p.sessions[peer] = s
	p.mu.Unlock()
	go s.readLoop()
	return s, nil
}

// Send frames payload with a 4-byte length prefix and writes it to the
// session's connection. The continuation runs synchronously before
// Send returns, so it always precedes any session-end notification
// for the peer.
func (p *Plugin) Send(sess plugin.Session, payload []byte, priority int, deadline time.Time, cont plugin.Continuation) (int, error) {
	s, ok := sess.(*session)
	if !ok {
		if cont != nil {
			cont(types.ZeroPeerID, 0)
		}
		return 0, fmt.Errorf("tcp: session %T not owned by this plugin", sess)
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

// GetNetwork classifies addr using standard loopback/RFC1918 checks.
func (p *Plugin) GetNetwork(addr types.Address) plugin.NetworkKind {
	host, _, err := net.SplitHostPort(string(addr.Payload))
	if err != nil {
		host = string(addr.Payload)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return plugin.NetworkUnspecified
	}
	if ip.IsLoopback() {
		return plugin.NetworkLoopback
	}
	if isPrivateRFC1918(ip) {
		return plugin.NetworkLAN
	}
	return plugin.NetworkWAN
}

func isPrivateRFC1918(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return ip.IsPrivate()
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	default:
		return false
	}
}

func (p *Plugin) AddressToString(addr types.Address) (string, error) {
	return string(addr.Payload), nil
}

func (p *Plugin) StringToAddress(text string) (types.Address, error) {
	if _, _, err := net.SplitHostPort(text); err != nil {
		return types.Address{}, fmt.Errorf("%w: %v", types.ErrInvalidAddress, err)
	}
	return types.Address{Plugin: p.Name(), Payload: []byte(text)}, nil
}

// AddressPrettyPrinter performs a best-effort reverse DNS lookup;
// callers must not invoke this from a latency-sensitive loop.
func (p *Plugin) AddressPrettyPrinter(addr types.Address) string {
	host, port, err := net.SplitHostPort(string(addr.Payload))
	if err != nil {
		return string(addr.Payload)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, host)
	if err != nil || len(names) == 0 {
		return string(addr.Payload)
	}
	return strings.TrimSuffix(names[0], ".") + ":" + port
}

func (p *Plugin) CheckAddress(addr types.Address) error {
	_, port, err := net.SplitHostPort(string(addr.Payload))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidAddress, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("%w: bad port %q", types.ErrInvalidAddress, port)
	}
	return nil
}

func (p *Plugin) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	p.listener.Close()
	for _, s := range sessions {
		s.Disconnect()
	}
}

func (p *Plugin) dropSession(peer types.PeerID) {
	p.mu.Lock()
	delete(p.sessions, peer)
	p.mu.Unlock()
}

func addressFromConn(addr net.Addr) types.Address {
	return types.Address{Plugin: "tcp", Payload: []byte(addr.String())}
}

// session is the TCP plugin's private per-peer state: the connection
// plus the inbound token bucket gating how fast this session's reader
// drains the socket.
type session struct {
	peer  types.PeerID
	addr  types.Address
	conn  net.Conn
	owner *Plugin

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	closeOnce  sync.Once
}

func newSession(peer types.PeerID, addr types.Address, conn net.Conn, owner *Plugin) *session {
	return &session{
		peer:       peer,
		addr:       addr,
		conn:       conn,
		owner:      owner,
		tokens:     float64(owner.quota.bytes),
		lastRefill: time.Now(),
	}
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

// throttle blocks until n bytes' worth of inbound quota is available,
// refilling lazily the same way bwtracker.Tracker does for outbound
// traffic.
func (s *session) throttle(n int) {
	if s.owner.quota.bytes == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(s.lastRefill)
	if elapsed > 0 && s.owner.quota.window > 0 {
		s.tokens += float64(s.owner.quota.bytes) * (float64(elapsed) / float64(s.owner.quota.window))
		if ceiling := float64(s.owner.quota.bytes); s.tokens > ceiling {
			s.tokens = ceiling
		}
		s.lastRefill = now
	}
	if s.tokens < float64(n) {
		deficit := float64(n) - s.tokens
		wait := time.Duration(deficit / float64(s.owner.quota.bytes) * float64(s.owner.quota.window))
		s.mu.Unlock()
		time.Sleep(wait)
		s.mu.Lock()
		s.tokens = 0
		s.lastRefill = time.Now()
		return
	}
	s.tokens -= float64(n)
}

func (s *session) readLoop() {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(s.conn, header); err != nil {
			s.Disconnect()
			return
		}
		n := binary.BigEndian.Uint32(header)
		s.throttle(int(n))
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

// Package daemonlink implements the client-side single-connection
// reactor against the transport daemon: connect, frame I/O, and
// reconnect with exponential backoff.
package daemonlink

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/prometheus/common/log"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
	"github.com/jabolina/nt-core/pkg/ntcore/wire"
)

// Dialer abstracts establishing the client socket to the daemon, so
// tests can substitute an in-memory net.Pipe or a flaky fake without a
// real listener.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (net.Conn, error) {
	return f(ctx)
}

// BackoffPolicy computes the exponential backoff applied between
// reconnect attempts, multiplying by Factor up to Cap.
type BackoffPolicy struct {
	Initial time.Duration
	Factor  float64
	Cap     time.Duration

	current time.Duration
}

// DefaultBackoff returns the policy used when none is supplied: 100ms
// initial, factor 2, capped at 30s.
func DefaultBackoff() *BackoffPolicy {
	return &BackoffPolicy{Initial: 100 * time.Millisecond, Factor: 2, Cap: 30 * time.Second}
}

// Next returns the delay to use for the next reconnect attempt and
// advances the internal state toward the cap.
func (b *BackoffPolicy) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	delay := b.current
	next := time.Duration(float64(b.current) * b.Factor)
	if next > b.Cap {
		next = b.Cap
	}
	b.current = next
	return delay
}

// Reset collapses the backoff back to its initial value, called after a
// successful reconnect.
func (b *BackoffPolicy) Reset() {
	b.current = 0
}

// Current reports the delay that would be used by the next Next() call,
// without advancing state. Useful for asserting monotonic non-decrease.
func (b *BackoffPolicy) Current() time.Duration {
	if b.current == 0 {
		return b.Initial
	}
	return b.current
}

// Events delivered to the owner (demultiplexer/handle) from the link:
// a decoded inbound frame, a connection-lifecycle error (the link is
// reconnecting), or Connected, signalling a fresh connection after the
// START handshake so the owner can flush anything queued while the
// link was down.
type FrameEvent struct {
	Frame     wire.Frame
	Err       error
	Connected bool
}

// writeRequest hands a filled buffer to the connection goroutine and
// reports the write outcome on done. The caller (Write) blocks on done,
// so from the owner's point of view this is an ordinary synchronous
// call; the buffer itself was already built by the scheduler before
// Write was invoked.
type writeRequest struct {
	buf  []byte
	done chan<- error
}

// Link is the client-side reactor: it owns the socket, reconnects with
// backoff on any framing error or peer drop, and exposes frame delivery
// via a channel the owner's single event loop selects on.
type Link struct {
	dialer  Dialer
	backoff *BackoffPolicy
	log     types.Logger
	invoker types.Invoker

	self    types.PeerID
	options uint32

	frames  chan FrameEvent
	writes  chan writeRequest
	connErr chan error

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards conn: the reconnect goroutine installs and clears it,
	// while Write/Connected/Drop/Close consult it from the owner's
	// event loop.
	mu   sync.Mutex
	conn net.Conn
}

func (l *Link) setConn(c net.Conn) {
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
}

func (l *Link) current() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Config bundles the parameters needed to create a Link.
type Config struct {
	Dialer  Dialer
	Backoff *BackoffPolicy
	Logger  types.Logger
	Invoker types.Invoker
	Self    types.PeerID
	Options uint32
}

// New creates a Link. The caller must call Run to start the reconnect
// loop.
func New(cfg Config) *Link {
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		dialer:  cfg.Dialer,
		backoff: backoff,
		log:     cfg.Logger,
		invoker: cfg.Invoker,
		self:    cfg.Self,
		options: cfg.Options,
		frames:  make(chan FrameEvent, 64),
		writes:  make(chan writeRequest),
		connErr: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Frames returns the channel the owner reads decoded inbound frames
// from (or connection-lifecycle errors, which signal "reconnecting").
func (l *Link) Frames() <-chan FrameEvent {
	return l.frames
}

// Run starts the reconnect loop. It blocks until the Link is closed, so
// callers spawn it via their Invoker.
func (l *Link) Run() {
	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}
		if err := l.connectOnce(); err != nil {
			l.log.Warnf("daemon link connect failed: %v", err)
		}
		delay := l.backoff.Next()
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectOnce dials, performs the START handshake, and services the
// connection until it breaks, returning the terminal error (if any).
func (l *Link) connectOnce() error {
	log.Infof("daemon link dialing")
	conn, err := l.dialer.Dial(l.ctx)
	if err != nil {
		log.Errorf("daemon link dial failed: %v", err)
		return fmt.Errorf("dial: %w", err)
	}
	l.setConn(conn)
	defer func() {
		conn.Close()
		l.setConn(nil)
	}()

	start := wire.StartBody{Options: l.options, Self: l.self}
	frame, err := wire.Encode(wire.Start, start.Marshal())
	if err != nil {
		return fmt.Errorf("encode START: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write START: %w", err)
	}

	l.backoff.Reset()
	l.log.Infof("daemon link connected, backoff reset")
	select {
	case l.frames <- FrameEvent{Connected: true}:
	case <-l.ctx.Done():
		return nil
	}

	readErrCh := make(chan error, 1)
	l.invoker.Spawn(func() { readErrCh <- l.readLoop(conn) })

	for {
		select {
		case <-l.ctx.Done():
			return nil
		case err := <-readErrCh:
			if err == nil {
				return nil
			}
			l.frames <- FrameEvent{Err: fmt.Errorf("%w: %v", types.ErrProtocolViolation, err)}
			return err
		case req := <-l.writes:
			_, werr := conn.Write(req.buf)
			req.done <- werr
			if werr != nil {
				l.frames <- FrameEvent{Err: fmt.Errorf("%w: write failed: %v", types.ErrProtocolViolation, werr)}
				return werr
			}
		}
	}
}

// readLoop decodes frames off conn until it errors or the header is
// malformed, pushing each onto l.frames.
func (l *Link) readLoop(conn net.Conn) error {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return err
		}
		size, _, err := wire.DecodeHeader(header)
		if err != nil {
			return err
		}
		body := make([]byte, int(size)-4)
		if len(body) > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return err
			}
		}
		full := append(append([]byte(nil), header...), body...)
		frame, err := wire.Decode(full)
		if err != nil {
			return err
		}
		select {
		case l.frames <- FrameEvent{Frame: frame}:
		case <-l.ctx.Done():
			return nil
		}
	}
}

// Write hands buf to the active connection's writer goroutine and
// blocks until it has been written (or the attempt failed). Returns an
// error immediately if no connection is currently established, which
// the caller should treat as "not ready yet, reconnect pending" rather
// than a protocol violation.
//
// Write is synchronous from the caller's perspective: the scheduler's
// single event-loop goroutine calls it directly, and by the time it
// returns the buffer has either reached the socket or the attempt has
// failed outright. No additional locking is required because the
// buffer was already built by the caller before this call began.
func (l *Link) Write(buf []byte) error {
	if l.current() == nil {
		return fmt.Errorf("daemon link: not connected")
	}
	done := make(chan error, 1)
	select {
	case l.writes <- writeRequest{buf: buf, done: done}:
	case <-l.ctx.Done():
		return context.Canceled
	}
	select {
	case err := <-done:
		return err
	case <-l.ctx.Done():
		return context.Canceled
	}
}

// Drop force-closes the current connection, if any. The reconnect loop
// observes the broken socket and re-establishes after backoff. The
// owner calls this when it detects a protocol violation at dispatch
// level, where the frame decoded cleanly but its content was
// inconsistent.
func (l *Link) Drop() {
	if c := l.current(); c != nil {
		c.Close()
	}
}

// Connected reports whether the link currently has an active
// connection.
func (l *Link) Connected() bool {
	return l.current() != nil
}

// Close tears down the link permanently.
func (l *Link) Close() {
	l.cancel()
	if c := l.current(); c != nil {
		c.Close()
	}
}

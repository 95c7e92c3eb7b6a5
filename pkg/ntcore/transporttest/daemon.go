package transporttest

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/daemonlink"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
	"github.com/jabolina/nt-core/pkg/ntcore/wire"
)

// Daemon is an in-process stand-in for the transport daemon, speaking
// the real wire format over a net.Pipe. Tests drive it directly:
// inject CONNECT/RECV/SEND_OK frames toward the client and observe the
// frames the client writes back.
type Daemon struct {
	mu   sync.Mutex
	conn net.Conn

	// Starts receives every decoded START handshake, one per (re)dial.
	Starts chan wire.StartBody

	// Frames receives every other frame the client writes.
	Frames chan wire.Frame
}

// NewDaemon creates a Daemon with generous channel buffers so tests
// never deadlock between injecting and observing.
func NewDaemon() *Daemon {
	return &Daemon{
		Starts: make(chan wire.StartBody, 8),
		Frames: make(chan wire.Frame, 256),
	}
}

// Dialer returns the daemonlink.Dialer a handle under test should use.
// Every dial creates a fresh pipe; the previous connection, if any, is
// closed first, so a reconnect looks exactly like the real thing.
func (d *Daemon) Dialer() daemonlink.Dialer {
	return daemonlink.DialerFunc(func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		d.mu.Lock()
		if d.conn != nil {
			d.conn.Close()
		}
		d.conn = server
		d.mu.Unlock()
		go d.serve(server)
		return client, nil
	})
}

func (d *Daemon) serve(conn net.Conn) {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		size, _, err := wire.DecodeHeader(header)
		if err != nil {
			return
		}
		body := make([]byte, int(size)-4)
		if len(body) > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}
		frame, err := wire.Decode(append(append([]byte(nil), header...), body...))
		if err != nil {
			return
		}
		if frame.Type == wire.Start {
			if start, serr := wire.UnmarshalStart(frame.Body); serr == nil {
				d.Starts <- start
			}
			continue
		}
		d.Frames <- frame
	}
}

// Push writes one encoded frame toward the connected client.
func (d *Daemon) Push(t wire.FrameType, body []byte) error {
	encoded, err := wire.Encode(t, body)
	if err != nil {
		return err
	}
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transporttest: no client connected")
	}
	_, err = conn.Write(encoded)
	return err
}

// Drop closes the current connection, simulating a daemon crash. The
// client's link is expected to reconnect with backoff.
func (d *Daemon) Drop() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Connect announces peer as a new neighbour with the given outbound
// quota (bytes/s).
func (d *Daemon) Connect(peer types.PeerID, quota uint32) error {
	return d.Push(wire.Connect, wire.ConnectBody{Peer: peer, QuotaOut: quota}.Marshal())
}

// Disconnect announces that peer is gone.
func (d *Daemon) Disconnect(peer types.PeerID) error {
	return d.Push(wire.Disconnect, wire.DisconnectBody{Peer: peer}.Marshal())
}

// SendOK acknowledges the client's last SEND for peer with the given
// logical and physical byte counts.
func (d *Daemon) SendOK(peer types.PeerID, success bool, bytesMsg, bytesPhysical uint32) error {
	body := wire.SendOKBody{Success: success, BytesMsg: bytesMsg, BytesPhysical: bytesPhysical, Peer: peer}
	return d.Push(wire.SendOK, body.Marshal())
}

// Recv delivers an inbound inner message from peer. inner must already
// carry its own {size, type} header (see InnerMessage).
func (d *Daemon) Recv(peer types.PeerID, inner []byte) error {
	return d.Push(wire.Recv, wire.RecvBody{Peer: peer}.Marshal(inner))
}

// SetQuota updates peer's outbound quota.
func (d *Daemon) SetQuota(peer types.PeerID, quota uint32) error {
	return d.Push(wire.SetQuota, wire.SetQuotaBody{Peer: peer, QuotaOut: quota}.Marshal())
}

// WaitStart blocks until the next START handshake or the timeout.
func (d *Daemon) WaitStart(timeout time.Duration) (wire.StartBody, bool) {
	select {
	case s := <-d.Starts:
		return s, true
	case <-time.After(timeout):
		return wire.StartBody{}, false
	}
}

// WaitFrame blocks until the client writes a frame of type t,
// discarding frames of other types, or the timeout expires.
func (d *Daemon) WaitFrame(t wire.FrameType, timeout time.Duration) (wire.Frame, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-d.Frames:
			if f.Type == t {
				return f, true
			}
		case <-deadline:
			return wire.Frame{}, false
		}
	}
}

// InnerMessage frames an application payload with its own {u16 size;
// u16 type} header, the shape the demultiplexer expects embedded in a
// RECV frame.
func InnerMessage(msgType uint16, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	wire.PutHeader(buf, len(buf), wire.FrameType(msgType))
	copy(buf[4:], payload)
	return buf
}

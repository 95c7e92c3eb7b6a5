package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

// PeerState enumerates the observable peer connection state machine.
type PeerState uint32

const (
	NotConnected PeerState = iota
	InitATS
	ConnectSent
	ConnectRecvATS
	ConnectRecvAck
	Connected
	ReconnectATS
	ReconnectSent
	ConnectedSwitchingConnectSent
	DisconnectState
	DisconnectFinished
)

func (s PeerState) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case InitATS:
		return "INIT_ATS"
	case ConnectSent:
		return "CONNECT_SENT"
	case ConnectRecvATS:
		return "CONNECT_RECV_ATS"
	case ConnectRecvAck:
		return "CONNECT_RECV_ACK"
	case Connected:
		return "CONNECTED"
	case ReconnectATS:
		return "RECONNECT_ATS"
	case ReconnectSent:
		return "RECONNECT_SENT"
	case ConnectedSwitchingConnectSent:
		return "CONNECTED_SWITCHING_CONNECT_SENT"
	case DisconnectState:
		return "DISCONNECT"
	case DisconnectFinished:
		return "DISCONNECT_FINISHED"
	default:
		return fmt.Sprintf("UNKNOWN_PEER_STATE(%d)", uint32(s))
	}
}

// IsConnected reports whether this state is one of the four states
// defined as "connected".
func (s PeerState) IsConnected() bool {
	switch s {
	case Connected, ReconnectATS, ReconnectSent, ConnectedSwitchingConnectSent:
		return true
	default:
		return false
	}
}

// ValidationState enumerates the HELLO validation state machine.
type ValidationState uint32

const (
	ValidationNone ValidationState = iota
	ValidationNew
	ValidationRemove
	ValidationTimeout
	ValidationUpdate
)

func (s ValidationState) String() string {
	switch s {
	case ValidationNone:
		return "NONE"
	case ValidationNew:
		return "NEW"
	case ValidationRemove:
		return "REMOVE"
	case ValidationTimeout:
		return "TIMEOUT"
	case ValidationUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("UNKNOWN_VALIDATION_STATE(%d)", uint32(s))
	}
}

// MonitorPeerResponseBody carries a variable-length address payload of
// the form [fixed header][addr_bytes of length alen][plugin_name of
// length tlen, null-terminated], with the invariants:
//
//	size == header + tlen + alen
//	tlen > 0 iff alen > 0
//	plugin_name[tlen-1] == '\0'
type MonitorPeerResponseBody struct {
	Peer      types.PeerID
	State     PeerState
	Timeout   uint64 // microseconds, absolute
	Address   []byte // alen bytes, plugin-specific
	Plugin    string // tlen-1 bytes, null terminator stripped on decode
}

const monitorFixedHeader = peerIDSize + 4 + 8 + 2 + 2 // peer, state, timeout, alen, tlen

func (b MonitorPeerResponseBody) Marshal() ([]byte, error) {
	alen := len(b.Address)
	tlen := 0
	if alen > 0 {
		tlen = len(b.Plugin) + 1
	}
	if alen == 0 && len(b.Plugin) > 0 {
		return nil, fmt.Errorf("%w: monitor response has plugin name but no address", types.ErrProtocolViolation)
	}
	buf := make([]byte, monitorFixedHeader+alen+tlen)
	off := 0
	putPeerID(buf[off:off+peerIDSize], b.Peer)
	off += peerIDSize
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(b.State))
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], b.Timeout)
	off += 8
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(alen))
	off += 2
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(tlen))
	off += 2
	copy(buf[off:off+alen], b.Address)
	off += alen
	if tlen > 0 {
		copy(buf[off:off+tlen-1], b.Plugin)
		buf[off+tlen-1] = 0
	}
	return buf, nil
}

// UnmarshalMonitorPeerResponse decodes the body and validates every
// declared-length invariant, returning types.ErrProtocolViolation on
// any violation so the caller tears down the subscription.
func UnmarshalMonitorPeerResponse(body []byte) (MonitorPeerResponseBody, error) {
	if len(body) < monitorFixedHeader {
		return MonitorPeerResponseBody{}, fmt.Errorf("%w: monitor response truncated before fixed header", types.ErrProtocolViolation)
	}
	off := 0
	peer, err := getPeerID(body[off : off+peerIDSize])
	if err != nil {
		return MonitorPeerResponseBody{}, fmt.Errorf("%w: monitor response peer id: %v", types.ErrProtocolViolation, err)
	}
	off += peerIDSize
	state := PeerState(binary.BigEndian.Uint32(body[off : off+4]))
	off += 4
	timeout := binary.BigEndian.Uint64(body[off : off+8])
	off += 8
	alen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	tlen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2

	if len(body) != monitorFixedHeader+alen+tlen {
		return MonitorPeerResponseBody{}, fmt.Errorf("%w: monitor response size mismatch: header+tlen+alen != size", types.ErrProtocolViolation)
	}
	if (tlen > 0) != (alen > 0) {
		return MonitorPeerResponseBody{}, fmt.Errorf("%w: monitor response violates tlen>0 iff alen>0", types.ErrProtocolViolation)
	}

	addr := body[off : off+alen]
	off += alen
	pluginRaw := body[off : off+tlen]

	var plugin string
	if tlen > 0 {
		if pluginRaw[tlen-1] != 0 {
			return MonitorPeerResponseBody{}, fmt.Errorf("%w: monitor response plugin name not null-terminated", types.ErrProtocolViolation)
		}
		plugin = string(pluginRaw[:tlen-1])
	}

	return MonitorPeerResponseBody{
		Peer:    peer,
		State:   state,
		Timeout: timeout,
		Address: append([]byte(nil), addr...),
		Plugin:  plugin,
	}, nil
}

// MonitorValidationResponseBody mirrors MonitorPeerResponseBody but
// carries a validation state instead of a connection state.
type MonitorValidationResponseBody struct {
	Peer    types.PeerID
	State   ValidationState
	Timeout uint64
	Address []byte
	Plugin  string
}

func (b MonitorValidationResponseBody) Marshal() ([]byte, error) {
	peer := MonitorPeerResponseBody{
		Peer:    b.Peer,
		State:   PeerState(b.State),
		Timeout: b.Timeout,
		Address: b.Address,
		Plugin:  b.Plugin,
	}
	return peer.Marshal()
}

func UnmarshalMonitorValidationResponse(body []byte) (MonitorValidationResponseBody, error) {
	peer, err := UnmarshalMonitorPeerResponse(body)
	if err != nil {
		return MonitorValidationResponseBody{}, err
	}
	return MonitorValidationResponseBody{
		Peer:    peer.Peer,
		State:   ValidationState(peer.State),
		Timeout: peer.Timeout,
		Address: peer.Address,
		Plugin:  peer.Plugin,
	}, nil
}

// HelloBody is treated as an opaque blob by the core; only the
// advertising peer id is decoded (via a fixed leading peer_id), the
// remainder is passed through untouched.
type HelloBody struct {
	Peer    types.PeerID
	Payload []byte
}

func UnmarshalHello(body []byte) (HelloBody, error) {
	if len(body) < peerIDSize {
		return HelloBody{}, fmt.Errorf("%w: HELLO body shorter than a peer id", types.ErrProtocolViolation)
	}
	peer, err := getPeerID(body[:peerIDSize])
	if err != nil {
		return HelloBody{}, fmt.Errorf("%w: HELLO peer id: %v", types.ErrProtocolViolation, err)
	}
	return HelloBody{
		Peer:    peer,
		Payload: append([]byte(nil), body[peerIDSize:]...),
	}, nil
}

func (b HelloBody) Marshal() []byte {
	buf := make([]byte, peerIDSize+len(b.Payload))
	putPeerID(buf, b.Peer)
	copy(buf[peerIDSize:], b.Payload)
	return buf
}

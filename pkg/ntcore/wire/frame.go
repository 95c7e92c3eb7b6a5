// Package wire implements the daemon frame codec: every frame begins
// with a {u16 size; u16 type} header, all multi-byte integers
// big-endian, time values encoded as u64 big-endian microsecond counts
// except the SEND deadline, which is a u64 Unix time in nanoseconds.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

// FrameType identifies a daemon wire frame.
type FrameType uint16

const (
	Start FrameType = iota + 1
	Hello
	Connect
	Disconnect
	Send
	SendOK
	Recv
	SetQuota
	RequestConnect
	OfferHello
	TrafficMetric
	MonitorPeerRequest
	MonitorPeerResponse
	MonitorValidationRequest
	MonitorValidationResponse
)

func (t FrameType) String() string {
	switch t {
	case Start:
		return "START"
	case Hello:
		return "HELLO"
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case Send:
		return "SEND"
	case SendOK:
		return "SEND_OK"
	case Recv:
		return "RECV"
	case SetQuota:
		return "SET_QUOTA"
	case RequestConnect:
		return "REQUEST_CONNECT"
	case OfferHello:
		return "OFFER_HELLO"
	case TrafficMetric:
		return "TRAFFIC_METRIC"
	case MonitorPeerRequest:
		return "MONITOR_PEER_REQUEST"
	case MonitorPeerResponse:
		return "MONITOR_PEER_RESPONSE"
	case MonitorValidationRequest:
		return "MONITOR_VALIDATION_REQUEST"
	case MonitorValidationResponse:
		return "MONITOR_VALIDATION_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// headerSize is the {u16 size; u16 type} frame header.
const headerSize = 4

// Frame is a decoded daemon frame: the type and the body bytes after the
// header (not including the header itself).
type Frame struct {
	Type FrameType
	Body []byte
}

// Encode renders a frame to its wire form, prefixing the {u16 size; u16
// type} header. size covers the whole frame including the header.
func Encode(t FrameType, body []byte) ([]byte, error) {
	total := headerSize + len(body)
	if total > 0xffff {
		return nil, fmt.Errorf("%w: frame body too large (%d bytes)", types.ErrProtocolViolation, len(body))
	}
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	binary.BigEndian.PutUint16(buf[2:4], uint16(t))
	copy(buf[4:], body)
	return buf, nil
}

// PutHeader writes the {u16 size; u16 type} header into buf[0:4]
// without touching the body bytes, for callers that assemble a frame
// in place inside a larger write window.
func PutHeader(buf []byte, total int, t FrameType) error {
	if total > 0xffff {
		return fmt.Errorf("%w: frame too large (%d bytes)", types.ErrProtocolViolation, total)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(total))
	binary.BigEndian.PutUint16(buf[2:4], uint16(t))
	return nil
}

// DecodeHeader reads the {size, type} header from the front of buf.
// buf must be at least headerSize bytes.
func DecodeHeader(buf []byte) (size uint16, t FrameType, err error) {
	if len(buf) < headerSize {
		return 0, 0, fmt.Errorf("%w: frame header truncated", types.ErrProtocolViolation)
	}
	size = binary.BigEndian.Uint16(buf[0:2])
	t = FrameType(binary.BigEndian.Uint16(buf[2:4]))
	if int(size) < headerSize {
		return 0, 0, fmt.Errorf("%w: frame declares size %d smaller than header", types.ErrProtocolViolation, size)
	}
	return size, t, nil
}

// Decode parses a complete frame (header + body) out of buf. buf must
// contain exactly one frame.
func Decode(buf []byte) (Frame, error) {
	size, t, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	if int(size) != len(buf) {
		return Frame{}, fmt.Errorf("%w: frame declares size %d but buffer has %d bytes", types.ErrProtocolViolation, size, len(buf))
	}
	return Frame{Type: t, Body: buf[headerSize:]}, nil
}

func putPeerID(buf []byte, id types.PeerID) {
	copy(buf, id[:])
}

func getPeerID(buf []byte) (types.PeerID, error) {
	return types.PeerIDFromBytes(buf)
}

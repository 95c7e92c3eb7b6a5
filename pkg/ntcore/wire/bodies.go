package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

const peerIDSize = 32

// StartOptions bits for the START frame.
const (
	StartOptionSelfIdentityCheck uint32 = 1 << 0
	StartOptionDeliverInbound    uint32 = 1 << 1
)

// StartBody is the client->daemon START frame body:
// {u32 options; peer_id self}.
type StartBody struct {
	Options uint32
	Self    types.PeerID
}

func (b StartBody) Marshal() []byte {
	buf := make([]byte, 4+peerIDSize)
	binary.BigEndian.PutUint32(buf[0:4], b.Options)
	putPeerID(buf[4:], b.Self)
	return buf
}

func UnmarshalStart(body []byte) (StartBody, error) {
	if len(body) != 4+peerIDSize {
		return StartBody{}, fmt.Errorf("%w: START body has wrong length %d", types.ErrProtocolViolation, len(body))
	}
	self, err := getPeerID(body[4:])
	if err != nil {
		return StartBody{}, fmt.Errorf("%w: START peer id: %v", types.ErrProtocolViolation, err)
	}
	return StartBody{
		Options: binary.BigEndian.Uint32(body[0:4]),
		Self:    self,
	}, nil
}

// ConnectBody is the daemon->client CONNECT frame body:
// {peer_id; u32 quota_out}.
type ConnectBody struct {
	Peer     types.PeerID
	QuotaOut uint32
}

func UnmarshalConnect(body []byte) (ConnectBody, error) {
	if len(body) != peerIDSize+4 {
		return ConnectBody{}, fmt.Errorf("%w: CONNECT body has wrong length %d", types.ErrProtocolViolation, len(body))
	}
	peer, err := getPeerID(body[:peerIDSize])
	if err != nil {
		return ConnectBody{}, fmt.Errorf("%w: CONNECT peer id: %v", types.ErrProtocolViolation, err)
	}
	return ConnectBody{
		Peer:     peer,
		QuotaOut: binary.BigEndian.Uint32(body[peerIDSize:]),
	}, nil
}

func (b ConnectBody) Marshal() []byte {
	buf := make([]byte, peerIDSize+4)
	putPeerID(buf, b.Peer)
	binary.BigEndian.PutUint32(buf[peerIDSize:], b.QuotaOut)
	return buf
}

// DisconnectBody is the daemon->client DISCONNECT frame body:
// {u32 reserved=0; peer_id}.
type DisconnectBody struct {
	Peer types.PeerID
}

func UnmarshalDisconnect(body []byte) (DisconnectBody, error) {
	if len(body) != 4+peerIDSize {
		return DisconnectBody{}, fmt.Errorf("%w: DISCONNECT body has wrong length %d", types.ErrProtocolViolation, len(body))
	}
	peer, err := getPeerID(body[4:])
	if err != nil {
		return DisconnectBody{}, fmt.Errorf("%w: DISCONNECT peer id: %v", types.ErrProtocolViolation, err)
	}
	return DisconnectBody{Peer: peer}, nil
}

func (b DisconnectBody) Marshal() []byte {
	buf := make([]byte, 4+peerIDSize)
	putPeerID(buf[4:], b.Peer)
	return buf
}

// SendHeader is the client->daemon SEND frame header:
// {u32 reserved=0; u64 deadline_ns; peer_id} followed by the inner
// message bytes.
type SendHeader struct {
	Deadline time.Time
	Peer     types.PeerID
}

func (h SendHeader) Marshal(inner []byte) []byte {
	buf := make([]byte, 4+8+peerIDSize+len(inner))
	binary.BigEndian.PutUint64(buf[4:12], uint64(h.Deadline.UnixNano()))
	putPeerID(buf[12:12+peerIDSize], h.Peer)
	copy(buf[12+peerIDSize:], inner)
	return buf
}

func UnmarshalSend(body []byte) (SendHeader, []byte, error) {
	const hdr = 4 + 8 + peerIDSize
	if len(body) < hdr {
		return SendHeader{}, nil, fmt.Errorf("%w: SEND body truncated", types.ErrProtocolViolation)
	}
	deadlineNS := binary.BigEndian.Uint64(body[4:12])
	peer, err := getPeerID(body[12 : 12+peerIDSize])
	if err != nil {
		return SendHeader{}, nil, fmt.Errorf("%w: SEND peer id: %v", types.ErrProtocolViolation, err)
	}
	return SendHeader{
		Deadline: time.Unix(0, int64(deadlineNS)),
		Peer:     peer,
	}, body[hdr:], nil
}

// SendOKBody is the daemon->client SEND_OK frame body:
// {u32 success; u32 bytes_msg; u32 bytes_physical; peer_id}.
type SendOKBody struct {
	Success       bool
	BytesMsg      uint32
	BytesPhysical uint32
	Peer          types.PeerID
}

func UnmarshalSendOK(body []byte) (SendOKBody, error) {
	const want = 4 + 4 + 4 + peerIDSize
	if len(body) != want {
		return SendOKBody{}, fmt.Errorf("%w: SEND_OK body has wrong length %d", types.ErrProtocolViolation, len(body))
	}
	peer, err := getPeerID(body[12:])
	if err != nil {
		return SendOKBody{}, fmt.Errorf("%w: SEND_OK peer id: %v", types.ErrProtocolViolation, err)
	}
	return SendOKBody{
		Success:       binary.BigEndian.Uint32(body[0:4]) != 0,
		BytesMsg:      binary.BigEndian.Uint32(body[4:8]),
		BytesPhysical: binary.BigEndian.Uint32(body[8:12]),
		Peer:          peer,
	}, nil
}

func (b SendOKBody) Marshal() []byte {
	buf := make([]byte, 4+4+4+peerIDSize)
	if b.Success {
		binary.BigEndian.PutUint32(buf[0:4], 1)
	}
	binary.BigEndian.PutUint32(buf[4:8], b.BytesMsg)
	binary.BigEndian.PutUint32(buf[8:12], b.BytesPhysical)
	putPeerID(buf[12:], b.Peer)
	return buf
}

// RecvBody is the daemon->client RECV frame body: {peer_id} followed by
// the inner message. The inner message's own declared size must equal
// outer size - header, checked by the demultiplexer.
type RecvBody struct {
	Peer types.PeerID
}

func UnmarshalRecv(body []byte) (RecvBody, []byte, error) {
	if len(body) < peerIDSize {
		return RecvBody{}, nil, fmt.Errorf("%w: RECV body truncated", types.ErrProtocolViolation)
	}
	peer, err := getPeerID(body[:peerIDSize])
	if err != nil {
		return RecvBody{}, nil, fmt.Errorf("%w: RECV peer id: %v", types.ErrProtocolViolation, err)
	}
	return RecvBody{Peer: peer}, body[peerIDSize:], nil
}

func (b RecvBody) Marshal(inner []byte) []byte {
	buf := make([]byte, peerIDSize+len(inner))
	putPeerID(buf, b.Peer)
	copy(buf[peerIDSize:], inner)
	return buf
}

// SetQuotaBody is the daemon->client SET_QUOTA frame body:
// {peer_id; u32 quota_out}.
type SetQuotaBody struct {
	Peer     types.PeerID
	QuotaOut uint32
}

func UnmarshalSetQuota(body []byte) (SetQuotaBody, error) {
	if len(body) != peerIDSize+4 {
		return SetQuotaBody{}, fmt.Errorf("%w: SET_QUOTA body has wrong length %d", types.ErrProtocolViolation, len(body))
	}
	peer, err := getPeerID(body[:peerIDSize])
	if err != nil {
		return SetQuotaBody{}, fmt.Errorf("%w: SET_QUOTA peer id: %v", types.ErrProtocolViolation, err)
	}
	return SetQuotaBody{
		Peer:     peer,
		QuotaOut: binary.BigEndian.Uint32(body[peerIDSize:]),
	}, nil
}

func (b SetQuotaBody) Marshal() []byte {
	buf := make([]byte, peerIDSize+4)
	putPeerID(buf, b.Peer)
	binary.BigEndian.PutUint32(buf[peerIDSize:], b.QuotaOut)
	return buf
}

// RequestConnectBody is the client->daemon REQUEST_CONNECT frame body:
// {u32 reserved=0; peer_id}.
type RequestConnectBody struct {
	Peer types.PeerID
}

func (b RequestConnectBody) Marshal() []byte {
	buf := make([]byte, 4+peerIDSize)
	putPeerID(buf[4:], b.Peer)
	return buf
}

func UnmarshalRequestConnect(body []byte) (RequestConnectBody, error) {
	if len(body) != 4+peerIDSize {
		return RequestConnectBody{}, fmt.Errorf("%w: REQUEST_CONNECT body has wrong length %d", types.ErrProtocolViolation, len(body))
	}
	peer, err := getPeerID(body[4:])
	if err != nil {
		return RequestConnectBody{}, fmt.Errorf("%w: REQUEST_CONNECT peer id: %v", types.ErrProtocolViolation, err)
	}
	return RequestConnectBody{Peer: peer}, nil
}

// TrafficMetricBody is the client->daemon TRAFFIC_METRIC frame body:
// {u32 reserved=0; peer_id; properties; delay_in; delay_out}.
type TrafficMetricBody struct {
	Peer       types.PeerID
	Properties uint32
	DelayIn    time.Duration
	DelayOut   time.Duration
}

func (b TrafficMetricBody) Marshal() []byte {
	buf := make([]byte, 4+peerIDSize+4+8+8)
	putPeerID(buf[4:4+peerIDSize], b.Peer)
	off := 4 + peerIDSize
	binary.BigEndian.PutUint32(buf[off:off+4], b.Properties)
	binary.BigEndian.PutUint64(buf[off+4:off+12], uint64(b.DelayIn.Microseconds()))
	binary.BigEndian.PutUint64(buf[off+12:off+20], uint64(b.DelayOut.Microseconds()))
	return buf
}

func UnmarshalTrafficMetric(body []byte) (TrafficMetricBody, error) {
	want := 4 + peerIDSize + 4 + 8 + 8
	if len(body) != want {
		return TrafficMetricBody{}, fmt.Errorf("%w: TRAFFIC_METRIC body has wrong length %d", types.ErrProtocolViolation, len(body))
	}
	peer, err := getPeerID(body[4 : 4+peerIDSize])
	if err != nil {
		return TrafficMetricBody{}, fmt.Errorf("%w: TRAFFIC_METRIC peer id: %v", types.ErrProtocolViolation, err)
	}
	off := 4 + peerIDSize
	return TrafficMetricBody{
		Peer:       peer,
		Properties: binary.BigEndian.Uint32(body[off : off+4]),
		DelayIn:    time.Duration(binary.BigEndian.Uint64(body[off+4:off+12])) * time.Microsecond,
		DelayOut:   time.Duration(binary.BigEndian.Uint64(body[off+12:off+20])) * time.Microsecond,
	}, nil
}

// MonitorPeerRequestBody is {u32 one_shot; peer_id}.
type MonitorPeerRequestBody struct {
	OneShot bool
	Peer    types.PeerID
}

func (b MonitorPeerRequestBody) Marshal() []byte {
	buf := make([]byte, 4+peerIDSize)
	if b.OneShot {
		binary.BigEndian.PutUint32(buf[0:4], 1)
	}
	putPeerID(buf[4:], b.Peer)
	return buf
}

func UnmarshalMonitorPeerRequest(body []byte) (MonitorPeerRequestBody, error) {
	if len(body) != 4+peerIDSize {
		return MonitorPeerRequestBody{}, fmt.Errorf("%w: MONITOR_PEER_REQUEST body has wrong length %d", types.ErrProtocolViolation, len(body))
	}
	peer, err := getPeerID(body[4:])
	if err != nil {
		return MonitorPeerRequestBody{}, fmt.Errorf("%w: MONITOR_PEER_REQUEST peer id: %v", types.ErrProtocolViolation, err)
	}
	return MonitorPeerRequestBody{
		OneShot: binary.BigEndian.Uint32(body[0:4]) != 0,
		Peer:    peer,
	}, nil
}

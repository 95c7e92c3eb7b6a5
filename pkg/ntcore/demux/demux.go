// Package demux implements the demultiplexer: decoding inbound daemon
// frames and dispatching them to the sink's handlers. Demux itself
// holds no state and imports neither neighbour nor handle, so the
// transport handle can implement Sink without a cycle.
package demux

import (
	"fmt"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
	"github.com/jabolina/nt-core/pkg/ntcore/wire"
)

// Sink receives decoded events from the demultiplexer. The transport
// handle implements this interface; every method runs on the handle's
// single event-loop goroutine.
type Sink interface {
	OnHello(body wire.HelloBody)
	OnConnect(body wire.ConnectBody)
	OnDisconnect(body wire.DisconnectBody)
	OnSendOK(body wire.SendOKBody)
	OnRecv(peer types.PeerID, inner []byte)
	OnSetQuota(body wire.SetQuotaBody)
	OnMonitorPeerResponse(body wire.MonitorPeerResponseBody)
	OnMonitorValidationResponse(body wire.MonitorValidationResponseBody)

	// KnownPeer reports whether peer has an entry in the neighbour
	// table, used to reject SEND_OK/SET_QUOTA for unknown peers as a
	// protocol violation.
	KnownPeer(peer types.PeerID) bool
}

// Demultiplexer decodes and dispatches a single inbound frame at a
// time.
type Demultiplexer struct {
	log types.Logger
}

// New creates a Demultiplexer holding log. Dispatch does not log
// malformed or unknown frames; it reports them to its caller as errors.
func New(log types.Logger) *Demultiplexer {
	return &Demultiplexer{log: log}
}

// Dispatch decodes frame and calls the matching Sink method. It returns
// types.ErrProtocolViolation (possibly wrapped with more context) for
// any malformed frame or frame referencing an unknown peer; the caller
// reacts by tearing down and reconnecting.
func (d *Demultiplexer) Dispatch(frame wire.Frame, sink Sink) error {
	switch frame.Type {
	case wire.Hello:
		body, err := wire.UnmarshalHello(frame.Body)
		if err != nil {
			return err
		}
		sink.OnHello(body)
		return nil

	case wire.Connect:
		body, err := wire.UnmarshalConnect(frame.Body)
		if err != nil {
			return err
		}
		sink.OnConnect(body)
		return nil

	case wire.Disconnect:
		body, err := wire.UnmarshalDisconnect(frame.Body)
		if err != nil {
			return err
		}
		sink.OnDisconnect(body)
		return nil

	case wire.SendOK:
		body, err := wire.UnmarshalSendOK(frame.Body)
		if err != nil {
			return err
		}
		if !sink.KnownPeer(body.Peer) {
			return fmt.Errorf("%w: SEND_OK for unknown peer %s", types.ErrProtocolViolation, body.Peer)
		}
		sink.OnSendOK(body)
		return nil

	case wire.Recv:
		recv, inner, err := wire.UnmarshalRecv(frame.Body)
		if err != nil {
			return err
		}
		if err := checkInnerSize(frame, inner); err != nil {
			return err
		}
		sink.OnRecv(recv.Peer, inner)
		return nil

	case wire.SetQuota:
		body, err := wire.UnmarshalSetQuota(frame.Body)
		if err != nil {
			return err
		}
		if !sink.KnownPeer(body.Peer) {
			return fmt.Errorf("%w: SET_QUOTA for unknown peer %s", types.ErrProtocolViolation, body.Peer)
		}
		sink.OnSetQuota(body)
		return nil

	case wire.MonitorPeerResponse:
		body, err := wire.UnmarshalMonitorPeerResponse(frame.Body)
		if err != nil {
			return err
		}
		sink.OnMonitorPeerResponse(body)
		return nil

	case wire.MonitorValidationResponse:
		body, err := wire.UnmarshalMonitorValidationResponse(frame.Body)
		if err != nil {
			return err
		}
		sink.OnMonitorValidationResponse(body)
		return nil

	default:
		return fmt.Errorf("%w: unknown frame type %s", types.ErrProtocolViolation, frame.Type)
	}
}

// checkInnerSize enforces that the embedded inner message's own
// declared size equals the outer frame's size minus the RECV header.
func checkInnerSize(frame wire.Frame, inner []byte) error {
	// The inner message is itself a framed blob with its own {size,type}
	// header when the plugin session layer produced it; we only check
	// that at least a header's worth of bytes is present and that a
	// declared size (if the caller encoded one) matches what remains.
	if len(inner) < 4 {
		return fmt.Errorf("%w: RECV inner message shorter than a frame header", types.ErrProtocolViolation)
	}
	innerSize, _, err := wire.DecodeHeader(inner)
	if err != nil {
		return err
	}
	if int(innerSize) != len(inner) {
		return fmt.Errorf("%w: RECV inner size %d does not match embedded bytes %d", types.ErrProtocolViolation, innerSize, len(inner))
	}
	return nil
}

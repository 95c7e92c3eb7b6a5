package handle

import (
	"fmt"
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/monitor"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
	"github.com/jabolina/nt-core/pkg/ntcore/wire"
)

// TransmitRequest is the cancellation token returned by
// NotifyTransmitReady.
type TransmitRequest struct {
	h     *TransportHandle
	th    *types.TransmitHandle
	peer  types.PeerID
	timer *time.Timer
}

// Cancel withdraws the request. The notify callback is never invoked
// afterwards, even if a daemon write was in flight when Cancel ran.
func (r *TransmitRequest) Cancel() {
	r.h.post(func() {
		r.th.Discard()
		if r.timer != nil {
			r.timer.Stop()
		}
		n, ok := r.h.table.Get(r.peer)
		if !ok || n.Pending != r.th {
			return
		}
		n.Pending = nil
		r.h.ready.Remove(r.peer)
		n.InHeap = false
		n.StopTimers()
	})
}

// NotifyTransmitReady submits a request to send one message of the
// given size to peer. The notify callback is invoked exactly once: with
// a non-nil buffer of exactly size bytes when the scheduler grants the
// write window (fill it and return the bytes used, or return 0 to give
// up), or with a nil buffer when the request times out, the peer
// disconnects, or the handle shuts down.
func (h *TransportHandle) NotifyTransmitReady(peer types.PeerID, size int, timeout time.Duration, notify types.NotifyFunc) (*TransmitRequest, error) {
	if size <= 0 {
		return nil, fmt.Errorf("handle: transmit size must be positive, got %d", size)
	}
	now := h.now()
	th := &types.TransmitHandle{
		Neighbour: &peer,
		Notify:    notify,
		Size:      size,
		Start:     now,
		Deadline:  now.Add(timeout),
	}
	req := &TransmitRequest{h: h, th: th, peer: peer}

	res := make(chan error, 1)
	h.post(func() {
		n, ok := h.table.Get(peer)
		if !ok {
			res <- fmt.Errorf("%w: %s", types.ErrUnknownPeer, peer)
			return
		}
		if err := h.table.SetPending(peer, th); err != nil {
			res <- err
			return
		}
		req.timer = time.AfterFunc(timeout, func() {
			h.post(func() { h.requestExpired(peer, th) })
		})
		if n.IsReady {
			h.enheap(n)
		} else {
			h.ArmCongestionTimer(n, timeout)
		}
		h.activate()
		res <- nil
	})

	select {
	case err := <-res:
		if err != nil {
			return nil, err
		}
		return req, nil
	case <-h.done:
		return nil, types.ErrLocalShutdown
	}
}

// requestExpired is the deadline path for a data request that was never
// granted a window: it fires the notify once with a nil buffer and
// releases the neighbour's pending slot.
func (h *TransportHandle) requestExpired(peer types.PeerID, th *types.TransmitHandle) {
	n, ok := h.table.Get(peer)
	if !ok || n.Pending != th || th.Fired() {
		return
	}
	n.Pending = nil
	h.ready.Remove(peer)
	n.InHeap = false
	n.StopTimers()
	th.Fire(nil)
}

// ControlRequest is the cancellation token for a pending control
// message (try-connect, offer-hello, traffic-metric, monitor request).
type ControlRequest struct {
	h  *TransportHandle
	th *types.TransmitHandle
}

// Cancel removes the control message from the FIFO. Its callback is
// never invoked afterwards.
func (r *ControlRequest) Cancel() {
	r.h.post(func() {
		r.th.Discard()
		r.h.ctl.Remove(r.th)
	})
}

// submitControl enqueues an already-encoded frame onto the control
// FIFO. done (optional) is invoked with nil once the frame has been
// written into a daemon window, or with an error when the request
// expires or drains during teardown.
func (h *TransportHandle) submitControl(frame []byte, deadline time.Time, done func(error)) *ControlRequest {
	th := &types.TransmitHandle{
		Size:     len(frame),
		Deadline: deadline,
		Start:    h.now(),
		Notify: func(buf []byte) int {
			if buf == nil {
				if done != nil {
					done(types.ErrCongestion)
				}
				return 0
			}
			copy(buf, frame)
			if done != nil {
				done(nil)
			}
			return len(frame)
		},
	}
	req := &ControlRequest{h: h, th: th}
	h.post(func() {
		h.ctl.Enqueue(th)
		time.AfterFunc(deadline.Sub(h.now()), func() {
			h.post(func() {
				if th.Fired() {
					return
				}
				h.ctl.Remove(th)
				th.Fire(nil)
			})
		})
		h.activate()
	})
	return req
}

// TryConnect asks the daemon to attempt a connection to peer. cb fires
// with nil once the REQUEST_CONNECT frame is on the wire, or with an
// error if the frame could not be sent before the control timeout.
func (h *TransportHandle) TryConnect(peer types.PeerID, cb func(error)) (*ControlRequest, error) {
	frame, err := wire.Encode(wire.RequestConnect, wire.RequestConnectBody{Peer: peer}.Marshal())
	if err != nil {
		return nil, err
	}
	return h.submitControl(frame, h.now().Add(h.cfg.ControlTimeout), cb), nil
}

// OfferHello hands another peer's HELLO to the daemon for validation.
// cont fires with nil on success or types.ErrCongestion on timeout.
func (h *TransportHandle) OfferHello(hello []byte, cont func(error)) (*ControlRequest, error) {
	frame, err := wire.Encode(wire.OfferHello, hello)
	if err != nil {
		return nil, err
	}
	return h.submitControl(frame, h.now().Add(h.cfg.ControlTimeout), cont), nil
}

// SetTrafficMetric asks the daemon to inject artificial delay and/or
// distance metadata for peer, used by simulation and tests.
func (h *TransportHandle) SetTrafficMetric(peer types.PeerID, properties uint32, delayIn, delayOut time.Duration) (*ControlRequest, error) {
	body := wire.TrafficMetricBody{
		Peer:       peer,
		Properties: properties,
		DelayIn:    delayIn,
		DelayOut:   delayOut,
	}
	frame, err := wire.Encode(wire.TrafficMetric, body.Marshal())
	if err != nil {
		return nil, err
	}
	return h.submitControl(frame, h.now().Add(h.cfg.ControlTimeout), nil), nil
}

// SendControl implements monitor.Sender by enqueuing the request frame
// through the same control FIFO every other administrative message
// uses, so monitor requests keep the control-before-data ordering.
func (h *TransportHandle) SendControl(frame wire.Frame, deadline time.Time) error {
	encoded, err := wire.Encode(frame.Type, frame.Body)
	if err != nil {
		return err
	}
	h.submitControl(encoded, deadline, nil)
	return nil
}

// MonitorPeers opens a peer-state subscription. peer == nil watches
// every peer; oneShot delivers the current snapshot then terminates.
func (h *TransportHandle) MonitorPeers(peer *types.PeerID, oneShot bool, handler func(monitor.Event)) (*monitor.Subscription, error) {
	return h.mon.Subscribe(monitor.PeerKind, peer, oneShot, handler)
}

// MonitorValidation opens a validation-state subscription with the same
// one-shot/continuous semantics as MonitorPeers.
func (h *TransportHandle) MonitorValidation(peer *types.PeerID, oneShot bool, handler func(monitor.Event)) (*monitor.Subscription, error) {
	return h.mon.Subscribe(monitor.ValidationKind, peer, oneShot, handler)
}

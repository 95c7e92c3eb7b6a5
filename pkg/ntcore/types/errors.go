package types

import "errors"

// Error taxonomy for the transport core. These are kinds, not wrapper
// types: callers compare with errors.Is against these sentinels even
// after a component wraps them with additional context.
var (
	// ErrProtocolViolation is returned when the daemon sent a malformed
	// or inconsistent frame. The daemon link reacts by reconnecting
	// with backoff.
	ErrProtocolViolation = errors.New("ntcore: protocol violation")

	// ErrCongestion is surfaced per-request when no token budget or no
	// SEND_OK arrives within the request deadline.
	ErrCongestion = errors.New("ntcore: congestion, request timed out")

	// ErrUnreachable is surfaced per-request when a plugin reports a
	// hard send failure or no session could be created for a peer.
	ErrUnreachable = errors.New("ntcore: peer unreachable")

	// ErrInvalidAddress is returned synchronously when an address
	// fails to parse or fails a plugin's CheckAddress.
	ErrInvalidAddress = errors.New("ntcore: invalid address")

	// ErrLocalShutdown is delivered to every pending callback exactly
	// once when the caller requests a disconnect.
	ErrLocalShutdown = errors.New("ntcore: local shutdown")

	// ErrDuplicatePeer is a programming error: inserting a neighbour
	// that is already present in the table is a protocol violation
	// with the daemon.
	ErrDuplicatePeer = errors.New("ntcore: duplicate peer insertion")

	// ErrPendingExists is returned when a second transmit request is
	// attempted for a neighbour that already has one in flight.
	ErrPendingExists = errors.New("ntcore: neighbour already has a pending transmit request")

	// ErrUnknownPeer is returned when a daemon frame references a
	// peer id that has no entry in the neighbour table.
	ErrUnknownPeer = errors.New("ntcore: unknown peer")
)

// Package plugin defines the contract a wire protocol implements to
// be driven by the transport core, and the NetworkKind classification
// a plugin reports for an address. Every plugin owns its per-peer
// sessions; the core only holds opaque Session references.
package plugin

import (
	"time"

	"github.com/jabolina/nt-core/pkg/ntcore/types"
)

// NetworkKind classifies the network an address belongs to, as reported
// by Plugin.GetNetwork. The core packages do not consult it.
type NetworkKind int

const (
	NetworkUnspecified NetworkKind = iota
	NetworkLoopback
	NetworkLAN
	NetworkWAN
	NetworkWLAN
	NetworkBluetooth
)

func (k NetworkKind) String() string {
	switch k {
	case NetworkLoopback:
		return "LOOPBACK"
	case NetworkLAN:
		return "LAN"
	case NetworkWAN:
		return "WAN"
	case NetworkWLAN:
		return "WLAN"
	case NetworkBluetooth:
		return "BLUETOOTH"
	default:
		return "UNSPECIFIED"
	}
}

// Session wraps plugin-private per-peer state. plugin/tcp keeps its
// inbound rate limiter there (the tokens available and the instant they
// were last refilled); plugin/loopback keeps no quota state. The core
// never reaches into a Session's fields.
type Session interface {
	Peer() types.PeerID
	Address() types.Address
	Disconnect()
}

// Environment is passed to every plugin constructor: the callbacks a
// plugin uses to hand inbound data and session lifecycle events back to
// the core, without the plugin importing the core packages directly
// (mirrors the demux.Sink pattern, avoiding an import cycle).
type Environment struct {
	// Receive is invoked once per inbound application message, already
	// stripped of any plugin-private framing.
	Receive func(peer types.PeerID, session Session, payload []byte)

	// SessionEnd is invoked exactly once when a session is torn down,
	// whether by remote close, local disconnect, or plugin shutdown.
	SessionEnd func(session Session)

	// Now is a clock a plugin may use in place of time.Now; nil means
	// time.Now. Neither plugin/tcp nor plugin/loopback reads it: both
	// use time.Now directly.
	Now func() time.Time
}

func (e Environment) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Continuation is invoked exactly once per Send attempt: with the
// number of bytes handed to the wire on success, or 0 on hard failure.
// A plugin MUST invoke the continuation before any session-end
// notification for the same peer is delivered through Environment, so
// the caller observes a definite ordering between the two. State the
// continuation needs is captured in its closure.
type Continuation func(peer types.PeerID, sent int)

// Plugin is the contract a wire protocol implements: send/disconnect
// against an existing session, address parsing and pretty-printing,
// and network classification.
type Plugin interface {
	// Name is the plugin's own identifier, used as the first grammar
	// component of every address this plugin produces.
	Name() string

	// Send transmits payload over session, returning the number of
	// bytes actually handed to the transport (which may be less than
	// len(payload) only on error). priority orders competing sends
	// inside plugins that queue internally; a non-zero deadline bounds
	// how long the physical write may block. cont, if non-nil, is
	// invoked per the Continuation contract: exactly once, with 0 on
	// hard failure, and always before any session-end notification
	// for the peer.
	Send(session Session, payload []byte, priority int, deadline time.Time, cont Continuation) (int, error)

	// GetSession returns the existing session for peer at address,
	// opening a new connection if none exists yet.
	GetSession(peer types.PeerID, addr types.Address) (Session, error)

	// Disconnect tears down any session currently open to peer.
	Disconnect(peer types.PeerID)

	// GetNetwork classifies addr's network kind.
	GetNetwork(addr types.Address) NetworkKind

	// AddressToString renders addr using this plugin's payload-specific
	// text form (the third grammar component of types.Address.String).
	AddressToString(addr types.Address) (string, error)

	// StringToAddress parses a plugin-specific text form previously
	// produced by AddressToString back into an Address payload.
	StringToAddress(text string) (types.Address, error)

	// AddressPrettyPrinter renders a human-readable form of addr,
	// potentially involving a slow lookup (e.g. reverse DNS); callers
	// must not call this from the core's event loop.
	AddressPrettyPrinter(addr types.Address) string

	// CheckAddress reports whether addr is plausible for this plugin
	// (e.g. correct payload length) without attempting to connect.
	CheckAddress(addr types.Address) error

	// Close shuts down every session this plugin currently holds.
	Close()
}

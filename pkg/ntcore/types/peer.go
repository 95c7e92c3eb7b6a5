// Package types holds the data model shared across the transport core:
// peer identity, addresses, neighbour/transmit-handle shapes, the logger
// contract, and the sentinel error taxonomy.
package types

import "encoding/hex"

// PeerID is an opaque fixed-size peer identifier, typically a
// cryptographic public key hash. It is comparable and hashable by value,
// so it can be used directly as a map key.
type PeerID [32]byte

// ZeroPeerID is the identifier with no meaningful peer behind it, used
// as a sentinel for "not a real neighbour" comparisons.
var ZeroPeerID PeerID

// PeerIDFromBytes copies the first 32 bytes of b into a PeerID. It
// returns an error if b is shorter than 32 bytes.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) < len(id) {
		return id, ErrInvalidAddress
	}
	copy(id[:], b[:len(id)])
	return id, nil
}

// String renders the identifier as lowercase hex.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether p is the zero identifier.
func (p PeerID) IsZero() bool {
	return p == ZeroPeerID
}

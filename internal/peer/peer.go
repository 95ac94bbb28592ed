// Package peer holds the peer identity model shared by the event engine and
// the radio connection manager, and the lock-protected registry of connected
// peers.
package peer

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ID is the locally assigned numeric handle for a peer.
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// DeriveID maps a link-layer identifier (MAC address or CoreBluetooth UUID)
// to a stable ID, so rediscovering the same device yields the same ID.
// Identifiers are compared case-insensitively.
func DeriveID(linkAddr string) ID {
	sum := blake2b.Sum256([]byte(strings.ToLower(strings.TrimSpace(linkAddr))))
	return ID(binary.BigEndian.Uint64(sum[:8]))
}

// State is a peer's position in the connection lifecycle.
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "DISCOVERED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Peer is a snapshot of what is known about a remote device.
type Peer struct {
	ID       ID
	UID      string // empty until the identity handshake completes
	State    State
	Address  string // link-layer identifier, empty for synthetic peers
	Name     string // advertised local name
	RSSI     int
	LastSeen time.Time
}

// Connected reports whether the peer currently has a usable link.
func (p Peer) Connected() bool {
	return p.State == StateConnected
}

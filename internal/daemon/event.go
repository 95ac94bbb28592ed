package daemon

import (
	"time"

	"github.com/chaz8081/meshcore/internal/peer"
)

// EventType tags an Event.
type EventType int

const (
	EventPeerConnected EventType = iota
	EventPeerDisconnected
	EventDataReceived
	EventSendMessage
	EventShutdown
	// EventSendFailed is produced by the engine itself when a direct send
	// fails in the transport, so the failure reaches the status callback
	// on the worker.
	EventSendFailed
)

func (t EventType) String() string {
	switch t {
	case EventPeerConnected:
		return "PEER_CONNECTED"
	case EventPeerDisconnected:
		return "PEER_DISCONNECTED"
	case EventDataReceived:
		return "DATA_RECEIVED"
	case EventSendMessage:
		return "SEND_MESSAGE"
	case EventShutdown:
		return "SHUTDOWN"
	case EventSendFailed:
		return "SEND_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Event is a unit of work for the engine. Once enqueued the engine owns
// Payload; callers must not modify it afterwards.
type Event struct {
	Type      EventType
	PeerID    peer.ID
	UID       string
	Payload   []byte
	Timestamp time.Time // set by Enqueue when zero
	Err       error     // EventSendFailed only
}

// PeerConnected builds a PeerConnected event.
func PeerConnected(id peer.ID, uid string) Event {
	return Event{Type: EventPeerConnected, PeerID: id, UID: uid}
}

// PeerDisconnected builds a PeerDisconnected event.
func PeerDisconnected(id peer.ID) Event {
	return Event{Type: EventPeerDisconnected, PeerID: id}
}

// DataReceived builds a DataReceived event.
func DataReceived(id peer.ID, uid string, payload []byte) Event {
	return Event{Type: EventDataReceived, PeerID: id, UID: uid, Payload: payload}
}

// SendMessage builds a SendMessage event.
func SendMessage(id peer.ID, payload []byte) Event {
	return Event{Type: EventSendMessage, PeerID: id, Payload: payload}
}

// Shutdown builds a Shutdown event.
func Shutdown() Event {
	return Event{Type: EventShutdown}
}

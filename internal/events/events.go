// Package events writes engine callbacks as structured diagnostic events.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
	EventPeer    EventType = "peer"
)

// Envelope wraps every emitted event with type and timestamp.
type Envelope struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// MessageData is the payload for message events.
type MessageData struct {
	PeerID string    `json:"peer_id"`
	UID    string    `json:"uid,omitempty"`
	Text   string    `json:"text,omitempty"` // empty when the payload is not UTF-8
	Bytes  int       `json:"bytes"`
	At     time.Time `json:"at"`
}

// StatusData is the payload for status events.
type StatusData struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// PeerData is the payload for peer events.
type PeerData struct {
	PeerID    string `json:"peer_id"`
	UID       string `json:"uid,omitempty"`
	Connected bool   `json:"connected"`
}

// Emitter is the interface for emitting structured events.
type Emitter interface {
	Emit(eventType EventType, data any)
	Close() error
}

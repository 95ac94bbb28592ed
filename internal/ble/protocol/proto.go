// Package protocol implements the packet format carried over the mesh BLE
// service: a one-byte type tag followed by the raw payload.
package protocol

import (
	"errors"
	"fmt"
)

// Type is the one-byte discriminant at the start of every packet.
type Type byte

const (
	TypeIdentity    Type = 0x01 // payload is the sender's UID
	TypeTextMessage Type = 0x02 // payload is application message bytes
	TypeAck         Type = 0x03 // payload is empty
)

// String returns the packet type name.
func (t Type) String() string {
	switch t {
	case TypeIdentity:
		return "IDENTITY"
	case TypeTextMessage:
		return "TEXT_MESSAGE"
	case TypeAck:
		return "ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// Valid reports whether t is a known packet type.
func (t Type) Valid() bool {
	switch t {
	case TypeIdentity, TypeTextMessage, TypeAck:
		return true
	}
	return false
}

const (
	// HeaderSize is the number of bytes preceding the payload.
	HeaderSize = 1
	// MaxPacketSize is the largest encoded packet accepted on the link
	// (the ATT maximum attribute value length).
	MaxPacketSize = 512
	// MaxPayloadSize is the largest payload that fits in MaxPacketSize.
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

var (
	ErrUnknownType    = errors.New("protocol: unknown packet type")
	ErrPacketTooLarge = errors.New("protocol: packet exceeds maximum size")
)

// Packet is a decoded wire envelope.
type Packet struct {
	Type    Type
	Payload []byte
}

// Encode prepends the type tag to payload. The encoded packet must fit in
// MaxPacketSize.
func Encode(t Type, payload []byte) ([]byte, error) {
	return EncodeLimit(t, payload, MaxPacketSize)
}

// EncodeLimit is Encode with an explicit size limit, for links that
// negotiated an MTU below MaxPacketSize.
func EncodeLimit(t Type, payload []byte, limit int) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(t))
	}
	if HeaderSize+len(payload) > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, HeaderSize+len(payload), limit)
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(t)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses a packet. It reports false for an empty buffer or an
// unknown type tag; malformed input is routine on a radio link and is not
// an error. The returned payload does not alias data.
func Decode(data []byte) (Packet, bool) {
	if len(data) < HeaderSize {
		return Packet{}, false
	}
	t := Type(data[0])
	if !t.Valid() {
		return Packet{}, false
	}
	payload := make([]byte, len(data)-HeaderSize)
	copy(payload, data[HeaderSize:])
	return Packet{Type: t, Payload: payload}, true
}

// EncodeIdentity builds an Identity packet carrying uid.
func EncodeIdentity(uid string) ([]byte, error) {
	return Encode(TypeIdentity, []byte(uid))
}

// EncodeText builds a TextMessage packet.
func EncodeText(msg []byte) ([]byte, error) {
	return Encode(TypeTextMessage, msg)
}

// EncodeAck builds an empty Ack packet.
func EncodeAck() []byte {
	return []byte{byte(TypeAck)}
}

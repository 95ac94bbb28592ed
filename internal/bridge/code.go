package bridge

import (
	"errors"

	"github.com/chaz8081/meshcore/internal/ble"
	"github.com/chaz8081/meshcore/internal/daemon"
)

// Code is the result of a bridge call. Values are stable across releases
// because host applications compare against them.
type Code int

const (
	CodeNone             Code = 0
	CodeNotRunning       Code = -1
	CodeInvalidParameter Code = -2
	CodeMessageTooLong   Code = -3
	CodePeerNotFound     Code = -4
	CodeQueueFull        Code = -5
	CodeUnknown          Code = -99
)

// ErrUnknown backs CodeUnknown.
var ErrUnknown = errors.New("bridge: unknown error")

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeNotRunning:
		return "not running"
	case CodeInvalidParameter:
		return "invalid parameter"
	case CodeMessageTooLong:
		return "message too long"
	case CodePeerNotFound:
		return "peer not found"
	case CodeQueueFull:
		return "queue full"
	default:
		return "unknown"
	}
}

// Err returns the sentinel error for c, or nil for CodeNone.
func (c Code) Err() error {
	switch c {
	case CodeNone:
		return nil
	case CodeNotRunning:
		return daemon.ErrNotRunning
	case CodeInvalidParameter:
		return daemon.ErrInvalidParameter
	case CodeMessageTooLong:
		return daemon.ErrMessageTooLong
	case CodePeerNotFound:
		return daemon.ErrPeerNotFound
	case CodeQueueFull:
		return daemon.ErrQueueFull
	default:
		return ErrUnknown
	}
}

// CodeOf maps an error from the engine or the radio manager to a Code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, daemon.ErrNotRunning), errors.Is(err, ble.ErrNotRunning):
		return CodeNotRunning
	case errors.Is(err, daemon.ErrInvalidParameter), errors.Is(err, ble.ErrInvalidAddress):
		return CodeInvalidParameter
	case errors.Is(err, daemon.ErrMessageTooLong), errors.Is(err, ble.ErrMessageTooLong):
		return CodeMessageTooLong
	case errors.Is(err, daemon.ErrPeerNotFound), errors.Is(err, ble.ErrNotConnected), errors.Is(err, ble.ErrUnknownPeer):
		return CodePeerNotFound
	case errors.Is(err, daemon.ErrQueueFull):
		return CodeQueueFull
	default:
		return CodeUnknown
	}
}

package events

import (
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/chaz8081/meshcore/internal/bridge"
)

// Open returns the emitter configured by path: "" discards events, "-"
// writes to stdout and anything else is appended to as a file.
func Open(path string) (Emitter, error) {
	switch path {
	case "":
		return NopEmitter{}, nil
	case "-":
		return NewJSONLineWriter(stdout{}), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: opening %s: %w", path, err)
	}
	return NewJSONLineWriter(f), nil
}

// stdout is os.Stdout without Close.
type stdout struct{}

func (stdout) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

// Record emits n as the matching event.
func Record(e Emitter, n bridge.Notification) {
	switch n.Kind {
	case bridge.NotifyMessage:
		data := MessageData{
			PeerID: n.Message.PeerID.String(),
			UID:    n.Message.UID,
			Bytes:  len(n.Message.Data),
			At:     n.Message.Timestamp,
		}
		if utf8.Valid(n.Message.Data) {
			data.Text = string(n.Message.Data)
		}
		e.Emit(EventMessage, data)
	case bridge.NotifyStatus:
		e.Emit(EventStatus, StatusData{
			Code:    int(n.Status),
			Status:  n.Status.String(),
			Message: n.StatusText,
		})
	case bridge.NotifyPeer:
		e.Emit(EventPeer, PeerData{
			PeerID:    n.Peer.PeerID.String(),
			UID:       n.Peer.UID,
			Connected: n.Peer.Connected,
		})
	}
}

// Drain records every notification from ch until it is closed, handing
// each one to then afterwards when then is not nil.
func Drain(e Emitter, ch <-chan bridge.Notification, then func(bridge.Notification)) {
	for n := range ch {
		Record(e, n)
		if then != nil {
			then(n)
		}
	}
}

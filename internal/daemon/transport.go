package daemon

import (
	"github.com/chaz8081/meshcore/internal/peer"
)

// Transport delivers bytes to a peer. Implementations report link-level
// outcomes asynchronously as further events; a returned error means the
// send was not attempted or the write failed immediately.
type Transport interface {
	Send(id peer.ID, data []byte) error
}

// Enqueuer accepts events. *Engine implements it.
type Enqueuer interface {
	Enqueue(ev Event) bool
}

// Loopback is a Transport that echoes every send back as a DataReceived
// event, standing in for a peer that repeats whatever it is sent.
type Loopback struct {
	sink Enqueuer
}

// Compile-time interface satisfaction check.
var _ Transport = (*Loopback)(nil)

// NewLoopback creates a Loopback feeding sink.
// Panics if sink is nil (programmer error).
func NewLoopback(sink Enqueuer) *Loopback {
	if sink == nil {
		panic("daemon: NewLoopback called with nil sink")
	}
	return &Loopback{sink: sink}
}

// Send enqueues a copy of data as received from id.
func (l *Loopback) Send(id peer.ID, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	if !l.sink.Enqueue(DataReceived(id, "", cp)) {
		return ErrNotRunning
	}
	return nil
}

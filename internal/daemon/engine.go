// Package daemon implements the event engine: a FIFO queue drained by a
// single worker goroutine, which owns every peer-state mutation and every
// callback invocation.
package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/meshcore/internal/peer"
)

// MaxMessageSize is the largest application payload accepted by SendToPeer.
const MaxMessageSize = 4096

var (
	ErrNotRunning       = errors.New("daemon: engine not running")
	ErrInvalidParameter = errors.New("daemon: invalid parameter")
	ErrMessageTooLong   = errors.New("daemon: message too long")
	ErrPeerNotFound     = errors.New("daemon: peer not found")
	ErrQueueFull        = errors.New("daemon: event queue full")
	ErrNoTransport      = errors.New("daemon: no transport attached")
)

// Status is reported through the status callback.
type Status int

const (
	StatusError   Status = -1
	StatusStopped Status = 0
	StatusRunning Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Message is delivered to the message callback.
type Message struct {
	PeerID    peer.ID
	UID       string // empty when the sender's identity is not known yet
	Data      []byte
	Timestamp time.Time
}

// PeerUpdate is delivered to the peer callback.
type PeerUpdate struct {
	PeerID    peer.ID
	UID       string
	Connected bool
	Timestamp time.Time
}

// Callbacks are invoked on the worker goroutine, one at a time. Callers that
// need another execution context must redispatch themselves. Nil fields are
// skipped.
type Callbacks struct {
	OnMessage func(Message)
	OnStatus  func(status Status, message string)
	OnPeer    func(PeerUpdate)
}

// Options configures an Engine.
type Options struct {
	QueueCapacity int // 0 means unbounded
	Logger        *slog.Logger
}

// Engine serializes peer-state changes behind one queue and one worker.
type Engine struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	running bool
	busy    bool
	done    chan struct{} // closed when the current worker exits

	peers *peer.Registry

	tmu       sync.RWMutex
	transport Transport

	cbmu      sync.RWMutex
	callbacks Callbacks

	opts Options
	log  *slog.Logger
}

// Compile-time interface satisfaction check.
var _ Enqueuer = (*Engine)(nil)

// New creates a stopped Engine.
func New(opts Options) *Engine {
	if opts.QueueCapacity < 0 {
		opts.QueueCapacity = 0
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		peers: peer.NewRegistry(),
		opts:  opts,
		log:   log,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetTransport attaches t, or detaches the current transport when t is nil.
// The engine does not own the transport.
func (e *Engine) SetTransport(t Transport) {
	e.tmu.Lock()
	defer e.tmu.Unlock()
	e.transport = t
}

func (e *Engine) currentTransport() Transport {
	e.tmu.RLock()
	defer e.tmu.RUnlock()
	return e.transport
}

// SetCallbacks replaces the registered callbacks. It is safe while running;
// the worker picks up the new set before its next invocation.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.cbmu.Lock()
	defer e.cbmu.Unlock()
	e.callbacks = cb
}

func (e *Engine) currentCallbacks() Callbacks {
	e.cbmu.RLock()
	defer e.cbmu.RUnlock()
	return e.callbacks
}

// Start spawns the worker. Calling Start while running is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	prev := e.done
	e.mu.Unlock()

	// A worker that is still winding down must finish before a new one
	// starts, so two workers never overlap.
	if prev != nil {
		<-prev
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.queue = nil
	done := make(chan struct{})
	e.done = done
	go e.loop(done)
	e.log.Debug("[daemon] started")
}

// Stop signals the worker, waits for it to exit and returns. The event being
// processed, if any, completes; queued events are discarded. Stop is
// idempotent and safe to call concurrently, but not from a callback: it
// waits for the worker that is running the callback. Callbacks stop the
// engine with Enqueue(Shutdown()) instead.
func (e *Engine) Stop() {
	e.mu.Lock()
	done := e.done
	if e.running {
		e.running = false
		e.cond.Broadcast()
	}
	e.mu.Unlock()

	if done != nil {
		<-done
	}
}

// IsRunning reports whether the engine accepts events.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// IsBusy reports whether the worker is dispatching an event right now.
func (e *Engine) IsBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// Enqueue appends ev to the queue and wakes the worker. It never blocks.
// Events are dropped, and false returned, when the engine is not running or
// a bounded queue is full.
func (e *Engine) Enqueue(ev Event) bool {
	if ev.Type != EventShutdown && ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		e.log.Debug("[daemon] dropping event, not running", "type", ev.Type)
		return false
	}
	if e.opts.QueueCapacity > 0 && len(e.queue) >= e.opts.QueueCapacity {
		e.log.Warn("[daemon] queue full, dropping event", "type", ev.Type, "capacity", e.opts.QueueCapacity)
		return false
	}
	e.queue = append(e.queue, ev)
	e.cond.Signal()
	return true
}

// QueueFull reports whether a bounded queue is at capacity.
func (e *Engine) QueueFull() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.QueueCapacity > 0 && len(e.queue) >= e.opts.QueueCapacity
}

// SendToPeer validates data and hands it straight to the transport,
// bypassing the queue. Transport failures are not returned; they surface
// later through the status callback.
func (e *Engine) SendToPeer(id peer.ID, data []byte) error {
	if !e.IsRunning() {
		return ErrNotRunning
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidParameter)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLong, len(data), MaxMessageSize)
	}
	if !e.peers.Has(id) {
		return fmt.Errorf("%w: %v", ErrPeerNotFound, id)
	}
	t := e.currentTransport()
	if t == nil {
		return ErrNoTransport
	}
	if err := t.Send(id, data); err != nil {
		e.log.Warn("[daemon] transport send failed", "peer", id, "error", err)
		e.Enqueue(Event{Type: EventSendFailed, PeerID: id, Err: err})
	}
	return nil
}

// SendToUID resolves uid against the registry and sends to the first match.
// Nothing is sent when uid is unknown.
func (e *Engine) SendToUID(uid string, data []byte) error {
	if !e.IsRunning() {
		return ErrNotRunning
	}
	if uid == "" {
		return fmt.Errorf("%w: empty uid", ErrInvalidParameter)
	}
	id, ok := e.peers.Lookup(uid)
	if !ok {
		return fmt.Errorf("%w: uid %q", ErrPeerNotFound, uid)
	}
	return e.SendToPeer(id, data)
}

// PeerCount returns the number of connected peers.
func (e *Engine) PeerCount() int {
	return e.peers.Count()
}

// HasPeer reports whether id is connected.
func (e *Engine) HasPeer(id peer.ID) bool {
	return e.peers.Has(id)
}

// Peers returns a snapshot of connected peers ordered by ID.
func (e *Engine) Peers() []peer.Peer {
	return e.peers.Snapshot()
}

// loop is the worker. It pops one event at a time and dispatches it with
// the queue lock released.
func (e *Engine) loop(done chan struct{}) {
	defer close(done)
	e.notifyStatus(StatusRunning, "running")

	for {
		e.mu.Lock()
		for e.running && len(e.queue) == 0 {
			e.cond.Wait()
		}
		if !e.running {
			e.queue = nil
			e.mu.Unlock()
			break
		}
		ev := e.queue[0]
		e.queue[0] = Event{}
		e.queue = e.queue[1:]
		e.busy = true
		e.mu.Unlock()

		exit := e.dispatch(ev)

		e.mu.Lock()
		e.busy = false
		if exit {
			e.running = false
			e.queue = nil
		}
		e.mu.Unlock()
		if exit {
			break
		}
	}

	e.notifyStatus(StatusStopped, "stopped")
	e.log.Debug("[daemon] worker exited")
}

// dispatch handles one event and reports whether the worker should exit.
func (e *Engine) dispatch(ev Event) bool {
	switch ev.Type {
	case EventPeerConnected:
		e.handlePeerConnected(ev)
	case EventPeerDisconnected:
		e.handlePeerDisconnected(ev)
	case EventDataReceived:
		e.handleDataReceived(ev)
	case EventSendMessage:
		if err := e.SendToPeer(ev.PeerID, ev.Payload); err != nil {
			e.log.Warn("[daemon] queued send rejected", "peer", ev.PeerID, "error", err)
			e.notifyStatus(StatusError, fmt.Sprintf("send to %v rejected: %v", ev.PeerID, err))
		}
	case EventSendFailed:
		e.notifyStatus(StatusError, fmt.Sprintf("send to %v failed: %v", ev.PeerID, ev.Err))
	case EventShutdown:
		e.log.Info("[daemon] shutdown event received")
		return true
	default:
		e.log.Warn("[daemon] unknown event type", "type", int(ev.Type))
	}
	return false
}

func (e *Engine) handlePeerConnected(ev Event) {
	e.peers.Add(ev.PeerID, ev.UID)
	uid := e.peers.UID(ev.PeerID)
	e.log.Info("[daemon] peer connected", "peer", ev.PeerID, "uid", uid)
	if cb := e.currentCallbacks().OnPeer; cb != nil {
		cb(PeerUpdate{PeerID: ev.PeerID, UID: uid, Connected: true, Timestamp: ev.Timestamp})
	}
}

func (e *Engine) handlePeerDisconnected(ev Event) {
	uid, ok := e.peers.Remove(ev.PeerID)
	e.log.Info("[daemon] peer disconnected", "peer", ev.PeerID, "uid", uid, "known", ok)
	if cb := e.currentCallbacks().OnPeer; cb != nil {
		cb(PeerUpdate{PeerID: ev.PeerID, UID: uid, Connected: false, Timestamp: ev.Timestamp})
	}
}

func (e *Engine) handleDataReceived(ev Event) {
	uid := ev.UID
	if uid == "" {
		uid = e.peers.UID(ev.PeerID)
	}
	e.peers.Touch(ev.PeerID)
	e.log.Debug("[daemon] data received", "peer", ev.PeerID, "uid", uid, "bytes", len(ev.Payload))
	if cb := e.currentCallbacks().OnMessage; cb != nil {
		cb(Message{PeerID: ev.PeerID, UID: uid, Data: ev.Payload, Timestamp: ev.Timestamp})
	}
}

func (e *Engine) notifyStatus(s Status, msg string) {
	if cb := e.currentCallbacks().OnStatus; cb != nil {
		cb(s, msg)
	}
}

// Package bridge is the host-facing surface of the core: engines are
// created and addressed through integer handles, calls return Codes, and
// callbacks are redispatched either to registered functions or to a
// channel the host drains on its own schedule.
package bridge

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/meshcore/internal/daemon"
	"github.com/chaz8081/meshcore/internal/peer"
)

// Version is the core library version reported to hosts.
const Version = "0.1.0"

// MaxMessageSize is the largest payload accepted at the bridge. Messages are
// not split to fit the radio link; the transport rejects what it cannot
// carry.
const MaxMessageSize = daemon.MaxMessageSize

// Handle identifies a core instance. The zero Handle is never issued.
type Handle uint32

// Callbacks mirror the host's function-pointer table. Context is passed
// back unchanged on every call.
type Callbacks struct {
	OnMessage func(ctx any, msg daemon.Message)
	OnStatus  func(ctx any, status daemon.Status, message string)
	OnPeer    func(ctx any, update daemon.PeerUpdate)
	Context   any
}

// NotificationKind tags a Notification.
type NotificationKind int

const (
	NotifyMessage NotificationKind = iota
	NotifyStatus
	NotifyPeer
)

// Notification is one engine callback, delivered through Subscribe.
type Notification struct {
	Kind       NotificationKind
	Message    daemon.Message    // NotifyMessage
	Status     daemon.Status     // NotifyStatus
	StatusText string            // NotifyStatus
	Peer       daemon.PeerUpdate // NotifyPeer
}

// Stopper is implemented by transports that own resources, such as the
// radio manager. Destroy stops them before the engine.
type Stopper interface {
	Stop()
}

// Options configures a Bridge.
type Options struct {
	// NewTransport builds the transport for a new engine. The engine is
	// already running, so a transport that starts producing events here
	// loses none of them. Nil attaches a loopback transport.
	NewTransport func(e *daemon.Engine) (daemon.Transport, error)
	Engine       daemon.Options
	// SubscriberBuffer is the channel capacity for Subscribe (default 64).
	SubscriberBuffer int
	Logger           *slog.Logger
}

// Bridge owns a table of core instances.
type Bridge struct {
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	next  Handle
	cores map[Handle]*core
}

type core struct {
	engine    *daemon.Engine
	transport daemon.Transport

	mu        sync.Mutex
	cb        Callbacks
	subs      chan Notification
	destroyed bool
	log       *slog.Logger
}

// New creates an empty Bridge.
func New(opts Options) *Bridge {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Engine.Logger == nil {
		opts.Engine.Logger = log
	}
	return &Bridge{
		opts:  opts,
		log:   log,
		cores: make(map[Handle]*core),
	}
}

// Create builds and starts a new core and returns its handle. On failure
// the handle is zero.
func (b *Bridge) Create() (Handle, error) {
	e := daemon.New(b.opts.Engine)
	c := &core{engine: e, log: b.log}
	e.SetCallbacks(daemon.Callbacks{
		OnMessage: c.onMessage,
		OnStatus:  c.onStatus,
		OnPeer:    c.onPeer,
	})

	e.Start()
	var t daemon.Transport = daemon.NewLoopback(e)
	if b.opts.NewTransport != nil {
		var err error
		if t, err = b.opts.NewTransport(e); err != nil {
			e.Stop()
			return 0, fmt.Errorf("bridge: create transport: %w", err)
		}
	}
	c.transport = t
	e.SetTransport(t)

	b.mu.Lock()
	b.next++
	if b.next == 0 {
		b.next++
	}
	h := b.next
	b.cores[h] = c
	b.mu.Unlock()

	b.log.Info("[bridge] core created", "handle", h)
	return h, nil
}

// Destroy stops and releases the core behind h. It is safe to call more
// than once and with the zero handle, but not from a callback of the same
// core, which runs on the worker Destroy waits for.
func (b *Bridge) Destroy(h Handle) {
	b.mu.Lock()
	c, ok := b.cores[h]
	delete(b.cores, h)
	b.mu.Unlock()
	if !ok {
		return
	}

	if s, ok := c.transport.(Stopper); ok {
		s.Stop()
	}
	c.engine.SetTransport(nil)
	c.engine.Stop()

	// The worker has exited, so nothing sends on subs any more.
	c.mu.Lock()
	c.destroyed = true
	if c.subs != nil {
		close(c.subs)
		c.subs = nil
	}
	c.mu.Unlock()
	b.log.Info("[bridge] core destroyed", "handle", h)
}

func (b *Bridge) lookup(h Handle) (*core, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cores[h]
	return c, ok
}

// IsRunning reports whether h names a running core.
func (b *Bridge) IsRunning(h Handle) bool {
	c, ok := b.lookup(h)
	return ok && c.engine.IsRunning()
}

// Version returns the core library version.
func (b *Bridge) Version() string {
	return Version
}

// PeerCount returns the number of connected peers, or zero for an unknown
// handle.
func (b *Bridge) PeerCount(h Handle) uint32 {
	c, ok := b.lookup(h)
	if !ok {
		return 0
	}
	return uint32(c.engine.PeerCount())
}

// SetCallbacks replaces the function callbacks of h.
func (b *Bridge) SetCallbacks(h Handle, cb Callbacks) Code {
	c, ok := b.lookup(h)
	if !ok {
		return CodeInvalidParameter
	}
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
	return CodeNone
}

// Subscribe returns the notification channel of h, creating it on first
// use. The channel has a single consumer; when it is full, notifications
// are dropped. It is closed by Destroy.
func (b *Bridge) Subscribe(h Handle) (<-chan Notification, Code) {
	c, ok := b.lookup(h)
	if !ok {
		return nil, CodeInvalidParameter
	}
	return c.subscribe(b.opts.SubscriberBuffer)
}

// subscribe fails once Destroy has run, even for callers that looked the
// core up before it was removed.
func (c *core) subscribe(buffer int) (<-chan Notification, Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, CodeInvalidParameter
	}
	if c.subs == nil {
		c.subs = make(chan Notification, buffer)
	}
	return c.subs, CodeNone
}

// SendMessage sends data to a connected peer. Validation happens before
// anything reaches the transport; delivery failures arrive later as an
// error status.
func (b *Bridge) SendMessage(h Handle, id peer.ID, data []byte) Code {
	c, code := b.validate(h, data)
	if code != CodeNone {
		return code
	}
	return CodeOf(c.engine.SendToPeer(id, data))
}

// SendMessageToUID sends data to the first connected peer with uid.
func (b *Bridge) SendMessageToUID(h Handle, uid string, data []byte) Code {
	if uid == "" {
		return CodeInvalidParameter
	}
	c, code := b.validate(h, data)
	if code != CodeNone {
		return code
	}
	return CodeOf(c.engine.SendToUID(uid, data))
}

// SimulatePeerConnect injects a PeerConnected event, for exercising the
// engine without a radio.
func (b *Bridge) SimulatePeerConnect(h Handle, id peer.ID, uid string) Code {
	c, ok := b.lookup(h)
	if !ok {
		return CodeInvalidParameter
	}
	return c.enqueue(daemon.PeerConnected(id, uid))
}

// SimulateMessage injects an inbound message from id.
func (b *Bridge) SimulateMessage(h Handle, id peer.ID, data []byte) Code {
	c, code := b.validate(h, data)
	if code != CodeNone {
		return code
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return c.enqueue(daemon.DataReceived(id, "", cp))
}

func (b *Bridge) validate(h Handle, data []byte) (*core, Code) {
	c, ok := b.lookup(h)
	if !ok {
		return nil, CodeInvalidParameter
	}
	if len(data) == 0 {
		return nil, CodeInvalidParameter
	}
	if len(data) > MaxMessageSize {
		return nil, CodeMessageTooLong
	}
	if !c.engine.IsRunning() {
		return nil, CodeNotRunning
	}
	return c, CodeNone
}

func (c *core) enqueue(ev daemon.Event) Code {
	if c.engine.Enqueue(ev) {
		return CodeNone
	}
	if c.engine.IsRunning() && c.engine.QueueFull() {
		return CodeQueueFull
	}
	return CodeNotRunning
}

func (c *core) callbacks() (Callbacks, chan Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb, c.subs
}

// publish hands n to the subscriber without ever blocking the worker.
func (c *core) publish(subs chan Notification, n Notification) {
	if subs == nil {
		return
	}
	select {
	case subs <- n:
	default:
		c.log.Warn("[bridge] subscriber full, dropping notification", "kind", n.Kind)
	}
}

func (c *core) onMessage(msg daemon.Message) {
	cb, subs := c.callbacks()
	if cb.OnMessage != nil {
		cb.OnMessage(cb.Context, msg)
	}
	c.publish(subs, Notification{Kind: NotifyMessage, Message: msg})
}

func (c *core) onStatus(s daemon.Status, text string) {
	cb, subs := c.callbacks()
	if cb.OnStatus != nil {
		cb.OnStatus(cb.Context, s, text)
	}
	c.publish(subs, Notification{Kind: NotifyStatus, Status: s, StatusText: text})
}

func (c *core) onPeer(p daemon.PeerUpdate) {
	cb, subs := c.callbacks()
	if cb.OnPeer != nil {
		cb.OnPeer(cb.Context, p)
	}
	c.publish(subs, Notification{Kind: NotifyPeer, Peer: p})
}

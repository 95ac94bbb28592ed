package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/meshcore/internal/ble/protocol"
	"github.com/chaz8081/meshcore/internal/daemon"
	"github.com/chaz8081/meshcore/internal/peer"
)

var (
	ErrNotRunning     = errors.New("ble: manager not running")
	ErrNotConnected   = errors.New("ble: peer not connected")
	ErrMessageTooLong = errors.New("ble: message too long")
	ErrUnknownPeer    = errors.New("ble: unknown peer")
	ErrPeripheralLink = errors.New("ble: link is owned by the remote central")
	ErrNoPeripheral   = errors.New("ble: peripheral role not active")
	ErrInvalidAddress = errors.New("ble: empty address")
)

// Role is the local side of a link.
type Role int

const (
	RoleCentral    Role = iota // we connected out
	RolePeripheral             // the remote connected to us
)

func (r Role) String() string {
	if r == RolePeripheral {
		return "peripheral"
	}
	return "central"
}

// Options configures a Manager.
type Options struct {
	UID             string // local identity sent in the handshake
	LocalNamePrefix string // advertised name is prefix + truncated UID
	AutoConnect     bool   // connect to peers as they are discovered
	ConnectTimeout  time.Duration
	ScanInterval    time.Duration // length of each scan window; 0 scans continuously
	Reconnect       ReconnectPolicy
	Logger          *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		LocalNamePrefix: "mesh-",
		AutoConnect:     true,
		ConnectTimeout:  10 * time.Second,
		ScanInterval:    30 * time.Second,
		Reconnect:       DefaultReconnectPolicy(),
	}
}

const uidNameLen = 8

// link is the per-peer state machine, independent of which role found it.
type link struct {
	id       peer.ID
	address  string
	name     string
	uid      string
	rssi     int
	role     Role
	state    peer.State
	lastSeen time.Time

	conn    Connection
	msgChar Characteristic

	failures int
	gen      uint64 // bumped to invalidate callbacks of a superseded attempt
	timer    *time.Timer
}

func (l *link) snapshot() peer.Peer {
	return peer.Peer{
		ID:       l.id,
		UID:      l.uid,
		State:    l.state,
		Address:  l.address,
		Name:     l.name,
		RSSI:     l.rssi,
		LastSeen: l.lastSeen,
	}
}

// Manager runs the central and peripheral roles and turns radio activity
// into engine events. It implements daemon.Transport.
//
// Radio callbacks never touch the engine's registry; they only enqueue.
// Events are enqueued under mu so the engine sees each link's transitions
// in the order they happened.
type Manager struct {
	adapter   Adapter
	sink      daemon.Enqueuer
	opts      Options
	localName string
	log       *slog.Logger

	mu      sync.Mutex
	links   map[peer.ID]*link
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	periph  Peripheral
	wg      sync.WaitGroup
}

// Compile-time interface satisfaction check.
var _ daemon.Transport = (*Manager)(nil)

// NewManager creates a stopped Manager that feeds events to sink.
// Panics if adapter or sink is nil (programmer error).
func NewManager(adapter Adapter, sink daemon.Enqueuer, opts Options) *Manager {
	if adapter == nil || sink == nil {
		panic("ble: NewManager called with nil adapter or sink")
	}
	if opts.LocalNamePrefix == "" {
		opts.LocalNamePrefix = "mesh-"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	uid := opts.UID
	if len(uid) > uidNameLen {
		uid = uid[:uidNameLen]
	}
	return &Manager{
		adapter:   adapter,
		sink:      sink,
		opts:      opts,
		localName: opts.LocalNamePrefix + uid,
		log:       log,
		links:     make(map[peer.ID]*link),
	}
}

// LocalName returns the advertised local name.
func (m *Manager) LocalName() string {
	return m.localName
}

// Start enables the adapter, starts advertising the mesh service and begins
// scanning. Calling Start while running is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	if m.IsRunning() {
		return nil
	}
	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	periph, err := m.adapter.Serve(ServiceConfig{
		LocalName: m.localName,
		Identity:  []byte(m.opts.UID),
		OnWrite:   m.handleWrite,
		OnCentral: m.handleCentral,
	})
	switch {
	case errors.Is(err, ErrPeripheralUnsupported):
		m.log.Warn("[BLE] peripheral role unavailable, scanning only")
		periph = nil
	case err != nil:
		return fmt.Errorf("ble: start peripheral: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		cancel()
		if periph != nil {
			_ = periph.Stop()
		}
		return nil
	}
	m.running = true
	m.ctx = runCtx
	m.cancel = cancel
	m.periph = periph
	m.wg.Add(1)
	go m.scanLoop(runCtx)
	m.mu.Unlock()

	m.log.Info("[BLE] started", "name", m.localName, "auto_connect", m.opts.AutoConnect)
	return nil
}

// Stop cancels scanning and pending reconnects, stops advertising,
// disconnects every link and reports connected peers as disconnected.
// Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	periph := m.periph
	m.periph = nil

	var conns []Connection
	for _, l := range m.links {
		l.gen++
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		if l.conn != nil {
			conns = append(conns, l.conn)
		}
		if l.state == peer.StateConnected {
			m.sink.Enqueue(daemon.PeerDisconnected(l.id))
		}
		if l.state == peer.StateConnected || l.state == peer.StateConnecting {
			l.state = peer.StateDisconnected
		}
		l.conn = nil
		l.msgChar = nil
	}
	m.mu.Unlock()

	cancel()
	for _, c := range conns {
		if err := c.Disconnect(); err != nil {
			m.log.Debug("[BLE] disconnect on stop", "error", err)
		}
	}
	if periph != nil {
		if err := periph.Stop(); err != nil {
			m.log.Warn("[BLE] stop advertising", "error", err)
		}
	}
	m.wg.Wait()
	m.log.Info("[BLE] stopped")
}

// IsRunning reports whether the manager is started.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Connect requests a central-role connection to address. It returns once
// the attempt is started; the outcome arrives as a PeerConnected event or
// a Failed state.
func (m *Manager) Connect(address string) error {
	if strings.TrimSpace(address) == "" {
		return ErrInvalidAddress
	}
	id := peer.DeriveID(address)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNotRunning
	}
	l := m.links[id]
	if l == nil {
		l = &link{id: id, address: address, role: RoleCentral, state: peer.StateDiscovered, lastSeen: time.Now()}
		m.links[id] = l
	}
	if l.state == peer.StateConnected || l.state == peer.StateConnecting {
		return nil
	}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.role = RoleCentral
	l.failures = 0
	m.dialLocked(l)
	return nil
}

// Disconnect tears down a central-role link without scheduling a
// reconnect. Links accepted in the peripheral role are closed by the
// remote central and return ErrPeripheralLink.
func (m *Manager) Disconnect(id peer.ID) error {
	m.mu.Lock()
	l := m.links[id]
	if l == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUnknownPeer, id)
	}
	if l.role == RolePeripheral {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPeripheralLink, id)
	}
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	conn := l.conn
	if l.state == peer.StateConnected {
		m.sink.Enqueue(daemon.PeerDisconnected(id))
	}
	if l.state == peer.StateConnected || l.state == peer.StateConnecting {
		l.state = peer.StateDisconnected
	}
	l.conn = nil
	l.msgChar = nil
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			m.log.Warn("[BLE] disconnect failed", "peer", id, "error", err)
		}
	}
	m.log.Info("[BLE] disconnected by request", "peer", id)
	return nil
}

// Send wraps data in a TextMessage packet and writes it to the peer. In
// the central role the packet goes to the remote message characteristic;
// in the peripheral role it is notified to every subscribed central.
// Sending to a peer that is not connected fails without side effects.
func (m *Manager) Send(id peer.ID, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLong, len(data), MaxMessageSize)
	}
	pkt, err := protocol.EncodeText(data)
	if err != nil {
		return fmt.Errorf("ble: encode: %w", err)
	}
	return m.write(id, pkt)
}

// write delivers an encoded packet over whichever role owns the link.
func (m *Manager) write(id peer.ID, pkt []byte) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	l := m.links[id]
	if l == nil || l.state != peer.StateConnected {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotConnected, id)
	}
	role, ch, periph := l.role, l.msgChar, m.periph
	m.mu.Unlock()

	if role == RolePeripheral {
		if periph == nil {
			return ErrNoPeripheral
		}
		if err := periph.Notify(pkt); err != nil {
			return fmt.Errorf("ble: notify %v: %w", id, err)
		}
		return nil
	}
	if ch == nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, id)
	}
	if err := ch.Write(pkt); err != nil {
		return fmt.Errorf("ble: write %v: %w", id, err)
	}
	return nil
}

// State returns the link state of id.
func (m *Manager) State(id peer.ID) (peer.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return peer.StateDiscovered, false
	}
	return l.state, true
}

// DiscoveredPeers returns every peer seen since the manager was created,
// ordered by ID.
func (m *Manager) DiscoveredPeers() []peer.Peer {
	return m.peers(func(*link) bool { return true })
}

// ConnectedPeers returns peers with an established link, ordered by ID.
func (m *Manager) ConnectedPeers() []peer.Peer {
	return m.peers(func(l *link) bool { return l.state == peer.StateConnected })
}

func (m *Manager) peers(keep func(*link) bool) []peer.Peer {
	m.mu.Lock()
	out := make([]peer.Peer, 0, len(m.links))
	for _, l := range m.links {
		if keep(l) {
			out = append(out, l.snapshot())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// scanLoop scans in windows until ctx is cancelled.
func (m *Manager) scanLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		scanCtx, cancel := ctx, context.CancelFunc(func() {})
		if m.opts.ScanInterval > 0 {
			scanCtx, cancel = context.WithTimeout(ctx, m.opts.ScanInterval)
		}
		err := m.adapter.Scan(scanCtx, ServiceUUID, m.handleDiscovered)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.Warn("[BLE] scan failed", "error", err)
			pause := m.opts.ScanInterval
			if pause <= 0 {
				pause = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
		}
	}
}

// handleDiscovered records an advertisement and applies the auto-connect
// policy.
func (m *Manager) handleDiscovered(dev Device) {
	if dev.Address == "" || dev.Name == m.localName {
		return
	}
	id := peer.DeriveID(dev.Address)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	l := m.links[id]
	if l == nil {
		l = &link{id: id, address: dev.Address, role: RoleCentral, state: peer.StateDiscovered}
		m.links[id] = l
		m.log.Info("[BLE] discovered", "peer", id, "name", dev.Name, "address", dev.Address, "rssi", dev.RSSI)
	}
	if dev.Name != "" {
		l.name = dev.Name
	}
	l.rssi = dev.RSSI
	l.lastSeen = time.Now()

	if m.opts.AutoConnect && l.state == peer.StateDiscovered && l.timer == nil && m.shouldInitiate(dev.Name) {
		m.dialLocked(l)
	}
}

// shouldInitiate breaks the tie when two mesh nodes discover each other:
// only the one with the lower advertised name connects out, the other
// accepts in the peripheral role. Foreign advertisers are always dialed,
// and so is everyone when this node cannot advertise, since the remote
// side never sees it. Caller must hold mu.
func (m *Manager) shouldInitiate(remoteName string) bool {
	if m.periph == nil || !strings.HasPrefix(remoteName, m.opts.LocalNamePrefix) {
		return true
	}
	return m.localName < remoteName
}

// dialLocked moves l to Connecting and starts a connection attempt.
// Caller must hold mu and have checked running.
func (m *Manager) dialLocked(l *link) {
	l.gen++
	l.state = peer.StateConnecting
	m.wg.Add(1)
	go m.dial(m.ctx, l.id, l.address, l.gen)
}

func (m *Manager) dial(ctx context.Context, id peer.ID, address string, gen uint64) {
	defer m.wg.Done()
	m.log.Info("[BLE] connecting", "peer", id, "address", address)

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	conn, err := m.adapter.Connect(cctx, address)
	cancel()
	if err != nil {
		m.connectFailed(id, gen, err)
		return
	}

	msgChar, err := conn.DiscoverCharacteristic(ServiceUUID, MessageCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		m.connectFailed(id, gen, fmt.Errorf("ble: discover message characteristic: %w", err))
		return
	}
	var uid string
	if idChar, err := conn.DiscoverCharacteristic(ServiceUUID, IdentityCharUUID); err == nil {
		if b, err := idChar.Read(); err == nil {
			uid = strings.TrimSpace(string(b))
		} else {
			m.log.Debug("[BLE] identity read failed", "peer", id, "error", err)
		}
	}
	if err := msgChar.Subscribe(func(data []byte) { m.handleInbound(id, gen, data) }); err != nil {
		_ = conn.Disconnect()
		m.connectFailed(id, gen, fmt.Errorf("ble: subscribe: %w", err))
		return
	}
	conn.OnDisconnect(func() { m.linkLost(id, gen) })

	m.mu.Lock()
	l := m.links[id]
	if !m.running || l == nil || l.gen != gen {
		m.mu.Unlock()
		_ = conn.Disconnect()
		return
	}
	l.conn = conn
	l.msgChar = msgChar
	l.state = peer.StateConnected
	l.failures = 0
	l.lastSeen = time.Now()
	if uid != "" {
		l.uid = uid
	}
	uid = l.uid
	m.sink.Enqueue(daemon.PeerConnected(id, uid))
	m.mu.Unlock()

	m.log.Info("[BLE] connected", "peer", id, "uid", uid)

	hello, err := protocol.EncodeIdentity(m.opts.UID)
	if err != nil {
		m.log.Warn("[BLE] encode identity", "error", err)
		return
	}
	if err := msgChar.Write(hello); err != nil {
		m.log.Warn("[BLE] identity write failed", "peer", id, "error", err)
	}
}

// connectFailed moves a Connecting link to Failed and consults the
// reconnect policy.
func (m *Manager) connectFailed(id peer.ID, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.links[id]
	if !m.running || l == nil || l.gen != gen {
		return
	}
	l.state = peer.StateFailed
	l.failures++
	m.log.Warn("[BLE] connect failed", "peer", id, "attempt", l.failures, "error", err)
	m.scheduleLocked(l)
}

// linkLost handles an unexpected drop of an established central link.
func (m *Manager) linkLost(id peer.ID, gen uint64) {
	m.mu.Lock()
	l := m.links[id]
	if l == nil || l.gen != gen || l.state != peer.StateConnected {
		m.mu.Unlock()
		return
	}
	l.state = peer.StateDisconnected
	l.conn = nil
	l.msgChar = nil
	m.sink.Enqueue(daemon.PeerDisconnected(id))
	m.log.Warn("[BLE] link lost", "peer", id)
	if m.running {
		m.scheduleLocked(l)
	}
	m.mu.Unlock()
}

// scheduleLocked arms a reconnect timer for l when the policy allows.
// Caller must hold mu.
func (m *Manager) scheduleLocked(l *link) {
	delay, ok := m.opts.Reconnect.Next(l.failures)
	if !ok {
		m.log.Warn("[BLE] giving up on peer", "peer", l.id, "attempts", l.failures)
		return
	}
	id, gen := l.id, l.gen
	l.timer = time.AfterFunc(delay, func() { m.retry(id, gen) })
	m.log.Info("[BLE] reconnect scheduled", "peer", id, "delay", delay)
}

func (m *Manager) retry(id peer.ID, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.links[id]
	if !m.running || l == nil || l.gen != gen {
		return
	}
	l.timer = nil
	switch l.state {
	case peer.StateFailed:
		l.state = peer.StateDiscovered
	case peer.StateDisconnected, peer.StateDiscovered:
	default:
		return
	}
	m.dialLocked(l)
}

// handleCentral tracks centrals connecting to our peripheral.
func (m *Manager) handleCentral(central string, connected bool) {
	id := peer.DeriveID(central)
	if connected {
		m.acceptCentral(central)
		return
	}

	m.mu.Lock()
	l := m.links[id]
	if l == nil || l.role != RolePeripheral || l.state != peer.StateConnected {
		m.mu.Unlock()
		return
	}
	l.state = peer.StateDisconnected
	m.sink.Enqueue(daemon.PeerDisconnected(id))
	m.mu.Unlock()

	m.log.Info("[BLE] central disconnected", "peer", id)
}

// acceptCentral registers an inbound link, reporting it once, and returns
// the link's id and generation.
func (m *Manager) acceptCentral(central string) (peer.ID, uint64) {
	id := peer.DeriveID(central)
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return id, 0
	}
	l := m.links[id]
	if l == nil {
		l = &link{id: id, address: central, role: RolePeripheral, state: peer.StateDiscovered}
		m.links[id] = l
	}
	l.lastSeen = time.Now()
	gen := l.gen
	if l.state == peer.StateConnected {
		m.mu.Unlock()
		return id, gen
	}
	l.role = RolePeripheral
	l.state = peer.StateConnected
	m.sink.Enqueue(daemon.PeerConnected(id, l.uid))
	m.mu.Unlock()

	m.log.Info("[BLE] central connected", "peer", id)
	return id, gen
}

// handleWrite receives writes from a central. Some radio stacks do not
// report central connections, so the first write also accepts the link.
func (m *Manager) handleWrite(central string, data []byte) {
	if !m.IsRunning() {
		return
	}
	id, gen := m.acceptCentral(central)
	m.handleInbound(id, gen, data)
}

// handleInbound decodes one packet from generation gen of the link to id
// and turns it into events. Packets from a link that is no longer
// connected, or from a superseded connection, are dropped.
// TextMessages are acknowledged in the central role only: a peripheral
// notify reaches every subscribed central.
func (m *Manager) handleInbound(id peer.ID, gen uint64, data []byte) {
	pkt, ok := protocol.Decode(data)
	if !ok {
		m.log.Debug("[BLE] dropping malformed packet", "peer", id, "bytes", len(data))
		return
	}

	m.mu.Lock()
	l := m.links[id]
	if !m.running || l == nil {
		m.mu.Unlock()
		return
	}
	if l.gen != gen || l.state != peer.StateConnected {
		m.mu.Unlock()
		m.log.Debug("[BLE] dropping packet from stale link", "peer", id, "type", pkt.Type)
		return
	}
	l.lastSeen = time.Now()

	switch pkt.Type {
	case protocol.TypeIdentity:
		if uid := strings.TrimSpace(string(pkt.Payload)); uid != "" {
			l.uid = uid
		}
		m.sink.Enqueue(daemon.PeerConnected(id, l.uid))
		m.mu.Unlock()
		m.log.Info("[BLE] identity received", "peer", id, "uid", string(pkt.Payload))
	case protocol.TypeTextMessage:
		m.sink.Enqueue(daemon.DataReceived(id, l.uid, pkt.Payload))
		role := l.role
		m.mu.Unlock()
		if role != RoleCentral {
			return
		}
		if err := m.write(id, protocol.EncodeAck()); err != nil {
			m.log.Debug("[BLE] ack not sent", "peer", id, "error", err)
		}
	default:
		m.mu.Unlock()
		m.log.Debug("[BLE] ack received", "peer", id)
	}
}

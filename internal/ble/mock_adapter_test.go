package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/meshcore/internal/daemon"
)

// waitFor polls cond until it returns true or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	value    []byte
	writeErr error
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) allWrites() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *mockCharacteristic) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

// mockConnection simulates an outbound link to a mesh node.
type mockConnection struct {
	mu           sync.Mutex
	msgChar      *mockCharacteristic
	idChar       *mockCharacteristic // nil when the remote exposes no identity
	disconnectCb func()
	disconnected bool
}

func newMockConnection(identity string) *mockConnection {
	c := &mockConnection{msgChar: &mockCharacteristic{}}
	if identity != "" {
		c.idChar = &mockCharacteristic{value: []byte(identity)}
	}
	return c
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	switch charUUID {
	case MessageCharUUID:
		return c.msgChar, nil
	case IdentityCharUUID:
		if c.idChar == nil {
			return nil, fmt.Errorf("mock: characteristic %q not found", charUUID)
		}
		return c.idChar, nil
	default:
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// mockPeripheral records notifications pushed to subscribed centrals.
type mockPeripheral struct {
	mu       sync.Mutex
	notifies [][]byte
	stopped  bool
}

func (p *mockPeripheral) Notify(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifies = append(p.notifies, append([]byte(nil), data...))
	return nil
}

func (p *mockPeripheral) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *mockPeripheral) lastNotify() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.notifies) == 0 {
		return nil
	}
	return p.notifies[len(p.notifies)-1]
}

func (p *mockPeripheral) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// mockAdapter simulates the BLE adapter in both roles.
type mockAdapter struct {
	mu         sync.Mutex
	devices    []Device
	identities map[string]string // remote identity characteristic by address
	conns      map[string]*mockConnection
	connects   int
	failFirst  int   // number of Connect calls that fail before succeeding
	connectErr error // every Connect fails when set
	enableErr  error
	serveErr   error
	serves     int
	cfg        ServiceConfig
	periph     *mockPeripheral
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{
		devices:    devices,
		identities: make(map[string]string),
		conns:      make(map[string]*mockConnection),
		periph:     &mockPeripheral{},
	}
}

func (a *mockAdapter) Enable() error { return a.enableErr }

// Scan reports every configured device once, then blocks until ctx is done.
func (a *mockAdapter) Scan(ctx context.Context, _ string, found func(Device)) error {
	a.mu.Lock()
	devices := append([]Device(nil), a.devices...)
	a.mu.Unlock()
	for _, d := range devices {
		found(d)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(_ context.Context, address string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	if a.failFirst > 0 {
		a.failFirst--
		return nil, errors.New("mock: connect failed")
	}
	conn := newMockConnection(a.identities[address])
	a.conns[address] = conn
	return conn, nil
}

func (a *mockAdapter) Serve(cfg ServiceConfig) (Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serves++
	if a.serveErr != nil {
		return nil, a.serveErr
	}
	a.cfg = cfg
	return a.periph, nil
}

// connection returns the most recent connection to address (thread-safe).
func (a *mockAdapter) connection(address string) *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[address]
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *mockAdapter) setConnectErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

func (a *mockAdapter) serviceConfig() ServiceConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// SimulateCentral reports a remote central connecting or leaving.
func (a *mockAdapter) SimulateCentral(central string, connected bool) {
	if cb := a.serviceConfig().OnCentral; cb != nil {
		cb(central, connected)
	}
}

// SimulateWrite delivers a central's write to the message characteristic.
func (a *mockAdapter) SimulateWrite(central string, data []byte) {
	if cb := a.serviceConfig().OnWrite; cb != nil {
		cb(central, data)
	}
}

// recordingSink captures events the manager enqueues.
type recordingSink struct {
	mu     sync.Mutex
	events []daemon.Event
}

func (s *recordingSink) Enqueue(ev daemon.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true
}

func (s *recordingSink) snapshot() []daemon.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]daemon.Event(nil), s.events...)
}

func (s *recordingSink) count(t daemon.EventType) int {
	n := 0
	for _, ev := range s.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (s *recordingSink) last(t daemon.EventType) (daemon.Event, bool) {
	events := s.snapshot()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == t {
			return events[i], true
		}
	}
	return daemon.Event{}, false
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}

func TestMockPeripheralImplementsInterface(t *testing.T) {
	var _ Peripheral = (*mockPeripheral)(nil)
}

package bridge

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/meshcore/internal/daemon"
	"github.com/chaz8081/meshcore/internal/peer"
)

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

func mustCreate(t *testing.T, b *Bridge) Handle {
	t.Helper()
	h, err := b.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h == 0 {
		t.Fatal("Create() returned the zero handle")
	}
	t.Cleanup(func() { b.Destroy(h) })
	return h
}

// connectPeer simulates a peer and waits for the engine to register it.
func connectPeer(t *testing.T, b *Bridge, h Handle, id peer.ID, uid string) {
	t.Helper()
	want := b.PeerCount(h) + 1
	if code := b.SimulatePeerConnect(h, id, uid); code != CodeNone {
		t.Fatalf("SimulatePeerConnect() = %v", code)
	}
	waitFor(t, time.Second, func() bool { return b.PeerCount(h) == want })
}

func TestCreateDestroy(t *testing.T) {
	b := New(Options{})
	h, err := b.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !b.IsRunning(h) {
		t.Fatal("IsRunning() = false after Create()")
	}

	b.Destroy(h)
	if b.IsRunning(h) {
		t.Error("IsRunning() = true after Destroy()")
	}
	b.Destroy(h)
	b.Destroy(0)
	if got := b.SendMessage(h, 1, []byte("x")); got != CodeInvalidParameter {
		t.Errorf("SendMessage() on destroyed handle = %v, want %v", got, CodeInvalidParameter)
	}
}

func TestHandlesAreIndependent(t *testing.T) {
	b := New(Options{})
	h1 := mustCreate(t, b)
	h2 := mustCreate(t, b)
	if h1 == h2 {
		t.Fatalf("handles not unique: %d", h1)
	}

	connectPeer(t, b, h1, 1, "a")
	b.Destroy(h1)
	if !b.IsRunning(h2) {
		t.Error("destroying one core stopped another")
	}
	if got := b.PeerCount(h2); got != 0 {
		t.Errorf("PeerCount(h2) = %d, want 0", got)
	}
}

func TestVersion(t *testing.T) {
	if got := New(Options{}).Version(); got != Version || got == "" {
		t.Errorf("Version() = %q", got)
	}
}

func TestSendMessageSizeBoundary(t *testing.T) {
	b := New(Options{})
	h := mustCreate(t, b)
	connectPeer(t, b, h, 1, "p")

	tests := []struct {
		name string
		data []byte
		want Code
	}{
		{"nil", nil, CodeInvalidParameter},
		{"empty", []byte{}, CodeInvalidParameter},
		{"one byte", []byte("x"), CodeNone},
		{"max", bytes.Repeat([]byte{'a'}, MaxMessageSize), CodeNone},
		{"one over", bytes.Repeat([]byte{'a'}, MaxMessageSize+1), CodeMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.SendMessage(h, 1, tt.data); got != tt.want {
				t.Errorf("SendMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSendMessageErrors(t *testing.T) {
	b := New(Options{})
	h := mustCreate(t, b)
	connectPeer(t, b, h, 1, "p")

	if got := b.SendMessage(h, 2, []byte("x")); got != CodePeerNotFound {
		t.Errorf("SendMessage(unknown peer) = %v, want %v", got, CodePeerNotFound)
	}
	if got := b.SendMessageToUID(h, "nobody", []byte("x")); got != CodePeerNotFound {
		t.Errorf("SendMessageToUID(unknown) = %v, want %v", got, CodePeerNotFound)
	}
	if got := b.SendMessageToUID(h, "", []byte("x")); got != CodeInvalidParameter {
		t.Errorf("SendMessageToUID(\"\") = %v, want %v", got, CodeInvalidParameter)
	}
	if got := b.SendMessageToUID(h, "p", []byte("x")); got != CodeNone {
		t.Errorf("SendMessageToUID(p) = %v, want %v", got, CodeNone)
	}
	if got := b.SendMessage(0, 1, []byte("x")); got != CodeInvalidParameter {
		t.Errorf("SendMessage(zero handle) = %v, want %v", got, CodeInvalidParameter)
	}
	if got := b.SetCallbacks(999, Callbacks{}); got != CodeInvalidParameter {
		t.Errorf("SetCallbacks(unknown handle) = %v, want %v", got, CodeInvalidParameter)
	}
	if got := b.PeerCount(999); got != 0 {
		t.Errorf("PeerCount(unknown handle) = %d, want 0", got)
	}
}

func TestLoopbackRoundTripThroughCallbacks(t *testing.T) {
	b := New(Options{})
	h := mustCreate(t, b)

	var mu sync.Mutex
	var got []daemon.Message
	var ctxs []any
	b.SetCallbacks(h, Callbacks{
		OnMessage: func(ctx any, msg daemon.Message) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, msg)
			ctxs = append(ctxs, ctx)
		},
		Context: "host-ctx",
	})

	connectPeer(t, b, h, 1, "p")
	if code := b.SendMessage(h, 1, []byte("hello")); code != CodeNone {
		t.Fatalf("SendMessage() = %v", code)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].PeerID != 1 || string(got[0].Data) != "hello" || got[0].UID != "p" {
		t.Errorf("message = %+v", got[0])
	}
	if ctxs[0] != "host-ctx" {
		t.Errorf("context = %v, want host-ctx", ctxs[0])
	}
}

func TestSimulateMessageEnrichesUID(t *testing.T) {
	b := New(Options{})
	h := mustCreate(t, b)
	ch, code := b.Subscribe(h)
	if code != CodeNone {
		t.Fatalf("Subscribe() = %v", code)
	}

	connectPeer(t, b, h, 7, "grace")
	if code := b.SimulateMessage(h, 7, []byte("hi")); code != CodeNone {
		t.Fatalf("SimulateMessage() = %v", code)
	}
	if code := b.SimulateMessage(h, 7, nil); code != CodeInvalidParameter {
		t.Errorf("SimulateMessage(nil) = %v, want %v", code, CodeInvalidParameter)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case n := <-ch:
			if n.Kind != NotifyMessage {
				continue
			}
			if n.Message.UID != "grace" || string(n.Message.Data) != "hi" {
				t.Errorf("message = %+v", n.Message)
			}
			return
		case <-deadline:
			t.Fatal("no message notification")
		}
	}
}

func TestSubscribeClosedOnDestroy(t *testing.T) {
	b := New(Options{})
	h, err := b.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ch, _ := b.Subscribe(h)
	again, _ := b.Subscribe(h)
	if ch != again {
		t.Error("Subscribe() returned a different channel on second call")
	}
	connectPeer(t, b, h, 1, "")

	b.Destroy(h)
	var kinds []NotificationKind
	for n := range ch {
		kinds = append(kinds, n.Kind)
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != NotifyStatus {
		t.Errorf("notifications = %v, want to end with the stopped status", kinds)
	}
	if _, code := b.Subscribe(h); code != CodeInvalidParameter {
		t.Errorf("Subscribe(destroyed) = %v, want %v", code, CodeInvalidParameter)
	}
}

func TestSubscriberFullDoesNotBlockEngine(t *testing.T) {
	b := New(Options{SubscriberBuffer: 1})
	h := mustCreate(t, b)
	b.Subscribe(h)

	for i := 1; i <= 5; i++ {
		connectPeer(t, b, h, peer.ID(i), "")
	}
	if got := b.PeerCount(h); got != 5 {
		t.Errorf("PeerCount() = %d, want 5", got)
	}
}

func TestQueueFullCode(t *testing.T) {
	b := New(Options{Engine: daemon.Options{QueueCapacity: 1}})
	h := mustCreate(t, b)

	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	b.SetCallbacks(h, Callbacks{OnPeer: func(any, daemon.PeerUpdate) { <-release }})

	c, _ := b.lookup(h)
	if code := b.SimulatePeerConnect(h, 1, ""); code != CodeNone {
		t.Fatalf("SimulatePeerConnect(1) = %v", code)
	}
	waitFor(t, time.Second, c.engine.IsBusy)

	if code := b.SimulatePeerConnect(h, 2, ""); code != CodeNone {
		t.Fatalf("SimulatePeerConnect(2) = %v", code)
	}
	if code := b.SimulatePeerConnect(h, 3, ""); code != CodeQueueFull {
		t.Errorf("SimulatePeerConnect(3) = %v, want %v", code, CodeQueueFull)
	}
	unblock()
	waitFor(t, time.Second, func() bool { return b.PeerCount(h) == 2 })
}

type stoppingTransport struct {
	mu      sync.Mutex
	stopped bool
}

func (s *stoppingTransport) Send(peer.ID, []byte) error { return nil }

func (s *stoppingTransport) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func TestDestroyStopsTransport(t *testing.T) {
	tr := &stoppingTransport{}
	b := New(Options{NewTransport: func(*daemon.Engine) (daemon.Transport, error) { return tr, nil }})
	h, err := b.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	b.Destroy(h)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.stopped {
		t.Error("transport not stopped by Destroy()")
	}
}

func TestTransportEventsDuringCreateAreKept(t *testing.T) {
	id := peer.DeriveID("early-peer")
	b := New(Options{NewTransport: func(e *daemon.Engine) (daemon.Transport, error) {
		// A radio transport starts linking peers as soon as it is built.
		if !e.Enqueue(daemon.PeerConnected(id, "early")) {
			t.Error("engine rejected an event from the transport during Create()")
		}
		return &stoppingTransport{}, nil
	}})
	h := mustCreate(t, b)
	defer b.Destroy(h)

	waitFor(t, time.Second, func() bool { return b.PeerCount(h) == 1 })
	if code := b.SendMessageToUID(h, "early", []byte("hi")); code != CodeNone {
		t.Errorf("SendMessageToUID() = %v, want none", code)
	}
}

func TestSubscribeRacingDestroy(t *testing.T) {
	b := New(Options{})
	h := mustCreate(t, b)
	c, ok := b.lookup(h)
	if !ok {
		t.Fatal("lookup() failed for a live handle")
	}
	b.Destroy(h)

	if ch, code := c.subscribe(4); code != CodeInvalidParameter || ch != nil {
		t.Errorf("subscribe() after Destroy() = %v, %v; want nil, invalid parameter", ch, code)
	}
	if _, code := b.Subscribe(h); code != CodeInvalidParameter {
		t.Errorf("Subscribe() after Destroy() = %v, want invalid parameter", code)
	}
}

func TestCreateTransportError(t *testing.T) {
	b := New(Options{NewTransport: func(*daemon.Engine) (daemon.Transport, error) {
		return nil, errors.New("no radio")
	}})
	h, err := b.Create()
	if err == nil || h != 0 {
		t.Errorf("Create() = %d, %v; want 0 and an error", h, err)
	}
	if b.IsRunning(h) {
		t.Error("IsRunning() = true for a failed Create()")
	}
}

package connection

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pairchat/pairchat-go/transport"
)

// fakeTransport records sent frames and lets tests fire inbound frames and
// state events by hand.
type fakeTransport struct {
	mu           sync.Mutex
	started      bool
	stopped      bool
	connected    bool
	sent         []transport.Frame
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SetFrameHandler(fn transport.FrameHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frameHandler = fn
}

func (f *fakeTransport) SetStateHandler(fn transport.StateHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateHandler = fn
}

func (f *fakeTransport) Send(frame transport.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) fireState(ev transport.Event, reason string) {
	f.mu.Lock()
	if ev == transport.EventConnected {
		f.connected = true
	}
	if ev == transport.EventDisconnected {
		f.connected = false
	}
	handler := f.stateHandler
	f.mu.Unlock()
	if handler != nil {
		handler(f, ev, reason)
	}
}

func (f *fakeTransport) fireFrame(event string, data string) {
	f.mu.Lock()
	handler := f.frameHandler
	f.mu.Unlock()
	if handler != nil {
		handler(transport.Frame{Event: event, Data: json.RawMessage(data)})
	}
}

func (f *fakeTransport) sentFrames() []transport.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestManager() (*Manager, *fakeTransport) {
	ft := &fakeTransport{}
	return NewManager(Config{Transport: ft}), ft
}

func TestManager_InitialState(t *testing.T) {
	m, _ := newTestManager()
	if m.State() != StateDisconnected {
		t.Errorf("initial state = %v, want disconnected", m.State())
	}
}

func TestManager_Connect_Transitions(t *testing.T) {
	m, ft := newTestManager()

	var states []State
	m.OnStateChange(func(s State, _ string) {
		states = append(states, s)
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != StateConnecting {
		t.Errorf("state after Connect = %v, want connecting", m.State())
	}

	ft.fireState(transport.EventConnected, "")
	if m.State() != StateConnected {
		t.Errorf("state after connect event = %v, want connected", m.State())
	}

	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("observed transitions = %v, want [connecting connected]", states)
	}
}

func TestManager_Disconnect_ReasonSurfaced(t *testing.T) {
	m, ft := newTestManager()
	m.Connect(context.Background())
	ft.fireState(transport.EventConnected, "")
	ft.fireState(transport.EventDisconnected, "transport close")

	if m.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", m.State())
	}
	if m.LastError() != "transport close" {
		t.Errorf("LastError = %q, want %q", m.LastError(), "transport close")
	}
}

func TestManager_Send_DroppedWhileDisconnected(t *testing.T) {
	m, ft := newTestManager()

	err := m.Send("chat-message", map[string]string{"roomId": "r1"})
	if err != transport.ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
	if len(ft.sentFrames()) != 0 {
		t.Error("frame must not be queued while disconnected")
	}
}

func TestManager_Send_WhenConnected(t *testing.T) {
	m, ft := newTestManager()
	m.Connect(context.Background())
	ft.fireState(transport.EventConnected, "")

	if err := m.Send("typing", map[string]any{"roomId": "r1", "isTyping": true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frames := ft.sentFrames()
	if len(frames) != 1 || frames[0].Event != "typing" {
		t.Errorf("sent frames = %v", frames)
	}
}

func TestManager_Subscribe_RegistrationOrder(t *testing.T) {
	m, ft := newTestManager()

	var order []int
	m.Subscribe("chat-message", func(json.RawMessage) { order = append(order, 1) })
	m.Subscribe("chat-message", func(json.RawMessage) { order = append(order, 2) })
	m.Subscribe("chat-message", func(json.RawMessage) { order = append(order, 3) })

	ft.fireFrame("chat-message", `{}`)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("handler order = %v, want [1 2 3]", order)
	}
}

func TestManager_Unsubscribe(t *testing.T) {
	m, ft := newTestManager()

	var calls int
	unsub := m.Subscribe("chat-message", func(json.RawMessage) { calls++ })

	ft.fireFrame("chat-message", `{}`)
	unsub()
	ft.fireFrame("chat-message", `{}`)

	if calls != 1 {
		t.Errorf("calls = %d, want 1 (handler removed after unsubscribe)", calls)
	}
}

func TestManager_Dispatch_PayloadDelivered(t *testing.T) {
	m, ft := newTestManager()

	var got string
	m.Subscribe("user-typing", func(data json.RawMessage) { got = string(data) })

	ft.fireFrame("user-typing", `{"userId":"u2","isTyping":true}`)

	if got != `{"userId":"u2","isTyping":true}` {
		t.Errorf("payload = %s", got)
	}
}

func TestManager_Reconnecting_State(t *testing.T) {
	m, ft := newTestManager()
	m.Connect(context.Background())
	ft.fireState(transport.EventConnected, "")
	ft.fireState(transport.EventDisconnected, "read error")
	ft.fireState(transport.EventReconnecting, "")

	if m.State() != StateConnecting {
		t.Errorf("state = %v, want connecting during reconnect", m.State())
	}
}

func TestManager_Close(t *testing.T) {
	m, ft := newTestManager()
	m.Connect(context.Background())
	ft.fireState(transport.EventConnected, "")

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("state after Close = %v, want disconnected", m.State())
	}
	if !ft.stopped {
		t.Error("transport should be stopped")
	}
}

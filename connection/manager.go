// Package connection provides the Connection Manager: the single shared
// transport connection, its three-state lifecycle signal, and the typed
// event subscription surface that drives the rest of the engine.
//
// The manager is passed by reference to every component that needs it; there
// is no process-wide singleton. Inbound frames are dispatched sequentially
// from the transport's read loop, so handlers never run concurrently with
// each other.
package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pairchat/pairchat-go/transport"
)

// State is the connection lifecycle state observed by the engine. Transport
// retry internals are hidden behind it.
type State int

const (
	// StateDisconnected means no connection exists and none is being attempted.
	StateDisconnected State = iota
	// StateConnecting means a connection or reconnection attempt is in progress.
	StateConnecting
	// StateConnected means the transport has a live connection.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Handler receives the raw JSON payload of a named event.
type Handler func(data json.RawMessage)

// Config configures a connection Manager.
type Config struct {
	// Transport carries the event frames. Required.
	Transport transport.Transport

	// Logger for connection events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Manager owns the transport connection and fans incoming frames out to
// per-event subscribers.
//
// The manager does not remember room membership: after a reconnect, room
// subscriptions must be re-established explicitly by the session layer.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      State
	lastError  string
	subs       map[string][]*subscription
	stateSubs  []*stateSubscription
}

type subscription struct {
	event string
	fn    Handler
}

type stateSubscription struct {
	fn func(state State, reason string)
}

// NewManager creates a connection manager over the given transport.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:  cfg,
		log:  logger.WithGroup("connection"),
		subs: make(map[string][]*subscription),
	}
	if cfg.Transport != nil {
		cfg.Transport.SetFrameHandler(m.dispatch)
		cfg.Transport.SetStateHandler(m.onTransportEvent)
	}
	return m
}

// Connect starts the transport. The state moves to connecting immediately;
// connected/disconnected transitions follow from transport events. The
// transport retries failed connections internally.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(StateConnecting, "")
	if err := m.cfg.Transport.Start(ctx); err != nil {
		m.setState(StateDisconnected, err.Error())
		return err
	}
	return nil
}

// Close stops the transport and moves to disconnected.
func (m *Manager) Close() error {
	err := m.cfg.Transport.Stop()
	m.setState(StateDisconnected, "closed")
	return err
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent disconnect or connect failure reason,
// empty if none.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Send emits a named event with the given payload. Fire-and-forget: while
// not connected it returns transport.ErrNotConnected and the event is
// dropped, never queued. Callers are responsible for checking State first.
func (m *Manager) Send(event string, payload any) error {
	if m.State() != StateConnected {
		return transport.ErrNotConnected
	}
	frame, err := transport.NewFrame(event, payload)
	if err != nil {
		return err
	}
	return m.cfg.Transport.Send(frame)
}

// Subscribe registers a handler for a named event. Multiple handlers per
// event are allowed and fire in registration order. The returned function
// removes the handler; every Subscribe must be paired with a call to it on
// teardown to avoid handler leaks across reconnects.
func (m *Manager) Subscribe(event string, fn Handler) (unsubscribe func()) {
	sub := &subscription{event: event, fn: fn}
	m.mu.Lock()
	m.subs[event] = append(m.subs[event], sub)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		handlers := m.subs[event]
		for i, s := range handlers {
			if s == sub {
				m.subs[event] = append(handlers[:i:i], handlers[i+1:]...)
				break
			}
		}
	}
}

// OnStateChange registers a handler for connection state transitions. The
// returned function removes it.
func (m *Manager) OnStateChange(fn func(state State, reason string)) (unsubscribe func()) {
	sub := &stateSubscription{fn: fn}
	m.mu.Lock()
	m.stateSubs = append(m.stateSubs, sub)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.stateSubs {
			if s == sub {
				m.stateSubs = append(m.stateSubs[:i:i], m.stateSubs[i+1:]...)
				break
			}
		}
	}
}

// dispatch fans a frame out to the event's subscribers in registration
// order. Handlers run outside the manager's lock.
func (m *Manager) dispatch(frame transport.Frame) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[frame.Event]))
	for _, s := range m.subs[frame.Event] {
		handlers = append(handlers, s.fn)
	}
	m.mu.Unlock()

	if len(handlers) == 0 {
		m.log.Debug("no subscribers for event", "event", frame.Event)
		return
	}
	for _, fn := range handlers {
		fn(frame.Data)
	}
}

func (m *Manager) onTransportEvent(_ transport.Transport, event transport.Event, reason string) {
	switch event {
	case transport.EventConnected:
		m.setState(StateConnected, "")
	case transport.EventDisconnected:
		m.setState(StateDisconnected, reason)
	case transport.EventReconnecting:
		m.setState(StateConnecting, "")
	case transport.EventError:
		m.mu.Lock()
		m.lastError = reason
		m.mu.Unlock()
		m.log.Debug("transport error", "reason", reason)
	}
}

func (m *Manager) setState(state State, reason string) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	if reason != "" {
		m.lastError = reason
	} else if state == StateConnected {
		m.lastError = ""
	}
	subs := make([]*stateSubscription, len(m.stateSubs))
	copy(subs, m.stateSubs)
	m.mu.Unlock()

	m.log.Info("connection state changed", "state", state.String(), "reason", reason)

	// Fire callbacks outside the lock
	for _, s := range subs {
		s.fn(state, reason)
	}
}

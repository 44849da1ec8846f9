// Package websocket provides the primary Transport implementation: a single
// websocket connection carrying JSON event frames, with automatic reconnect.
//
// Reconnection uses doubling backoff between DefaultReconnectInitialDelay
// and DefaultReconnectMaxDelay. Callers never see retry internals; they
// observe the connected/reconnecting/disconnected state events only.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairchat/pairchat-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultHandshakeTimeout bounds the websocket dial.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultReconnectInitialDelay is the delay before the first reconnect
	// attempt. It doubles after each failure.
	DefaultReconnectInitialDelay = time.Second

	// DefaultReconnectMaxDelay caps the reconnect backoff.
	DefaultReconnectMaxDelay = 30 * time.Second

	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
)

// Config holds the configuration for a websocket transport.
type Config struct {
	// URL is the websocket endpoint (e.g. "ws://chat.example.com/socket").
	URL string
	// RequestHeader is sent with the websocket handshake. Optional.
	RequestHeader http.Header
	// HandshakeTimeout bounds the dial. Default: 10 seconds.
	HandshakeTimeout time.Duration
	// ReconnectInitialDelay is the first reconnect backoff step. Default: 1s.
	ReconnectInitialDelay time.Duration
	// ReconnectMaxDelay caps the reconnect backoff. Default: 30s.
	ReconnectMaxDelay time.Duration
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a websocket connection.
type Transport struct {
	cfg          Config
	log          *slog.Logger
	mu           sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
	cancel       context.CancelFunc

	// writeMu serializes writes; gorilla connections support one concurrent
	// writer only.
	writeMu sync.Mutex
}

// New creates a new websocket transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = DefaultReconnectInitialDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("websocket"),
	}
}

// Start begins connecting to the server. It returns immediately; connection
// progress is reported through the state handler.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.URL == "" {
		return errors.New("websocket URL is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		cancel()
		return errors.New("transport already started")
	}
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(ctx)
	return nil
}

// Stop closes the connection and halts reconnection.
func (t *Transport) Stop() error {
	t.mu.Lock()
	cancel := t.cancel
	conn := t.conn
	t.cancel = nil
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// IsConnected returns true if the websocket connection is established.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.conn != nil
}

// SetFrameHandler sets the callback for incoming event frames.
func (t *Transport) SetFrameHandler(fn transport.FrameHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frameHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// Send marshals and writes one frame as a websocket text message.
func (t *Transport) Send(frame transport.Frame) error {
	t.mu.RLock()
	conn := t.conn
	connected := t.connected
	t.mu.RUnlock()

	if !connected || conn == nil {
		return transport.ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run is the connect/read/reconnect loop. It exits when ctx is cancelled.
func (t *Transport) run(ctx context.Context) {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	delay := t.cfg.ReconnectInitialDelay

	for {
		conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, t.cfg.RequestHeader)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Debug("dial failed", "url", t.cfg.URL, "error", err)
			t.fireState(transport.EventError, err.Error())
			if !t.sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, t.cfg.ReconnectMaxDelay)
			t.fireState(transport.EventReconnecting, "")
			continue
		}

		delay = t.cfg.ReconnectInitialDelay
		t.mu.Lock()
		t.conn = conn
		t.connected = true
		t.mu.Unlock()

		t.log.Info("connected", "url", t.cfg.URL)
		t.fireState(transport.EventConnected, "")

		reason := t.readLoop(ctx, conn)

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.connected = false
		t.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			t.fireState(transport.EventDisconnected, reason)
			return
		}

		t.log.Warn("connection lost", "reason", reason)
		t.fireState(transport.EventDisconnected, reason)
		t.fireState(transport.EventReconnecting, "")
		if !t.sleep(ctx, delay) {
			return
		}
		delay = min(delay*2, t.cfg.ReconnectMaxDelay)
	}
}

// readLoop reads frames until the connection fails and returns the failure
// reason. It also drives the keep-alive ping cycle.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) string {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go t.pingLoop(pingCtx, conn)

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err.Error()
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.log.Debug("failed to parse frame", "error", err)
			continue
		}
		if frame.Event == "" {
			t.log.Debug("frame missing event name")
			continue
		}

		t.mu.RLock()
		handler := t.frameHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(frame)
		}
	}
}

func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *Transport) fireState(event transport.Event, reason string) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()
	if handler != nil {
		handler(t, event, reason)
	}
}

// sleep waits for d or until ctx is cancelled. Returns false on cancel.
func (t *Transport) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/pairchat/pairchat-go/transport"
)

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{URL: "ws://localhost:3000/socket"})

	if tr.cfg.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Errorf("HandshakeTimeout = %v, want %v", tr.cfg.HandshakeTimeout, DefaultHandshakeTimeout)
	}
	if tr.cfg.ReconnectInitialDelay != DefaultReconnectInitialDelay {
		t.Errorf("ReconnectInitialDelay = %v, want %v", tr.cfg.ReconnectInitialDelay, DefaultReconnectInitialDelay)
	}
	if tr.cfg.ReconnectMaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("ReconnectMaxDelay = %v, want %v", tr.cfg.ReconnectMaxDelay, DefaultReconnectMaxDelay)
	}
	if tr.log == nil {
		t.Error("expected logger to be set")
	}
}

func TestStart_MissingURL(t *testing.T) {
	tr := New(Config{})
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("expected error with empty URL")
	}
}

func TestSend_NotConnected(t *testing.T) {
	tr := New(Config{URL: "ws://localhost:3000/socket"})

	frame, err := transport.NewFrame("typing", map[string]any{"roomId": "r1"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if err := tr.Send(frame); err != transport.ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestIsConnected_Default(t *testing.T) {
	tr := New(Config{URL: "ws://localhost:3000/socket"})
	if tr.IsConnected() {
		t.Error("expected not connected initially")
	}
}

// echoServer upgrades each request and echoes frames back verbatim.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := gorilla.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTransport_ConnectSendReceive(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	tr := New(Config{URL: wsURL(srv)})

	states := make(chan transport.Event, 8)
	tr.SetStateHandler(func(_ transport.Transport, ev transport.Event, _ string) {
		states <- ev
	})

	frames := make(chan transport.Frame, 8)
	tr.SetFrameHandler(func(f transport.Frame) {
		frames <- f
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop()

	select {
	case ev := <-states:
		if ev != transport.EventConnected {
			t.Fatalf("first state event = %v, want connected", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect")
	}

	frame, err := transport.NewFrame("chat-message", map[string]string{"roomId": "r1", "message": "hello"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if err := tr.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-frames:
		if got.Event != "chat-message" {
			t.Errorf("echoed event = %q, want chat-message", got.Event)
		}
		if !strings.Contains(string(got.Data), "hello") {
			t.Errorf("echoed data = %s", got.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}
}

func TestTransport_StopDisconnects(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	tr := New(Config{URL: wsURL(srv)})

	var mu sync.Mutex
	var seen []transport.Event
	connected := make(chan struct{}, 1)
	tr.SetStateHandler(func(_ transport.Transport, ev transport.Event, _ string) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
		if ev == transport.EventConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect")
	}

	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !tr.IsConnected() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("still connected after Stop")
}

func TestStart_Twice(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	tr := New(Config{URL: wsURL(srv)})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer tr.Stop()

	if err := tr.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

package mqtt

import (
	"context"
	"testing"

	"github.com/pairchat/pairchat-go/transport"
)

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{
		Broker:  "tcp://localhost:1883",
		Channel: "test",
	})

	if tr.cfg.TopicPrefix != DefaultTopicPrefix {
		t.Errorf("expected default topic prefix %q, got %q", DefaultTopicPrefix, tr.cfg.TopicPrefix)
	}
	if tr.log == nil {
		t.Error("expected logger to be set")
	}
}

func TestNew_CustomConfig(t *testing.T) {
	tr := New(Config{
		Broker:      "tcp://broker.example.com:1883",
		Username:    "user",
		Password:    "pass",
		TopicPrefix: "custom",
		Channel:     "room-events",
	})

	if tr.cfg.TopicPrefix != "custom" {
		t.Errorf("expected topic prefix %q, got %q", "custom", tr.cfg.TopicPrefix)
	}
	if tr.topic() != "custom/room-events" {
		t.Errorf("expected topic %q, got %q", "custom/room-events", tr.topic())
	}
}

func TestStart_MissingBroker(t *testing.T) {
	tr := New(Config{Channel: "test"})
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("expected error with empty broker")
	}
}

func TestStart_MissingChannel(t *testing.T) {
	tr := New(Config{Broker: "tcp://localhost:1883"})
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("expected error with empty channel")
	}
}

func TestSend_NotConnected(t *testing.T) {
	tr := New(Config{
		Broker:  "tcp://localhost:1883",
		Channel: "test",
	})

	frame, err := transport.NewFrame("typing", map[string]any{"roomId": "r1", "isTyping": true})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if err := tr.Send(frame); err != transport.ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestIsConnected_Default(t *testing.T) {
	tr := New(Config{
		Broker:  "tcp://localhost:1883",
		Channel: "test",
	})

	if tr.IsConnected() {
		t.Error("expected not connected initially")
	}
}

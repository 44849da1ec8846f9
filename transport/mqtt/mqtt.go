// Package mqtt provides an MQTT transport for broker-bridged deployments,
// where the chat server exchanges event frames over an MQTT broker instead
// of a direct websocket.
//
// Frames are published as JSON objects to "{prefix}/{channel}". The broker
// client's own reconnect machinery satisfies the transport contract: callers
// see only the connected/reconnecting/disconnected state events.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/pairchat/pairchat-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

// DefaultTopicPrefix is the default MQTT topic prefix for chat event frames.
const DefaultTopicPrefix = "pairchat"

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "pairchat").
	TopicPrefix string
	// Channel identifies the event channel shared with the server bridge.
	// The transport subscribes to "{TopicPrefix}/{Channel}" and publishes to
	// the same topic.
	Channel string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg          Config
	client       paho.Client
	log          *slog.Logger
	mu           sync.RWMutex
	connected    bool
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

// New creates a new MQTT transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Start connects to the MQTT broker and begins listening for frames.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if t.cfg.Channel == "" {
		return errors.New("channel is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "pairchat-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	t.client = paho.NewClient(opts)

	token := t.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected returns true if the transport is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
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

// Send marshals a frame and publishes it to the channel topic.
func (t *Transport) Send(frame transport.Frame) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	token := t.client.Publish(t.topic(), 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (t *Transport) topic() string {
	return t.cfg.TopicPrefix + "/" + t.cfg.Channel
}

func (t *Transport) subscribe() {
	topic := t.topic()
	t.client.Subscribe(topic, 0, t.handleMessage)
	t.log.Debug("subscribed to channel topic", "topic", topic)
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	handler := t.frameHandler
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	var frame transport.Frame
	if err := json.Unmarshal(message.Payload(), &frame); err != nil {
		t.log.Debug("failed to parse frame", "error", err)
		return
	}
	if frame.Event == "" {
		t.log.Debug("frame missing event name")
		return
	}

	handler(frame)
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	t.subscribe()
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker)

	if handler != nil {
		handler(t, transport.EventConnected, "")
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(t, transport.EventDisconnected, err.Error())
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()

	t.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(t, transport.EventReconnecting, "")
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

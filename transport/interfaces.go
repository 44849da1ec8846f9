// Package transport provides transport interfaces and implementations for
// carrying chat event frames between the client and the server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send while the transport has no live
// connection. Frames are never queued; callers decide whether to drop.
var ErrNotConnected = errors.New("transport not connected")

// Frame is a single named event with its JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewFrame builds a frame from an event name and a marshallable payload.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Transport is the base interface for all transport implementations.
type Transport interface {
	// Start begins the transport's connection and frame handling. The
	// provided context controls the transport's lifetime. Implementations
	// retry failed connections internally; callers observe progress through
	// the state handler only, never retry internals.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// IsConnected returns true if the transport is currently connected.
	IsConnected() bool
	// SetFrameHandler sets the callback for incoming event frames.
	SetFrameHandler(fn FrameHandler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
	// Send transmits a frame. Fire-and-forget: it returns ErrNotConnected
	// instead of queuing while disconnected.
	Send(frame Frame) error
}

// FrameHandler is called when an event frame is received.
type FrameHandler func(frame Frame)

// StateHandler is called when the transport state changes. The reason is
// empty except for disconnects and errors.
type StateHandler func(t Transport, event Event, reason string)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Package events defines the wire event contract between the client and the
// chat server.
//
// Inbound payloads are parsed and validated here, at the ingestion boundary,
// so the rest of the engine operates on a closed set of typed events instead
// of untyped maps. Outbound payloads are plain structs marshalled by the
// transport.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Socket event names, both directions.
const (
	EventJoinRoom              = "join-room"
	EventLeaveRoom             = "leave-room"
	EventChatMessage           = "chat-message"
	EventVoiceMessage          = "voice-message"
	EventTyping                = "typing"
	EventUserTyping            = "user-typing"
	EventLiveTyping            = "live-typing"
	EventUserLiveTyping        = "user-live-typing"
	EventUserStoppedLiveTyping = "user-stopped-live-typing"
	EventMessageDelivered      = "message-delivered"
	EventMessageSeen           = "message-seen"
	EventMessageStatusUpdate   = "message-status-update"
	EventBroadcastMessageSeen  = "broadcast-message-seen"
	EventMessageSaved          = "message-saved"
	EventRoomParticipants      = "room-participants"
	EventUserOnline            = "user-online"
	EventUserOffline           = "user-offline"
	EventOnlineUsers           = "online-users"
)

var (
	// ErrUnknownEvent is returned by Parse for event names outside the
	// inbound contract.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrBadPayload is returned by Parse when a payload fails to decode or
	// is missing required fields.
	ErrBadPayload = errors.New("malformed event payload")
)

// ID is a message identifier as it appears on the wire. Servers echo ids
// back as either JSON strings or numbers; both decode to the string form.
type ID string

// UnmarshalJSON accepts string and numeric ids.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// LocalID converts a local message id to its wire form.
func LocalID(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// WireTime formats a timestamp the way the server expects message
// timestamps: UTC ISO-8601 with millisecond precision.
func WireTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseWireTime parses a message timestamp, falling back to the given time
// when the field is absent or unparseable.
func ParseWireTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback
	}
	return t
}

// Inbound is the closed set of events the engine ingests. Every inbound
// event name maps to exactly one concrete type below.
type Inbound interface {
	inbound()
}

// ChatMessage is an incoming text message, or the server's room-wide echo of
// one of our own (identified by TempID).
type ChatMessage struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	MessageID ID     `json:"messageId"`
	TempID    ID     `json:"tempId"`
	Timestamp string `json:"timestamp"`
}

// VoiceMessage is an incoming voice message with its durable media URL.
type VoiceMessage struct {
	RoomID    string  `json:"roomId"`
	UserID    string  `json:"userId"`
	MessageID ID      `json:"messageId"`
	FileURL   string  `json:"fileUrl"`
	Duration  float64 `json:"duration"`
	Timestamp string  `json:"timestamp"`
}

// MessageSaved confirms that a locally-sent message was persisted, pairing
// the local id with the server-assigned one.
type MessageSaved struct {
	TempID    ID `json:"tempId"`
	RealID    ID `json:"realId"`
	MessageID ID `json:"messageId"`
}

// ServerID returns the durable id, whichever field the server used.
func (m *MessageSaved) ServerID() ID {
	if m.RealID != "" {
		return m.RealID
	}
	return m.MessageID
}

// StatusUpdate reports a message status change. The same shape arrives under
// three event names (message-seen, message-status-update,
// broadcast-message-seen); all are handled through one idempotent path.
type StatusUpdate struct {
	MessageID ID     `json:"messageId"`
	UserID    string `json:"userId"`
	SenderID  string `json:"senderId"`
	RoomID    string `json:"roomId"`
	Status    string `json:"status"`
	SeenBy    string `json:"seenBy"`
}

// Reporter returns the id of the user asserting the status.
func (u *StatusUpdate) Reporter() string {
	if u.SeenBy != "" {
		return u.SeenBy
	}
	return u.UserID
}

// UserTyping reports a remote user's coarse typing flag.
type UserTyping struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// UserLiveTyping is a remote user's live typing snapshot. Timestamp is UNIX
// milliseconds. Action mirrors the sender's keystroke kind; cursor-only
// actions (backspace, delete) still carry the full content.
type UserLiveTyping struct {
	RoomID         string `json:"roomId"`
	UserID         string `json:"userId"`
	Content        string `json:"content"`
	CursorPosition int    `json:"cursorPosition"`
	Action         string `json:"action"`
	Timestamp      int64  `json:"timestamp"`
}

// UserStoppedLiveTyping signals that a remote user's live preview should be
// cleared immediately.
type UserStoppedLiveTyping struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// RoomParticipants reports the current participant count of a room.
type RoomParticipants struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

// UserOnline reports a single user coming online.
type UserOnline struct {
	UserID string `json:"userId"`
}

// UserOffline reports a single user going offline.
type UserOffline struct {
	UserID string `json:"userId"`
}

// OnlineUsers is the full-set presence replace sent on connect.
type OnlineUsers struct {
	Users []string
}

func (*ChatMessage) inbound()           {}
func (*VoiceMessage) inbound()          {}
func (*MessageSaved) inbound()          {}
func (*StatusUpdate) inbound()          {}
func (*UserTyping) inbound()            {}
func (*UserLiveTyping) inbound()        {}
func (*UserStoppedLiveTyping) inbound() {}
func (*RoomParticipants) inbound()      {}
func (*UserOnline) inbound()            {}
func (*UserOffline) inbound()           {}
func (*OnlineUsers) inbound()           {}

// Parse decodes and validates an inbound payload for the given event name.
// The three seen-fact event names all decode to *StatusUpdate.
func Parse(event string, data []byte) (Inbound, error) {
	switch event {
	case EventChatMessage:
		var ev ChatMessage
		if err := decode(data, &ev); err != nil {
			return nil, err
		}
		if ev.RoomID == "" || ev.UserID == "" {
			return nil, fmt.Errorf("%w: %s missing roomId or userId", ErrBadPayload, event)
		}
		return &ev, nil

	case EventVoiceMessage:
		var ev VoiceMessage
		if err := decode(data, &ev); err != nil {
			return nil, err
		}
		if ev.RoomID == "" || ev.UserID == "" {
			return nil, fmt.Errorf("%w: %s missing roomId or userId", ErrBadPayload, event)
		}
		return &ev, nil

	case EventMessageSaved:
		var ev MessageSaved
		if err := decode(data, &ev); err != nil {
			return nil, err
		}
		if ev.TempID == "" || ev.ServerID() == "" {
			return nil, fmt.Errorf("%w: %s missing tempId or server id", ErrBadPayload, event)
		}
		return &ev, nil

	case EventMessageSeen, EventMessageStatusUpdate, EventBroadcastMessageSeen:
		var ev StatusUpdate
		if err := decode(data, &ev); err != nil {
			return nil, err
		}
		if ev.MessageID == "" || ev.Status == "" {
			return nil, fmt.Errorf("%w: %s missing messageId or status", ErrBadPayload, event)
		}
		return &ev, nil

	case EventUserTyping:
		var ev UserTyping
		if err := decode(data, &ev); err != nil {
			return nil, err
		}
		if ev.UserID == "" {
			return nil, fmt.Errorf("%w: %s missing userId", ErrBadPayload, event)
		}
		return &ev, nil

	case EventUserLiveTyping:
		var ev UserLiveTyping
		if err := decode(data, &ev); err != nil {
			return nil, err
		}
		if ev.UserID == "" {
			return nil, fmt.Errorf("%w: %s missing userId", ErrBadPayload, event)
		}
		return &ev, nil

	case EventUserStoppedLiveTyping:
		var ev UserStoppedLiveTyping
		if err := decode(data, &ev); err != nil {
			return nil, err
		}
		if ev.UserID == "" {
			return nil, fmt.Errorf("%w: %s missing userId", ErrBadPayload, event)
		}
		return &ev, nil

	case EventRoomParticipants:
		var ev RoomParticipants
		if err := decode(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventUserOnline:
		id, err := decodeUserID(data)
		if err != nil {
			return nil, err
		}
		return &UserOnline{UserID: id}, nil

	case EventUserOffline:
		id, err := decodeUserID(data)
		if err != nil {
			return nil, err
		}
		return &UserOffline{UserID: id}, nil

	case EventOnlineUsers:
		var users []string
		if err := decode(data, &users); err != nil {
			return nil, err
		}
		return &OnlineUsers{Users: users}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}

func decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// decodeUserID accepts both the bare-string form ("u1") and the object form
// ({"userId": "u1"}) used by user-online/user-offline.
func decodeUserID(data []byte) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return s, nil
	}
	var obj struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil || obj.UserID == "" {
		return "", fmt.Errorf("%w: presence event missing userId", ErrBadPayload)
	}
	return obj.UserID, nil
}

// Outbound payloads.

// RoomPayload is the body of join-room and leave-room.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// ChatMessageOut is an outbound text message. TempID carries the local id so
// the server's message-saved confirmation can be matched back.
type ChatMessageOut struct {
	RoomID    string `json:"roomId"`
	Message   string `json:"message"`
	UserID    string `json:"userId"`
	TempID    ID     `json:"tempId"`
	Timestamp string `json:"timestamp"`
}

// VoiceMessageOut announces an uploaded voice message to the room.
type VoiceMessageOut struct {
	RoomID    string  `json:"roomId"`
	UserID    string  `json:"userId"`
	MessageID ID      `json:"messageId"`
	FileURL   string  `json:"fileUrl"`
	Duration  float64 `json:"duration"`
	Timestamp string  `json:"timestamp"`
}

// TypingOut carries the coarse typing flag.
type TypingOut struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// LiveTypingOut is one live-typing update. Content and CursorPosition are
// omitted for actions that don't carry them: backspace and delete are
// cursor-only, start_typing carries neither, stop_typing sends the cleared
// content.
type LiveTypingOut struct {
	RoomID         string  `json:"roomId"`
	UserID         string  `json:"userId"`
	Content        *string `json:"content,omitempty"`
	CursorPosition *int    `json:"cursorPosition,omitempty"`
	Action         string  `json:"action"`
	Timestamp      int64   `json:"timestamp"`
}

// DeliveredOut acknowledges receipt of a foreign message.
type DeliveredOut struct {
	MessageID ID `json:"messageId"`
}

// SeenOut reports that the local user has seen a message. The same body is
// emitted under all three seen-fact event names.
type SeenOut struct {
	MessageID ID     `json:"messageId"`
	UserID    string `json:"userId"`
	SenderID  string `json:"senderId"`
	RoomID    string `json:"roomId"`
	Status    string `json:"status"`
	SeenBy    string `json:"seenBy"`
}

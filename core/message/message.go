// Package message implements the message store: optimistic sending, dual
// identity reconciliation, monotonic delivery status, and the seen protocol.
//
// The store is the single source of truth for conversation content. All
// mutation goes through it, and every mutation holds the store lock; server
// emissions and change callbacks fire outside the lock.
package message

import (
	"strconv"
	"time"
)

// Status is a message's delivery status. It only ever moves forward along
// sending, sent, delivered, seen; failed is a terminal state reachable only
// before the message is confirmed delivered.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusSeen
	StatusFailed
)

var statusNames = map[Status]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusSeen:      "seen",
	StatusFailed:    "failed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseStatus maps a wire status string to a Status.
func ParseStatus(s string) (Status, bool) {
	for st, n := range statusNames {
		if n == s {
			return st, true
		}
	}
	return StatusSending, false
}

// advance reports whether a transition from -> to is allowed. Transitions
// never move backwards, failed is terminal, and a delivered or seen message
// can no longer fail.
func advance(from, to Status) bool {
	if from == to || from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return from == StatusSending || from == StatusSent
	}
	return to > from
}

// Kind distinguishes text and voice messages.
type Kind int

const (
	KindText Kind = iota
	KindVoice
)

func (k Kind) String() string {
	if k == KindVoice {
		return "voice"
	}
	return "text"
}

// Message is one conversation message as seen by the engine.
//
// A locally-created message starts with only LocalID set; the server-assigned
// ServerID is attached later by the message-saved confirmation. Both ids stay
// valid lookup keys for the lifetime of the session. Foreign and
// history-loaded messages carry only a ServerID.
type Message struct {
	LocalID  int64
	ServerID string

	RoomID   string
	SenderID string
	Kind     Kind

	// Content is the text body. Empty for voice messages.
	Content string

	// FileURL and Duration are set for voice messages.
	FileURL  string
	Duration float64

	Timestamp time.Time
	Status    Status

	// SeenBy lists users who reported seeing the message. Never contains
	// the sender.
	SeenBy []string
}

// CanonicalID returns the id used on the wire: the server id once assigned,
// the decimal local id before that.
func (m *Message) CanonicalID() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return strconv.FormatInt(m.LocalID, 10)
}

// Mine reports whether the message was sent by the given user.
func (m *Message) Mine(userID string) bool {
	return m.SenderID == userID
}

package session

import (
	"errors"
	"fmt"

	"github.com/pairchat/pairchat-go/api"
)

// Kind is the closed set of failure categories surfaced to callers. Anything
// the user cannot act on differently collapses into KindConnectionLost.
type Kind int

const (
	// KindConnectionLost covers network failures and server-side (5xx)
	// errors: from the user's point of view both read as "can't reach the
	// room right now, retry later".
	KindConnectionLost Kind = iota

	// KindRateLimited means the server asked us to back off joining.
	KindRateLimited

	// KindAccessDenied means the room is full or the user is not a member.
	KindAccessDenied

	// KindNotFound means the room does not exist.
	KindNotFound

	// KindMediaSendFailed means a voice recording could not be persisted.
	KindMediaSendFailed
)

func (k Kind) String() string {
	switch k {
	case KindConnectionLost:
		return "connection lost"
	case KindRateLimited:
		return "rate limited"
	case KindAccessDenied:
		return "access denied"
	case KindNotFound:
		return "not found"
	case KindMediaSendFailed:
		return "media send failed"
	default:
		return "unknown"
	}
}

// Error wraps an underlying failure with its user-facing category.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps an underlying error to its session category.
func classify(err error) *Error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RateLimited():
			return &Error{Kind: KindRateLimited, Err: err}
		case apiErr.Forbidden():
			return &Error{Kind: KindAccessDenied, Err: err}
		case apiErr.NotFound():
			return &Error{Kind: KindNotFound, Err: err}
		case apiErr.Transient():
			return &Error{Kind: KindConnectionLost, Err: err}
		}
	}
	return &Error{Kind: KindConnectionLost, Err: err}
}

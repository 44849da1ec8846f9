// Package presence maintains the set of currently-online users.
//
// Liveness is entirely server-asserted: the tracker applies the server's
// full-set replace on connect and incremental online/offline events after
// that. There is no client-side heartbeat or timeout logic. The set is
// global, not partitioned by room.
package presence

import (
	"log/slog"
	"sort"
	"sync"
)

// Tracker holds the online user set.
type Tracker struct {
	log    *slog.Logger
	mu     sync.Mutex
	online map[string]struct{}
}

// NewTracker creates an empty presence tracker. A nil logger falls back to
// slog.Default().
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		log:    logger.WithGroup("presence"),
		online: make(map[string]struct{}),
	}
}

// ReplaceAll replaces the whole set, as sent by the server on connect. This
// is also how the set resolves after a reconnect.
func (t *Tracker) ReplaceAll(users []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[string]struct{}, len(users))
	for _, u := range users {
		if u != "" {
			t.online[u] = struct{}{}
		}
	}
}

// SetOnline adds a user to the set. Idempotent.
func (t *Tracker) SetOnline(userID string) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online[userID] = struct{}{}
}

// SetOffline removes a user from the set. Idempotent against absence.
func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.online, userID)
}

// IsOnline returns true if the user is currently online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns the online user ids, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for u := range t.online {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of online users.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.online)
}

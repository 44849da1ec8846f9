// Package typing implements the two typing sub-protocols: the coarse
// "X is typing…" indicator and the character-level live typing preview.
//
// The local sides throttle and time out outbound emissions; the remote sides
// track peer state. The two protocols age differently on purpose: live
// previews expire locally when updates stop arriving, while the coarse
// indicator relies entirely on the paired stop event from the peer.
package typing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultIdleStop is how long after the last keystroke the coarse
	// indicator reports typing stopped.
	DefaultIdleStop = 2 * time.Second

	// checkInterval is the resolution of the typing timeout check loops.
	checkInterval = 50 * time.Millisecond
)

// IndicatorConfig configures the local coarse typing indicator.
type IndicatorConfig struct {
	// Emit sends the typing flag to the server. Required.
	Emit func(isTyping bool)

	// IdleStop is the keystroke idle timeout. Default: 2 seconds.
	IdleStop time.Duration

	// Logger for typing events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Indicator runs the local side of the coarse typing protocol: it emits
// typing=true on the first keystroke after an idle period, and typing=false
// after the idle timeout or immediately on send.
type Indicator struct {
	cfg      IndicatorConfig
	log      *slog.Logger
	mu       sync.Mutex
	typing   bool
	deadline time.Time
	cancel   context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewIndicator creates a coarse typing indicator.
func NewIndicator(cfg IndicatorConfig) *Indicator {
	if cfg.IdleStop <= 0 {
		cfg.IdleStop = DefaultIdleStop
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indicator{
		cfg:   cfg,
		log:   logger.WithGroup("typing"),
		nowFn: time.Now,
	}
}

// Keystroke records an input change with the current content. The first
// keystroke with non-blank content after an idle period emits typing=true;
// clearing the input emits typing=false immediately.
func (i *Indicator) Keystroke(content string) {
	blank := strings.TrimSpace(content) == ""

	i.mu.Lock()
	if blank {
		wasTyping := i.typing
		i.typing = false
		i.deadline = time.Time{}
		i.mu.Unlock()
		if wasTyping {
			i.cfg.Emit(false)
		}
		return
	}

	start := !i.typing
	i.typing = true
	i.deadline = i.nowFn().Add(i.cfg.IdleStop)
	i.mu.Unlock()

	if start {
		i.cfg.Emit(true)
	}
}

// MessageSent stops the indicator immediately.
func (i *Indicator) MessageSent() {
	i.mu.Lock()
	wasTyping := i.typing
	i.typing = false
	i.deadline = time.Time{}
	i.mu.Unlock()

	if wasTyping {
		i.cfg.Emit(false)
	}
}

// CheckIdle emits typing=false if the idle timeout has elapsed since the
// last keystroke.
func (i *Indicator) CheckIdle() {
	i.mu.Lock()
	expired := i.typing && !i.deadline.IsZero() && !i.nowFn().Before(i.deadline)
	if expired {
		i.typing = false
		i.deadline = time.Time{}
	}
	i.mu.Unlock()

	if expired {
		i.cfg.Emit(false)
	}
}

// IsTyping reports whether the local user currently counts as typing.
func (i *Indicator) IsTyping() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.typing
}

// Start begins the idle check loop. Blocks until the context is cancelled.
func (i *Indicator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.CheckIdle()
		}
	}
}

// Stop cancels the idle check loop.
func (i *Indicator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		i.cancel()
		i.cancel = nil
	}
}

// IndicatorSet tracks which remote users are currently typing.
//
// There is no client-side expiry: the set relies on receiving the paired
// isTyping=false event. A dropped stop event leaves the indicator stale;
// this is the protocol's documented best-effort contract, and the set does
// not patch over it with a local timeout.
type IndicatorSet struct {
	mu     sync.Mutex
	typing map[string]struct{}
}

// NewIndicatorSet creates an empty remote typing set.
func NewIndicatorSet() *IndicatorSet {
	return &IndicatorSet{typing: make(map[string]struct{})}
}

// Apply records a remote user's typing flag. Idempotent in both directions.
func (s *IndicatorSet) Apply(userID string, isTyping bool) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if isTyping {
		s.typing[userID] = struct{}{}
	} else {
		delete(s.typing, userID)
	}
}

// IsTyping returns true if the user is marked as typing.
func (s *IndicatorSet) IsTyping(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.typing[userID]
	return ok
}

// Typing returns the ids of users currently marked as typing, sorted.
func (s *IndicatorSet) Typing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing))
	for u := range s.typing {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Reset clears the set, e.g. when a session ends.
func (s *IndicatorSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = make(map[string]struct{})
}

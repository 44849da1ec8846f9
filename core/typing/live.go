package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Action identifies the kind of live typing update on the wire.
type Action string

const (
	// ActionTyping is a full content snapshot after an ordinary keystroke.
	ActionTyping Action = "typing"
	// ActionBackspace is a snapshot after a backspace keypress.
	ActionBackspace Action = "backspace"
	// ActionDelete is a snapshot after a forward-delete keypress.
	ActionDelete Action = "delete"
	// ActionStartTyping marks the start of a live typing burst.
	ActionStartTyping Action = "start_typing"
	// ActionStopTyping ends a live typing burst and clears the peer preview.
	ActionStopTyping Action = "stop_typing"
)

const (
	// DefaultThrottle is the minimum gap between content snapshot emissions.
	DefaultThrottle = 100 * time.Millisecond

	// DefaultStopDelay is the safety-net stop timeout after the last
	// keystroke. The stop on input clear is the primary signal; this covers
	// the case where the clear event is never produced.
	DefaultStopDelay = 1500 * time.Millisecond

	// DefaultPreviewTTL is how long a received preview stays visible without
	// a fresh update.
	DefaultPreviewTTL = 500 * time.Millisecond
)

// StreamerConfig configures the local live typing streamer.
type StreamerConfig struct {
	// Emit sends a live typing update to the server. Content and cursor are
	// nil for bare start/stop actions. Required.
	Emit func(action Action, content *string, cursor *int)

	// Throttle is the snapshot emission floor. Default: 100ms.
	Throttle time.Duration

	// StopDelay is the safety-net stop timeout. Default: 1500ms.
	StopDelay time.Duration

	// Logger for live typing events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Streamer runs the local side of the live typing protocol. Ordinary
// keystrokes emit throttled content snapshots; backspace and delete bypass
// the throttle so deletions render immediately on the peer.
type Streamer struct {
	cfg    StreamerConfig
	log    *slog.Logger
	mu     sync.Mutex
	active bool
	// lastEmit gates the snapshot throttle. Start, stop and special-key
	// emissions do not consult it.
	lastEmit     time.Time
	stopDeadline time.Time
	cancel       context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewStreamer creates a live typing streamer.
func NewStreamer(cfg StreamerConfig) *Streamer {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.StopDelay <= 0 {
		cfg.StopDelay = DefaultStopDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		cfg:   cfg,
		log:   logger.WithGroup("livetyping"),
		nowFn: time.Now,
	}
}

// Keystroke records an ordinary input change. Content snapshots are
// throttled; the burst-opening keystroke always emits, snapshot first and
// then the start marker. Clearing the input emits a stop immediately.
func (s *Streamer) Keystroke(content string, cursor int) {
	now := s.nowFn()

	s.mu.Lock()
	if content == "" {
		wasActive := s.active
		s.active = false
		s.stopDeadline = time.Time{}
		s.mu.Unlock()
		if wasActive {
			empty := ""
			s.cfg.Emit(ActionStopTyping, &empty, nil)
		}
		return
	}

	start := !s.active
	s.active = true
	s.stopDeadline = now.Add(s.cfg.StopDelay)
	throttled := !start && now.Sub(s.lastEmit) < s.cfg.Throttle
	if !throttled {
		s.lastEmit = now
	}
	s.mu.Unlock()

	if throttled {
		return
	}
	c, cur := content, cursor
	s.cfg.Emit(ActionTyping, &c, &cur)
	if start {
		s.cfg.Emit(ActionStartTyping, nil, nil)
	}
}

// SpecialKey records a backspace or forward-delete keypress. Never throttled,
// and carries only the cursor position: the next throttled snapshot supplies
// the content, this just signals the edit cheaply in between.
func (s *Streamer) SpecialKey(action Action, cursor int) {
	now := s.nowFn()

	s.mu.Lock()
	s.active = true
	s.stopDeadline = now.Add(s.cfg.StopDelay)
	s.mu.Unlock()

	cur := cursor
	s.cfg.Emit(action, nil, &cur)
}

// MessageSent ends the burst immediately.
func (s *Streamer) MessageSent() {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.stopDeadline = time.Time{}
	s.mu.Unlock()

	if wasActive {
		empty := ""
		s.cfg.Emit(ActionStopTyping, &empty, nil)
	}
}

// CheckIdle emits the safety-net stop if no keystroke arrived within the
// stop delay.
func (s *Streamer) CheckIdle() {
	s.mu.Lock()
	expired := s.active && !s.stopDeadline.IsZero() && !s.nowFn().Before(s.stopDeadline)
	if expired {
		s.active = false
		s.stopDeadline = time.Time{}
	}
	s.mu.Unlock()

	if expired {
		empty := ""
		s.cfg.Emit(ActionStopTyping, &empty, nil)
	}
}

// IsActive reports whether a live typing burst is in progress.
func (s *Streamer) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start begins the safety-net check loop. Blocks until the context is
// cancelled.
func (s *Streamer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckIdle()
		}
	}
}

// Stop cancels the safety-net check loop.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Preview is the current live typing preview for one remote user.
type Preview struct {
	Content   string
	Cursor    int
	UpdatedAt time.Time
}

// PreviewSet tracks incoming live typing previews per remote user. Unlike
// the coarse indicator set, previews expire locally when updates stop
// arriving, so a dropped stop event cannot pin a stale preview.
type PreviewSet struct {
	ttl    time.Duration
	mu     sync.Mutex
	byUser map[string]Preview
	cancel context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewPreviewSet creates an empty preview set. A non-positive ttl uses
// DefaultPreviewTTL.
func NewPreviewSet(ttl time.Duration) *PreviewSet {
	if ttl <= 0 {
		ttl = DefaultPreviewTTL
	}
	return &PreviewSet{
		ttl:    ttl,
		byUser: make(map[string]Preview),
		nowFn:  time.Now,
	}
}

// Apply records a remote live typing update. Stop actions clear the user's
// preview; backspace and delete move the cursor and refresh the expiry but
// keep the last known content; everything else replaces the snapshot.
func (p *PreviewSet) Apply(userID string, action Action, content string, cursor int) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch action {
	case ActionStopTyping:
		delete(p.byUser, userID)
	case ActionBackspace, ActionDelete:
		pv := p.byUser[userID]
		pv.Cursor = cursor
		pv.UpdatedAt = p.nowFn()
		p.byUser[userID] = pv
	default:
		p.byUser[userID] = Preview{
			Content:   content,
			Cursor:    cursor,
			UpdatedAt: p.nowFn(),
		}
	}
}

// Clear removes a user's preview.
func (p *PreviewSet) Clear(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byUser, userID)
}

// Preview returns the current preview for a user.
func (p *PreviewSet) Preview(userID string) (Preview, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pv, ok := p.byUser[userID]
	return pv, ok
}

// Previews returns a copy of all current previews keyed by user id.
func (p *PreviewSet) Previews() map[string]Preview {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Preview, len(p.byUser))
	for u, pv := range p.byUser {
		out[u] = pv
	}
	return out
}

// CheckExpired drops previews that have not been refreshed within the TTL.
func (p *PreviewSet) CheckExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFn()
	for u, pv := range p.byUser {
		if now.Sub(pv.UpdatedAt) >= p.ttl {
			delete(p.byUser, u)
		}
	}
}

// Reset clears all previews, e.g. when a session ends.
func (p *PreviewSet) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byUser = make(map[string]Preview)
}

// Start begins the expiry check loop. Blocks until the context is cancelled.
func (p *PreviewSet) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckExpired()
		}
	}
}

// Stop cancels the expiry check loop.
func (p *PreviewSet) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

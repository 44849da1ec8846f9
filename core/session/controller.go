// Package session orchestrates a room session: membership checking and join,
// socket room subscription, history load, event routing into the core
// stores, and resynchronization after a reconnect.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pairchat/pairchat-go/api"
	"github.com/pairchat/pairchat-go/connection"
	"github.com/pairchat/pairchat-go/core/clock"
	"github.com/pairchat/pairchat-go/core/events"
	"github.com/pairchat/pairchat-go/core/message"
	"github.com/pairchat/pairchat-go/core/presence"
	"github.com/pairchat/pairchat-go/core/typing"
)

// DefaultJoinRetryDelay is the wait before the single rate-limit retry of a
// join request.
const DefaultJoinRetryDelay = 3 * time.Second

// Phase is the session lifecycle phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCheckingMembership
	PhaseJoining
	PhaseJoined
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCheckingMembership:
		return "checking membership"
	case PhaseJoining:
		return "joining"
	case PhaseJoined:
		return "joined"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Rest is the slice of the REST client the session needs.
type Rest interface {
	GetRoomInfo(ctx context.Context, roomID string) (*api.RoomInfo, error)
	JoinRoom(ctx context.Context, roomID, userID string) error
	GetRoomMessages(ctx context.Context, roomID, userID string) ([]api.RoomMessage, error)
}

var _ Rest = (*api.Client)(nil)

// Config configures a session Controller.
type Config struct {
	// RoomID and UserID identify the session. Required.
	RoomID string
	UserID string

	// Rest is the backend's REST surface. Required.
	Rest Rest

	// Conn is the shared socket connection. Required.
	Conn *connection.Manager

	// Store holds the room's messages. Required.
	Store *message.Store

	// Presence tracks online users. Required.
	Presence *presence.Tracker

	// Clock is the shared time source. Required.
	Clock *clock.Clock

	// JoinRetryDelay overrides the rate-limit retry wait. Default: 3s.
	JoinRetryDelay time.Duration

	// Logger for session events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Controller runs one room session end to end. It owns the typing state
// machines and routes every inbound socket event to the right store.
type Controller struct {
	cfg Config
	log *slog.Logger

	indicator   *typing.Indicator
	streamer    *typing.Streamer
	peersTyping *typing.IndicatorSet
	previews    *typing.PreviewSet

	mu           sync.Mutex
	phase        Phase
	roomName     string
	participants int
	unsubs       []func()
	resyncCtx    context.Context
	cancel       context.CancelFunc

	// sleepFn allows tests to skip the join retry wait.
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewController creates a session controller. It does not touch the network
// until Join.
func NewController(cfg Config) *Controller {
	if cfg.JoinRetryDelay <= 0 {
		cfg.JoinRetryDelay = DefaultJoinRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:         cfg,
		log:         logger.WithGroup("session"),
		peersTyping: typing.NewIndicatorSet(),
		previews:    typing.NewPreviewSet(0),
		sleepFn:     sleep,
	}
	c.indicator = typing.NewIndicator(typing.IndicatorConfig{
		Emit:   c.emitTyping,
		Logger: logger,
	})
	c.streamer = typing.NewStreamer(typing.StreamerConfig{
		Emit:   c.emitLiveTyping,
		Logger: logger,
	})
	return c
}

// Join brings the session up: membership check, join if needed, socket room
// subscription, event binding, and history load. A rate-limited join is
// retried exactly once after the retry delay. The given context is retained
// to drive resynchronization after reconnects.
func (c *Controller) Join(ctx context.Context) error {
	c.setPhase(PhaseCheckingMembership)

	info, err := c.cfg.Rest.GetRoomInfo(ctx, c.cfg.RoomID)
	if err != nil {
		c.setPhase(PhaseFailed)
		return classify(err)
	}
	c.mu.Lock()
	c.roomName = info.DisplayName()
	c.mu.Unlock()

	if !info.IsMember(c.cfg.UserID) {
		c.setPhase(PhaseJoining)
		if err := c.joinWithRetry(ctx); err != nil {
			c.setPhase(PhaseFailed)
			return err
		}
	}

	c.bindEvents()
	c.mu.Lock()
	c.resyncCtx = ctx
	c.mu.Unlock()

	// Best effort: if the socket isn't up yet, the connect resync repeats
	// this subscription.
	subscribed := true
	if err := c.cfg.Conn.Send(events.EventJoinRoom, events.RoomPayload{RoomID: c.cfg.RoomID}); err != nil {
		subscribed = false
		c.log.Debug("room subscription deferred", "error", err)
	}

	if err := c.loadHistory(ctx, info); err != nil {
		c.setPhase(PhaseFailed)
		return err
	}

	c.setPhase(PhaseJoined)

	// A connect that lands between the failed send above and the phase
	// change is ignored by the resync handler. Retry now that the phase is
	// joined; a connect after this point goes through the resync handler.
	if !subscribed && c.cfg.Conn.State() == connection.StateConnected {
		if err := c.cfg.Conn.Send(events.EventJoinRoom, events.RoomPayload{RoomID: c.cfg.RoomID}); err != nil {
			c.log.Debug("room subscription deferred", "error", err)
		}
	}
	c.log.Info("joined room", "room", c.cfg.RoomID, "name", info.DisplayName())
	return nil
}

func (c *Controller) joinWithRetry(ctx context.Context) error {
	err := c.cfg.Rest.JoinRoom(ctx, c.cfg.RoomID, c.cfg.UserID)
	if err == nil {
		return nil
	}
	serr := classify(err)
	if serr.Kind != KindRateLimited {
		return serr
	}

	c.log.Info("join rate limited, retrying once", "delay", c.cfg.JoinRetryDelay)
	if err := c.sleepFn(ctx, c.cfg.JoinRetryDelay); err != nil {
		return &Error{Kind: KindConnectionLost, Err: err}
	}
	if err := c.cfg.Rest.JoinRoom(ctx, c.cfg.RoomID, c.cfg.UserID); err != nil {
		return classify(err)
	}
	return nil
}

// loadHistory replaces the store's room state with the server's history.
func (c *Controller) loadHistory(ctx context.Context, info *api.RoomInfo) error {
	rows, err := c.cfg.Rest.GetRoomMessages(ctx, c.cfg.RoomID, c.cfg.UserID)
	if err != nil {
		return classify(err)
	}
	c.cfg.Store.SetHistory(c.cfg.RoomID, historyMessages(rows, c.cfg.UserID, info, c.cfg.Clock.Now()))
	return nil
}

// historyMessages maps history rows to store messages. A row with a seen
// timestamp loads as seen, anything else as delivered; for own seen messages
// the peer's slot id fills the seen-by set.
func historyMessages(rows []api.RoomMessage, selfID string, info *api.RoomInfo, now time.Time) []message.Message {
	peer := ""
	if info != nil {
		if info.User1ID != selfID {
			peer = info.User1ID
		} else {
			peer = info.User2ID
		}
	}

	out := make([]message.Message, 0, len(rows))
	for _, r := range rows {
		m := message.Message{
			ServerID:  r.ID.String(),
			SenderID:  r.SenderID,
			Content:   r.Content,
			Timestamp: events.ParseWireTime(r.CreatedAt, now),
			Status:    message.StatusDelivered,
		}
		if r.IsVoice {
			m.Kind = message.KindVoice
			m.FileURL = r.FileURL
			m.Duration = r.Duration
			m.Content = ""
		}
		if r.SeenAt != "" {
			m.Status = message.StatusSeen
			if r.SenderID == selfID && peer != "" {
				m.SeenBy = []string{peer}
			}
		}
		out = append(out, m)
	}
	return out
}

// bindEvents subscribes the controller to every inbound event it routes.
// Payloads are validated at this boundary; malformed ones are logged and
// dropped.
func (c *Controller) bindEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.unsubs) > 0 {
		return
	}

	storeEvents := []string{
		events.EventChatMessage,
		events.EventVoiceMessage,
		events.EventMessageSaved,
		events.EventMessageSeen,
		events.EventMessageStatusUpdate,
		events.EventBroadcastMessageSeen,
	}
	for _, name := range storeEvents {
		name := name
		c.subscribeLocked(name, func(ev events.Inbound) {
			c.cfg.Store.Ingest(ev)
		})
	}

	c.subscribeLocked(events.EventUserTyping, func(ev events.Inbound) {
		t := ev.(*events.UserTyping)
		if t.UserID == c.cfg.UserID {
			return
		}
		c.peersTyping.Apply(t.UserID, t.IsTyping)
	})
	c.subscribeLocked(events.EventUserLiveTyping, func(ev events.Inbound) {
		t := ev.(*events.UserLiveTyping)
		if t.UserID == c.cfg.UserID {
			return
		}
		action := typing.Action(t.Action)
		if action == "" {
			action = typing.ActionTyping
		}
		c.previews.Apply(t.UserID, action, t.Content, t.CursorPosition)
	})
	c.subscribeLocked(events.EventUserStoppedLiveTyping, func(ev events.Inbound) {
		t := ev.(*events.UserStoppedLiveTyping)
		c.previews.Clear(t.UserID)
	})
	c.subscribeLocked(events.EventRoomParticipants, func(ev events.Inbound) {
		p := ev.(*events.RoomParticipants)
		if p.RoomID != "" && p.RoomID != c.cfg.RoomID {
			return
		}
		c.mu.Lock()
		c.participants = p.Count
		c.mu.Unlock()
	})
	c.subscribeLocked(events.EventUserOnline, func(ev events.Inbound) {
		c.cfg.Presence.SetOnline(ev.(*events.UserOnline).UserID)
	})
	c.subscribeLocked(events.EventUserOffline, func(ev events.Inbound) {
		c.cfg.Presence.SetOffline(ev.(*events.UserOffline).UserID)
	})
	c.subscribeLocked(events.EventOnlineUsers, func(ev events.Inbound) {
		c.cfg.Presence.ReplaceAll(ev.(*events.OnlineUsers).Users)
	})

	c.unsubs = append(c.unsubs, c.cfg.Conn.OnStateChange(c.onConnectionState))
}

// subscribeLocked registers a parsed-event handler for one event name.
func (c *Controller) subscribeLocked(name string, fn func(events.Inbound)) {
	unsub := c.cfg.Conn.Subscribe(name, func(data json.RawMessage) {
		ev, err := events.Parse(name, data)
		if err != nil {
			c.log.Warn("dropping malformed event", "event", name, "error", err)
			return
		}
		fn(ev)
	})
	c.unsubs = append(c.unsubs, unsub)
}

// onConnectionState resynchronizes a joined session after a reconnect: the
// server's room subscription and the message history do not survive a
// dropped connection.
func (c *Controller) onConnectionState(state connection.State, _ string) {
	if state != connection.StateConnected {
		return
	}
	c.mu.Lock()
	joined := c.phase == PhaseJoined
	ctx := c.resyncCtx
	c.mu.Unlock()
	if !joined || ctx == nil {
		return
	}

	go func() {
		if err := c.cfg.Conn.Send(events.EventJoinRoom, events.RoomPayload{RoomID: c.cfg.RoomID}); err != nil {
			c.log.Warn("resync room subscription failed", "error", err)
			return
		}
		info, err := c.cfg.Rest.GetRoomInfo(ctx, c.cfg.RoomID)
		if err != nil {
			c.log.Warn("resync room info failed", "error", err)
			info = nil
		}
		if err := c.loadHistory(ctx, info); err != nil {
			c.log.Warn("resync history load failed", "error", err)
			return
		}
		// The reloaded history may contain messages that arrived while we
		// were offline; they are on screen, so report them.
		c.cfg.Store.MarkVisibleAsSeen(c.cfg.RoomID)
		c.log.Info("resynchronized after reconnect", "room", c.cfg.RoomID)
	}()
}

// Leave tears the session down: leave-room, unsubscribe, and reset of the
// per-session state.
func (c *Controller) Leave() {
	if err := c.cfg.Conn.Send(events.EventLeaveRoom, events.RoomPayload{RoomID: c.cfg.RoomID}); err != nil {
		c.log.Debug("leave-room dropped", "error", err)
	}

	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.resyncCtx = nil
	c.phase = PhaseIdle
	c.participants = 0
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.peersTyping.Reset()
	c.previews.Reset()
}

// Start runs the session's background timer loops until the context is
// cancelled.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.cfg.Store.Start(ctx)
	go c.indicator.Start(ctx)
	go c.streamer.Start(ctx)
	go c.previews.Start(ctx)
}

// Stop cancels the background loops.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SendText sends a text message and ends both typing indications.
func (c *Controller) SendText(content string) message.Message {
	m := c.cfg.Store.SendText(c.cfg.RoomID, content)
	c.indicator.MessageSent()
	c.streamer.MessageSent()
	return m
}

// SendVoice sends a voice recording. The upload runs in the background; an
// upload failure surfaces as the message moving to failed.
func (c *Controller) SendVoice(ctx context.Context, audio []byte, duration float64) (message.Message, error) {
	m, err := c.cfg.Store.SendVoice(ctx, c.cfg.RoomID, audio, duration)
	if err != nil {
		return message.Message{}, &Error{Kind: KindMediaSendFailed, Err: err}
	}
	c.indicator.MessageSent()
	c.streamer.MessageSent()
	return m, nil
}

// InputChanged feeds an input box change into both typing protocols.
func (c *Controller) InputChanged(content string, cursor int) {
	c.indicator.Keystroke(content)
	c.streamer.Keystroke(content, cursor)
}

// SpecialKey feeds a backspace or delete keypress into the live typing
// protocol.
func (c *Controller) SpecialKey(action typing.Action, cursor int) {
	c.streamer.SpecialKey(action, cursor)
}

// MarkRead reports every unread foreign message as seen, after the read
// delay.
func (c *Controller) MarkRead() {
	c.cfg.Store.MarkVisibleAsSeen(c.cfg.RoomID)
}

// Messages returns the room's messages.
func (c *Controller) Messages() []message.Message {
	return c.cfg.Store.Messages(c.cfg.RoomID)
}

// TypingUsers returns the peers currently typing (coarse indicator).
func (c *Controller) TypingUsers() []string {
	return c.peersTyping.Typing()
}

// LivePreviews returns the peers' live typing previews.
func (c *Controller) LivePreviews() map[string]typing.Preview {
	return c.previews.Previews()
}

// Participants returns the last reported room participant count.
func (c *Controller) Participants() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participants
}

// RoomName returns the room's display name, known after Join.
func (c *Controller) RoomName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomName
}

// Phase returns the current session phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// UserID returns the local user's id.
func (c *Controller) UserID() string { return c.cfg.UserID }

// RoomID returns the session's room id.
func (c *Controller) RoomID() string { return c.cfg.RoomID }

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	old := c.phase
	c.phase = p
	c.mu.Unlock()
	if old != p {
		c.log.Debug("phase changed", "from", old.String(), "to", p.String())
	}
}

func (c *Controller) emitTyping(isTyping bool) {
	err := c.cfg.Conn.Send(events.EventTyping, events.TypingOut{
		RoomID:   c.cfg.RoomID,
		UserID:   c.cfg.UserID,
		IsTyping: isTyping,
	})
	if err != nil {
		c.log.Debug("typing emit dropped", "error", err)
	}
}

func (c *Controller) emitLiveTyping(action typing.Action, content *string, cursor *int) {
	err := c.cfg.Conn.Send(events.EventLiveTyping, events.LiveTypingOut{
		RoomID:         c.cfg.RoomID,
		UserID:         c.cfg.UserID,
		Content:        content,
		CursorPosition: cursor,
		Action:         string(action),
		Timestamp:      c.cfg.Clock.NowMillis(),
	})
	if err != nil {
		c.log.Debug("live typing emit dropped", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

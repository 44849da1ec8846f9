package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pairchat/pairchat-go/core/clock"
	"github.com/pairchat/pairchat-go/core/events"
)

const (
	// DefaultSeenDelay is the read delay before a visible message is
	// reported as seen, approximating actual reading time.
	DefaultSeenDelay = 1500 * time.Millisecond

	// DefaultPendingTTL bounds how long a status update for a not-yet-known
	// message is buffered before being dropped.
	DefaultPendingTTL = 30 * time.Second

	// DefaultSentAfter and DefaultDeliveredAfter drive the optimistic
	// send-progress display for outgoing messages.
	DefaultSentAfter      = 500 * time.Millisecond
	DefaultDeliveredAfter = 1000 * time.Millisecond

	// checkInterval is the resolution of the store's timer loop.
	checkInterval = 50 * time.Millisecond
)

// ErrNoUploader is returned by SendVoice when no media uploader is configured.
var ErrNoUploader = errors.New("no media uploader configured")

// MediaUploader persists voice recordings out of band before they are
// announced on the socket.
type MediaUploader interface {
	UploadVoice(ctx context.Context, roomID, senderID string, audio []byte, duration float64, tempID string) (fileURL, serverID string, err error)
}

// StoreConfig configures a message Store.
type StoreConfig struct {
	// Clock is the time source and local id generator. Required.
	Clock *clock.Clock

	// SelfID is the local user's id. Required.
	SelfID string

	// Emit sends a named event to the server. Required. Errors are logged
	// and otherwise ignored: emission is fire-and-forget and local state
	// has already been updated optimistically.
	Emit func(event string, payload any) error

	// Uploader persists voice recordings. Optional; SendVoice fails
	// without it.
	Uploader MediaUploader

	// SeenDelay is the read delay before emitting seen. Default: 1500ms.
	SeenDelay time.Duration

	// PendingTTL bounds buffering of early status updates. Default: 30s.
	PendingTTL time.Duration

	// SentAfter and DeliveredAfter are the optimistic progress delays for
	// outgoing messages. Defaults: 500ms and 1000ms.
	SentAfter      time.Duration
	DeliveredAfter time.Duration

	// OnChange is called after any visible mutation, outside the store
	// lock. Optional.
	OnChange func()

	// Logger for store events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// entry wraps a Message with its store-side bookkeeping.
type entry struct {
	msg  Message
	seen map[string]struct{}

	// Optimistic progress deadlines for own outgoing messages. Zero when
	// inactive.
	sentDeadline      time.Time
	deliveredDeadline time.Time

	// seenQueued is set while a read-delay report for this message is in
	// flight, so repeated visibility marks don't double-schedule.
	seenQueued bool
}

type pendingUpdate struct {
	update  events.StatusUpdate
	expires time.Time
}

type seenItem struct {
	e   *entry
	due time.Time
}

type emission struct {
	event   string
	payload any
}

// Store holds the conversation state for all joined rooms.
type Store struct {
	cfg StoreConfig
	log *slog.Logger

	mu       sync.Mutex
	rooms    map[string][]*entry
	byLocal  map[int64]*entry
	byServer map[string]*entry
	pending  map[string][]pendingUpdate
	seenQ    []seenItem
	cancel   context.CancelFunc
}

// NewStore creates a message store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.SeenDelay <= 0 {
		cfg.SeenDelay = DefaultSeenDelay
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.SentAfter <= 0 {
		cfg.SentAfter = DefaultSentAfter
	}
	if cfg.DeliveredAfter <= 0 {
		cfg.DeliveredAfter = DefaultDeliveredAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg,
		log:      logger.WithGroup("messages"),
		rooms:    make(map[string][]*entry),
		byLocal:  make(map[int64]*entry),
		byServer: make(map[string]*entry),
		pending:  make(map[string][]pendingUpdate),
	}
}

// SendText appends an outgoing text message and emits it to the server. The
// append is synchronous and unconditional: the returned message is already
// visible in Messages with status sending before any network activity, and a
// send failure surfaces later as a status change, never as a removal.
func (s *Store) SendText(roomID, content string) Message {
	localID := s.cfg.Clock.NextLocalID()
	now := s.cfg.Clock.Now()

	e := &entry{
		msg: Message{
			LocalID:   localID,
			RoomID:    roomID,
			SenderID:  s.cfg.SelfID,
			Kind:      KindText,
			Content:   content,
			Timestamp: now,
			Status:    StatusSending,
		},
		seen:              make(map[string]struct{}),
		sentDeadline:      now.Add(s.cfg.SentAfter),
		deliveredDeadline: now.Add(s.cfg.DeliveredAfter),
	}

	s.mu.Lock()
	s.appendLocked(roomID, e)
	s.byLocal[localID] = e
	snapshot := e.snapshot()
	s.mu.Unlock()

	s.emit(events.EventChatMessage, events.ChatMessageOut{
		RoomID:    roomID,
		Message:   content,
		UserID:    s.cfg.SelfID,
		TempID:    events.LocalID(localID),
		Timestamp: events.WireTime(now),
	})
	s.changed()
	return snapshot
}

// SendVoice appends an outgoing voice message, uploads the recording in the
// background, and announces it on the socket once the upload succeeds. An
// upload failure moves the message to failed.
func (s *Store) SendVoice(ctx context.Context, roomID string, audio []byte, duration float64) (Message, error) {
	if s.cfg.Uploader == nil {
		return Message{}, ErrNoUploader
	}

	localID := s.cfg.Clock.NextLocalID()
	now := s.cfg.Clock.Now()

	e := &entry{
		msg: Message{
			LocalID:   localID,
			RoomID:    roomID,
			SenderID:  s.cfg.SelfID,
			Kind:      KindVoice,
			Duration:  duration,
			Timestamp: now,
			Status:    StatusSending,
		},
		seen: make(map[string]struct{}),
	}

	s.mu.Lock()
	s.appendLocked(roomID, e)
	s.byLocal[localID] = e
	snapshot := e.snapshot()
	s.mu.Unlock()
	s.changed()

	go s.uploadVoice(ctx, e, roomID, audio, duration, localID)

	return snapshot, nil
}

func (s *Store) uploadVoice(ctx context.Context, e *entry, roomID string, audio []byte, duration float64, localID int64) {
	tempID := strconv.FormatInt(localID, 10)
	fileURL, serverID, err := s.cfg.Uploader.UploadVoice(ctx, roomID, s.cfg.SelfID, audio, duration, tempID)
	if err != nil {
		s.log.Warn("voice upload failed", "room", roomID, "localId", localID, "error", err)
		s.mu.Lock()
		s.applyStatusLocked(e, StatusFailed, "")
		s.mu.Unlock()
		s.changed()
		return
	}

	now := s.cfg.Clock.Now()
	s.mu.Lock()
	e.msg.FileURL = fileURL
	s.assignServerIDLocked(e, serverID)
	s.applyStatusLocked(e, StatusSent, "")
	e.deliveredDeadline = now.Add(s.cfg.DeliveredAfter)
	msgID := e.msg.CanonicalID()
	s.mu.Unlock()

	s.emit(events.EventVoiceMessage, events.VoiceMessageOut{
		RoomID:    roomID,
		UserID:    s.cfg.SelfID,
		MessageID: events.ID(msgID),
		FileURL:   fileURL,
		Duration:  duration,
		Timestamp: events.WireTime(now),
	})
	s.changed()
}

// Ingest applies one inbound event to the store. Events referencing messages
// the store does not know yet are buffered and replayed when the message
// arrives, or dropped after the pending TTL.
func (s *Store) Ingest(ev events.Inbound) {
	switch ev := ev.(type) {
	case *events.ChatMessage:
		s.ingestChat(ev)
	case *events.VoiceMessage:
		s.ingestVoice(ev)
	case *events.MessageSaved:
		s.ingestSaved(ev)
	case *events.StatusUpdate:
		s.ingestStatus(ev)
	default:
		s.log.Debug("store ignoring event", "type", fmt.Sprintf("%T", ev))
	}
}

func (s *Store) ingestChat(ev *events.ChatMessage) {
	s.mu.Lock()

	// Room-wide echo of our own send: reconcile ids, never re-append.
	if e := s.lookupLocked(ev.TempID); e != nil {
		if ev.MessageID != "" {
			s.assignServerIDLocked(e, ev.MessageID.String())
		}
		s.applyStatusLocked(e, StatusSent, "")
		s.mu.Unlock()
		s.changed()
		return
	}
	if e := s.lookupLocked(ev.MessageID); e != nil {
		// Duplicate delivery of a message we already hold.
		s.mu.Unlock()
		return
	}

	mine := ev.UserID == s.cfg.SelfID
	status := StatusDelivered
	if mine {
		status = StatusSent
	}
	e := &entry{
		msg: Message{
			ServerID:  ev.MessageID.String(),
			RoomID:    ev.RoomID,
			SenderID:  ev.UserID,
			Kind:      KindText,
			Content:   ev.Message,
			Timestamp: events.ParseWireTime(ev.Timestamp, s.cfg.Clock.Now()),
			Status:    status,
		},
		seen: make(map[string]struct{}),
	}
	s.appendLocked(ev.RoomID, e)
	if e.msg.ServerID != "" {
		s.byServer[e.msg.ServerID] = e
		s.replayPendingLocked(e)
	}
	emitDelivered := !mine && e.msg.ServerID != ""
	msgID := e.msg.ServerID
	s.mu.Unlock()

	if emitDelivered {
		s.emit(events.EventMessageDelivered, events.DeliveredOut{MessageID: events.ID(msgID)})
	}
	s.changed()
}

func (s *Store) ingestVoice(ev *events.VoiceMessage) {
	s.mu.Lock()
	if e := s.lookupLocked(ev.MessageID); e != nil {
		s.mu.Unlock()
		return
	}

	mine := ev.UserID == s.cfg.SelfID
	status := StatusDelivered
	if mine {
		status = StatusSent
	}
	e := &entry{
		msg: Message{
			ServerID:  ev.MessageID.String(),
			RoomID:    ev.RoomID,
			SenderID:  ev.UserID,
			Kind:      KindVoice,
			FileURL:   ev.FileURL,
			Duration:  ev.Duration,
			Timestamp: events.ParseWireTime(ev.Timestamp, s.cfg.Clock.Now()),
			Status:    status,
		},
		seen: make(map[string]struct{}),
	}
	s.appendLocked(ev.RoomID, e)
	if e.msg.ServerID != "" {
		s.byServer[e.msg.ServerID] = e
		s.replayPendingLocked(e)
	}
	emitDelivered := !mine && e.msg.ServerID != ""
	msgID := e.msg.ServerID
	s.mu.Unlock()

	if emitDelivered {
		s.emit(events.EventMessageDelivered, events.DeliveredOut{MessageID: events.ID(msgID)})
	}
	s.changed()
}

func (s *Store) ingestSaved(ev *events.MessageSaved) {
	s.mu.Lock()
	e := s.lookupLocked(ev.TempID)
	if e == nil {
		s.log.Debug("message-saved for unknown temp id", "tempId", ev.TempID)
		s.mu.Unlock()
		return
	}
	s.assignServerIDLocked(e, ev.ServerID().String())
	s.applyStatusLocked(e, StatusSent, "")
	s.mu.Unlock()
	s.changed()
}

func (s *Store) ingestStatus(ev *events.StatusUpdate) {
	status, ok := ParseStatus(ev.Status)
	if !ok {
		s.log.Debug("unknown status", "status", ev.Status, "messageId", ev.MessageID)
		return
	}

	s.mu.Lock()
	e := s.lookupLocked(ev.MessageID)
	if e == nil {
		key := ev.MessageID.String()
		s.pending[key] = append(s.pending[key], pendingUpdate{
			update:  *ev,
			expires: s.cfg.Clock.Now().Add(s.cfg.PendingTTL),
		})
		s.mu.Unlock()
		return
	}
	s.applyStatusLocked(e, status, ev.Reporter())
	s.mu.Unlock()
	s.changed()
}

// MarkVisibleAsSeen schedules seen reports for every foreign message in the
// room that has not been reported yet. The report fires after the read
// delay; each message is reported at most once.
func (s *Store) MarkVisibleAsSeen(roomID string) {
	due := s.cfg.Clock.Now().Add(s.cfg.SeenDelay)

	s.mu.Lock()
	for _, e := range s.rooms[roomID] {
		if e.msg.Mine(s.cfg.SelfID) || e.msg.Status == StatusSeen || e.seenQueued {
			continue
		}
		if e.msg.ServerID == "" {
			continue
		}
		e.seenQueued = true
		s.seenQ = append(s.seenQ, seenItem{e: e, due: due})
	}
	s.mu.Unlock()
}

// CheckTimers advances send-progress deadlines, fires due seen reports, and
// expires stale pending status updates.
func (s *Store) CheckTimers() {
	now := s.cfg.Clock.Now()
	var emissions []emission
	changed := false

	s.mu.Lock()

	for _, e := range s.byLocal {
		if !e.sentDeadline.IsZero() && !now.Before(e.sentDeadline) {
			e.sentDeadline = time.Time{}
			if s.applyStatusLocked(e, StatusSent, "") {
				changed = true
			}
		}
		if !e.deliveredDeadline.IsZero() && !now.Before(e.deliveredDeadline) {
			e.deliveredDeadline = time.Time{}
			if s.applyStatusLocked(e, StatusDelivered, "") {
				changed = true
			}
		}
	}

	remaining := s.seenQ[:0]
	for _, item := range s.seenQ {
		if now.Before(item.due) {
			remaining = append(remaining, item)
			continue
		}
		e := item.e
		e.seenQueued = false
		// Conditions are re-checked at fire time: the message may have
		// been reported seen through another path while queued.
		if e.msg.Mine(s.cfg.SelfID) || e.msg.Status == StatusSeen || e.msg.ServerID == "" {
			continue
		}
		if s.applyStatusLocked(e, StatusSeen, s.cfg.SelfID) {
			changed = true
		}
		body := events.SeenOut{
			MessageID: events.ID(e.msg.ServerID),
			UserID:    s.cfg.SelfID,
			SenderID:  e.msg.SenderID,
			RoomID:    e.msg.RoomID,
			Status:    StatusSeen.String(),
			SeenBy:    s.cfg.SelfID,
		}
		// The same fact goes out under all three seen event names; the
		// receiving side treats them as one idempotent update.
		emissions = append(emissions,
			emission{events.EventMessageSeen, body},
			emission{events.EventMessageStatusUpdate, body},
			emission{events.EventBroadcastMessageSeen, body},
		)
	}
	s.seenQ = remaining

	for key, updates := range s.pending {
		kept := updates[:0]
		for _, p := range updates {
			if now.Before(p.expires) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(s.pending, key)
		} else {
			s.pending[key] = kept
		}
	}

	s.mu.Unlock()

	for _, em := range emissions {
		s.emit(em.event, em.payload)
	}
	if changed || len(emissions) > 0 {
		s.changed()
	}
}

// SetHistory replaces a room's messages with the server's history, typically
// after join or reconnect. Pending updates that match history messages are
// replayed.
func (s *Store) SetHistory(roomID string, msgs []Message) {
	s.mu.Lock()
	for _, e := range s.rooms[roomID] {
		if e.msg.ServerID != "" {
			delete(s.byServer, e.msg.ServerID)
		}
		if e.msg.LocalID != 0 {
			delete(s.byLocal, e.msg.LocalID)
		}
	}
	s.rooms[roomID] = nil
	for _, m := range msgs {
		m.RoomID = roomID
		e := &entry{msg: m, seen: make(map[string]struct{})}
		for _, u := range m.SeenBy {
			if u != "" && u != m.SenderID {
				e.seen[u] = struct{}{}
			}
		}
		e.msg.SeenBy = nil
		s.appendLocked(roomID, e)
		if m.ServerID != "" {
			s.byServer[m.ServerID] = e
		}
		if m.LocalID != 0 {
			s.byLocal[m.LocalID] = e
		}
		s.replayPendingLocked(e)
	}
	s.mu.Unlock()
	s.changed()
}

// Messages returns a snapshot of a room's messages in arrival order.
func (s *Store) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.rooms[roomID]))
	for _, e := range s.rooms[roomID] {
		out = append(out, e.snapshot())
	}
	return out
}

// Get returns a message by server or local id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(events.ID(id))
	if e == nil {
		return Message{}, false
	}
	return e.snapshot(), true
}

// Reset drops all rooms and buffered state, e.g. when a session ends.
func (s *Store) Reset() {
	s.mu.Lock()
	s.rooms = make(map[string][]*entry)
	s.byLocal = make(map[int64]*entry)
	s.byServer = make(map[string]*entry)
	s.pending = make(map[string][]pendingUpdate)
	s.seenQ = nil
	s.mu.Unlock()
	s.changed()
}

// Start begins the timer loop. Blocks until the context is cancelled.
func (s *Store) Start(ctx context.Context) {
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
			s.CheckTimers()
		}
	}
}

// Stop cancels the timer loop.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Store) appendLocked(roomID string, e *entry) {
	s.rooms[roomID] = append(s.rooms[roomID], e)
}

// lookupLocked resolves a wire id against both identity indexes.
func (s *Store) lookupLocked(id events.ID) *entry {
	if id == "" {
		return nil
	}
	if e, ok := s.byServer[id.String()]; ok {
		return e
	}
	if n, err := strconv.ParseInt(id.String(), 10, 64); err == nil {
		if e, ok := s.byLocal[n]; ok {
			return e
		}
	}
	return nil
}

// assignServerIDLocked attaches the server id to an entry. The local id stays
// indexed: late events may still reference it.
func (s *Store) assignServerIDLocked(e *entry, serverID string) {
	if serverID == "" || e.msg.ServerID == serverID {
		return
	}
	if e.msg.ServerID != "" {
		s.log.Warn("conflicting server id ignored",
			"have", e.msg.ServerID, "got", serverID)
		return
	}
	e.msg.ServerID = serverID
	s.byServer[serverID] = e
	s.replayPendingLocked(e)
}

// replayPendingLocked applies buffered status updates that were waiting for
// this entry's ids to become known.
func (s *Store) replayPendingLocked(e *entry) {
	for _, key := range []string{e.msg.ServerID, strconv.FormatInt(e.msg.LocalID, 10)} {
		if key == "" || key == "0" {
			continue
		}
		updates, ok := s.pending[key]
		if !ok {
			continue
		}
		delete(s.pending, key)
		for _, p := range updates {
			if status, ok := ParseStatus(p.update.Status); ok {
				s.applyStatusLocked(e, status, p.update.Reporter())
			}
		}
	}
}

// applyStatusLocked applies a status assertion to an entry, enforcing
// forward-only transitions, and records the reporter in the seen set. A seen
// report from the message's own author is ignored entirely: a message can
// never be marked seen by its sender, in the status or in the seen set.
// Returns true if anything changed.
func (s *Store) applyStatusLocked(e *entry, status Status, reporter string) bool {
	changed := false
	if status == StatusSeen {
		if reporter == e.msg.SenderID {
			return changed
		}
		if reporter != "" {
			if _, ok := e.seen[reporter]; !ok {
				e.seen[reporter] = struct{}{}
				changed = true
			}
		}
	}
	if advance(e.msg.Status, status) {
		e.msg.Status = status
		if status >= StatusSent {
			e.sentDeadline = time.Time{}
		}
		if status >= StatusDelivered || status == StatusFailed {
			e.deliveredDeadline = time.Time{}
		}
		changed = true
	}
	return changed
}

func (s *Store) emit(event string, payload any) {
	if err := s.cfg.Emit(event, payload); err != nil {
		s.log.Debug("emit dropped", "event", event, "error", err)
	}
}

func (s *Store) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

// snapshot copies the entry into a caller-owned Message with the seen set
// materialized.
func (e *entry) snapshot() Message {
	m := e.msg
	if len(e.seen) > 0 {
		m.SeenBy = make([]string, 0, len(e.seen))
		for u := range e.seen {
			m.SeenBy = append(m.SeenBy, u)
		}
		sort.Strings(m.SeenBy)
	}
	return m
}

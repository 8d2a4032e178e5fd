package portalchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Channel contract
// ============================================================================

// ChannelState is the lifecycle state of a per-room push channel.
type ChannelState string

const (
	StateChannelConnecting ChannelState = "CONNECTING"
	StateChannelSubscribed ChannelState = "SUBSCRIBED"
	StateChannelError      ChannelState = "CHANNEL_ERROR"
	StateChannelTimedOut   ChannelState = "TIMED_OUT"
	StateChannelClosed     ChannelState = "CLOSED"
)

// EventType is the kind of row change carried by a ChannelEvent.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventTyping EventType = "TYPING"
)

// ChannelEvent is a change notification for one room. Record carries the new
// row for inserts and updates; Old carries at least the id for deletes.
type ChannelEvent struct {
	Type   EventType       `json:"type"`
	RoomID string          `json:"roomId"`
	Record json.RawMessage `json:"record,omitempty"`
	Old    json.RawMessage `json:"old,omitempty"`
	UserID string          `json:"userId,omitempty"`
}

// ChannelHandler receives a channel's state transitions and events.
// Transports call it from their own goroutines.
type ChannelHandler interface {
	OnState(roomID string, state ChannelState, err error)
	OnEvent(ev ChannelEvent)
}

// Channel is an open room subscription.
type Channel interface {
	Close() error
}

// Transport opens push channels. Implementations: WSTransport and
// natsrt.Transport.
type Transport interface {
	Subscribe(ctx context.Context, roomID string, h ChannelHandler) (Channel, error)
}

// ============================================================================
// Payload normalization
// ============================================================================

// messageRow is the row shape the push service emits.
type messageRow struct {
	ID          string       `json:"id"`
	RoomID      string       `json:"room_id"`
	UserID      string       `json:"user_id"`
	Content     *string      `json:"content"`
	CreatedAt   *time.Time   `json:"created_at"`
	UpdatedAt   *time.Time   `json:"updated_at"`
	DeletedAt   *time.Time   `json:"deleted_at"`
	IsEdited    bool         `json:"is_edited"`
	ParentID    *string      `json:"parent_id"`
	Attachments []Attachment `json:"attachments"`
	ClientNonce string       `json:"client_nonce"`
}

// NormalizeRow converts a raw push record for roomID into a Message. Records
// missing an id, author, body or timestamp, carrying a temporary id, or
// belonging to another room are rejected with ErrMalformedPayload.
func NormalizeRow(raw json.RawMessage, roomID string) (Message, bool, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Message{}, false, fmt.Errorf("%w: empty record", ErrMalformedPayload)
	}
	var row messageRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return Message{}, false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	switch {
	case row.ID == "" || IsTempID(row.ID):
		return Message{}, false, fmt.Errorf("%w: bad id %q", ErrMalformedPayload, row.ID)
	case row.RoomID != "" && row.RoomID != roomID:
		return Message{}, false, fmt.Errorf("%w: record for room %s on channel %s", ErrMalformedPayload, row.RoomID, roomID)
	case row.UserID == "":
		return Message{}, false, fmt.Errorf("%w: missing author", ErrMalformedPayload)
	case row.Content == nil:
		return Message{}, false, fmt.Errorf("%w: missing content", ErrMalformedPayload)
	case row.CreatedAt == nil || row.CreatedAt.IsZero():
		return Message{}, false, fmt.Errorf("%w: missing created_at", ErrMalformedPayload)
	}
	msg := Message{
		ID:          row.ID,
		RoomID:      roomID,
		AuthorID:    row.UserID,
		Body:        *row.Content,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt,
		Edited:      row.IsEdited,
		ParentID:    row.ParentID,
		Attachments: row.Attachments,
		ClientNonce: row.ClientNonce,
	}
	return msg, row.DeletedAt != nil, nil
}

// rowID extracts just the id of a delete record.
func rowID(raw json.RawMessage) (string, error) {
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if row.ID == "" {
		return "", fmt.Errorf("%w: delete without id", ErrMalformedPayload)
	}
	return row.ID, nil
}

// ============================================================================
// Subscriber
// ============================================================================

const DefaultErrorPollDelay = 2 * time.Second

// SubscriberConfig wires a Subscriber to the rest of the engine.
type SubscriberConfig struct {
	Transport Transport
	Out       TimelineWriter
	Roster    *RoomRoster
	Typing    *TypingTracker
	Poller    *FallbackPoller
	// Self returns the signed-in user id, or "" if unknown.
	Self func() string
	// Viewing reports whether the room is on screen; inserts into a viewed
	// room do not bump its unread badge.
	Viewing        func(roomID string) bool
	ErrorPollDelay time.Duration
	Logger         zerolog.Logger
}

// Subscriber keeps one push channel per open room and applies its events.
type Subscriber struct {
	cfg SubscriberConfig
	log zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*roomChannel
}

type roomChannel struct {
	ch       Channel
	state    ChannelState
	degraded bool
}

// NewSubscriber creates a subscriber.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	if cfg.ErrorPollDelay <= 0 {
		cfg.ErrorPollDelay = DefaultErrorPollDelay
	}
	if cfg.Self == nil {
		cfg.Self = func() string { return "" }
	}
	if cfg.Viewing == nil {
		cfg.Viewing = func(string) bool { return false }
	}
	return &Subscriber{
		cfg:   cfg,
		log:   cfg.Logger.With().Str("component", "subscriber").Logger(),
		rooms: make(map[string]*roomChannel),
	}
}

// Open subscribes roomID. Without a transport the room relies on polling.
// A failed subscription schedules a fallback poll before returning the error.
func (s *Subscriber) Open(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return nil
	}
	rc := &roomChannel{state: StateChannelConnecting}
	s.rooms[roomID] = rc
	s.mu.Unlock()

	if s.cfg.Transport == nil {
		s.OnState(roomID, StateChannelError, fmt.Errorf("no realtime transport"))
		return nil
	}
	ch, err := s.cfg.Transport.Subscribe(ctx, roomID, s)
	if err != nil {
		s.OnState(roomID, StateChannelError, err)
		return fmt.Errorf("subscribe %s: %w", roomID, err)
	}

	s.mu.Lock()
	cur, ok := s.rooms[roomID]
	if ok && cur == rc {
		rc.ch = ch
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	// Closed while subscribing.
	ch.Close()
	return nil
}

// Close tears the room's channel down and releases its timers.
func (s *Subscriber) Close(roomID string) {
	s.mu.Lock()
	rc, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if rc.ch != nil {
		if err := rc.ch.Close(); err != nil {
			s.log.Debug().Err(err).Str("room", roomID).Msg("channel close")
		}
	}
	ChannelStates.WithLabelValues(string(StateChannelClosed)).Inc()
	if s.cfg.Poller != nil {
		s.cfg.Poller.Stop(roomID)
	}
	if s.cfg.Typing != nil {
		s.cfg.Typing.Forget(roomID)
	}
}

// State returns the channel state of roomID, or CLOSED when not open.
func (s *Subscriber) State(roomID string) ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rc, ok := s.rooms[roomID]; ok {
		return rc.state
	}
	return StateChannelClosed
}

// OnState implements ChannelHandler.
func (s *Subscriber) OnState(roomID string, state ChannelState, err error) {
	s.mu.Lock()
	rc, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rc.state = state
	wasDegraded := rc.degraded
	switch state {
	case StateChannelError, StateChannelTimedOut, StateChannelClosed:
		rc.degraded = true
	case StateChannelSubscribed:
		rc.degraded = false
	}
	s.mu.Unlock()

	ChannelStates.WithLabelValues(string(state)).Inc()
	log := s.log.With().Str("room", roomID).Str("state", string(state)).Logger()

	switch state {
	case StateChannelSubscribed:
		log.Debug().Msg("channel subscribed")
		if wasDegraded {
			// Catch up on anything pushed while the channel was down.
			s.schedulePoll(roomID, 0, "resubscribed")
		}
	case StateChannelError, StateChannelTimedOut:
		log.Warn().Err(err).Msg("channel degraded, falling back to polling")
		s.schedulePoll(roomID, s.cfg.ErrorPollDelay, string(state))
	case StateChannelClosed:
		// Closed by the transport while the room is still open.
		log.Warn().Msg("channel closed remotely")
		s.schedulePoll(roomID, s.cfg.ErrorPollDelay, "closed")
	}
}

func (s *Subscriber) schedulePoll(roomID string, delay time.Duration, reason string) {
	if s.cfg.Poller != nil {
		s.cfg.Poller.ScheduleReason(roomID, delay, reason)
	}
}

func (s *Subscriber) isOpen(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// OnEvent implements ChannelHandler.
func (s *Subscriber) OnEvent(ev ChannelEvent) {
	roomID := ev.RoomID
	if !s.isOpen(roomID) {
		return
	}
	var err error
	switch ev.Type {
	case EventInsert:
		err = s.handleInsert(roomID, ev.Record)
	case EventUpdate:
		err = s.handleUpdate(roomID, ev.Record)
	case EventDelete:
		raw := ev.Old
		if len(raw) == 0 {
			raw = ev.Record
		}
		err = s.handleDelete(roomID, raw)
	case EventTyping:
		if s.cfg.Typing != nil && ev.UserID != "" && ev.UserID != s.cfg.Self() {
			s.cfg.Typing.Touch(roomID, ev.UserID)
		}
	default:
		err = fmt.Errorf("%w: unknown event type %q", ErrMalformedPayload, ev.Type)
	}
	if err != nil {
		MalformedPayloads.Inc()
		s.log.Warn().Err(err).Str("room", roomID).Str("type", string(ev.Type)).Msg("dropping realtime event")
	}
}

func (s *Subscriber) handleInsert(roomID string, raw json.RawMessage) error {
	msg, deleted, err := NormalizeRow(raw, roomID)
	if err != nil {
		return err
	}
	if deleted {
		s.applyDelete(roomID, msg.ID)
		return nil
	}
	s.cfg.Out.ApplyRoom(roomID, "realtime", func(cur []Message) []Message {
		next, gone := ReconcileInsert(cur, msg)
		if len(gone) > 0 {
			OptimisticEvictions.Add(float64(len(gone)))
		}
		return next
	})
	if s.cfg.Roster != nil {
		self := s.cfg.Self()
		countUnread := msg.AuthorID != self && !s.cfg.Viewing(roomID)
		s.cfg.Roster.UpdatePreview(roomID, msg, countUnread)
	}
	if s.cfg.Typing != nil {
		s.cfg.Typing.Clear(roomID, msg.AuthorID)
	}
	return nil
}

func (s *Subscriber) handleUpdate(roomID string, raw json.RawMessage) error {
	msg, deleted, err := NormalizeRow(raw, roomID)
	if err != nil {
		return err
	}
	if deleted {
		s.applyDelete(roomID, msg.ID)
		return nil
	}
	s.cfg.Out.ApplyRoom(roomID, "realtime", func(cur []Message) []Message {
		next, _ := ApplyUpdate(cur, msg)
		return next
	})
	return nil
}

func (s *Subscriber) handleDelete(roomID string, raw json.RawMessage) error {
	id, err := rowID(raw)
	if err != nil {
		return err
	}
	s.applyDelete(roomID, id)
	return nil
}

func (s *Subscriber) applyDelete(roomID, id string) {
	s.cfg.Out.ApplyRoom(roomID, "realtime", func(cur []Message) []Message {
		next, _ := ApplyDelete(cur, id)
		return next
	})
}

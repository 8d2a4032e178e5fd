package portalchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultSendRefreshDelay  = 1 * time.Second
	DefaultSendFallbackDelay = 3 * time.Second
)

// SendRequest is a message draft.
type SendRequest struct {
	RoomID      string
	Body        string
	Attachments []Attachment
	ParentID    *string
}

// empty reports whether the draft has nothing to send.
func (r SendRequest) empty() bool {
	return strings.TrimSpace(r.Body) == "" && len(r.Attachments) == 0
}

// SendErrorKind classifies a failed send.
type SendErrorKind string

const (
	// SendNetwork is transient; the draft can be retried.
	SendNetwork SendErrorKind = "network"
	// SendNotFound means the room is gone; the caller should leave it.
	SendNotFound SendErrorKind = "not_found"
	// SendUnauthorized means the viewer is no longer a member.
	SendUnauthorized SendErrorKind = "unauthorized"
	// SendUnauthenticated means there is no signed-in user.
	SendUnauthenticated SendErrorKind = "unauthenticated"
	// SendRejected means the server refused the draft itself.
	SendRejected SendErrorKind = "rejected"
)

// SendError is returned by a failed Send. Draft is the original request so
// the composer can be restored.
type SendError struct {
	Kind   SendErrorKind
	Draft  SendRequest
	TempID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed (%s): %v", e.Draft.RoomID, e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Redirect reports whether the caller should navigate away from the room
// rather than offer a retry.
func (e *SendError) Redirect() bool {
	return e.Kind == SendNotFound || e.Kind == SendUnauthorized
}

func classifySendError(err error) SendErrorKind {
	switch {
	case errors.Is(err, ErrNotFound):
		return SendNotFound
	case errors.Is(err, ErrUnauthorized):
		return SendUnauthorized
	case errors.Is(err, ErrUnauthenticated):
		return SendUnauthenticated
	case errors.Is(err, ErrValidation):
		return SendRejected
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && !errors.Is(err, ErrNetwork) {
		return SendRejected
	}
	return SendNetwork
}

// ============================================================================
// Sender
// ============================================================================

// SenderConfig wires a Sender.
type SenderConfig struct {
	API    API
	Out    TimelineWriter
	Sched  *Scheduler
	Poller *FallbackPoller
	Clock  Clock
	// User resolves the author of outgoing messages.
	User          func(ctx context.Context) (*User, error)
	RefreshDelay  time.Duration
	FallbackDelay time.Duration
	Logger        zerolog.Logger
}

// Sender runs the optimistic send pipeline: render locally, persist, then let
// realtime (or the fallback timers) swap in the confirmed row.
type Sender struct {
	cfg SenderConfig
	log zerolog.Logger
}

// NewSender creates a sender.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = DefaultSendRefreshDelay
	}
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = DefaultSendFallbackDelay
	}
	return &Sender{cfg: cfg, log: cfg.Logger.With().Str("component", "sender").Logger()}
}

func fallbackKey(roomID, tempID string) string {
	return TaskKey(roomID, "send:"+tempID)
}

// Send renders req optimistically and persists it. An empty draft is a no-op.
// On failure the optimistic entry is removed before Send returns and the
// error is a *SendError.
func (s *Sender) Send(ctx context.Context, req SendRequest) error {
	if req.empty() {
		return nil
	}
	user, err := s.cfg.User(ctx)
	if err != nil {
		SendOutcomes.WithLabelValues(string(SendUnauthenticated)).Inc()
		return &SendError{Kind: SendUnauthenticated, Draft: req, Err: err}
	}

	tempID := TempIDPrefix + uuid.NewString()
	nonce := ulid.Make().String()
	pending := Message{
		ID:          tempID,
		RoomID:      req.RoomID,
		AuthorID:    user.ID,
		Body:        req.Body,
		CreatedAt:   s.cfg.Clock.Now().UTC(),
		Optimistic:  true,
		ParentID:    req.ParentID,
		Attachments: req.Attachments,
		ClientNonce: nonce,
	}
	s.cfg.Out.ApplyRoom(req.RoomID, "send", func(cur []Message) []Message {
		return Merge(cur, []Message{pending})
	})

	confirmed, err := s.cfg.API.CreateMessage(ctx, &CreateMessageOptions{
		RoomID:      req.RoomID,
		Body:        req.Body,
		ParentID:    req.ParentID,
		Attachments: req.Attachments,
		ClientNonce: nonce,
	})
	if err != nil {
		s.cfg.Out.ApplyRoom(req.RoomID, "send", func(cur []Message) []Message {
			next, _ := EvictOptimistic(cur, tempID)
			return next
		})
		kind := classifySendError(err)
		SendOutcomes.WithLabelValues(string(kind)).Inc()
		s.log.Warn().Err(err).Str("room", req.RoomID).Str("kind", string(kind)).Msg("send rolled back")
		return &SendError{Kind: kind, Draft: req, TempID: tempID, Err: err}
	}
	SendOutcomes.WithLabelValues("ok").Inc()

	if confirmed != nil {
		c := *confirmed
		if c.RoomID == "" {
			c.RoomID = req.RoomID
		}
		if c.ClientNonce == "" {
			c.ClientNonce = nonce
		}
		c.Optimistic = false
		confirmed = &c
	}

	// Realtime normally swaps the entry in. These two timers cover a slow
	// or dead channel.
	if s.cfg.Poller != nil {
		s.cfg.Poller.ScheduleReason(req.RoomID, s.cfg.RefreshDelay, "send_refresh")
	}
	s.cfg.Sched.Schedule(fallbackKey(req.RoomID, tempID), s.cfg.FallbackDelay, func() {
		s.forceReconcile(req.RoomID, tempID, confirmed)
	})
	return nil
}

// forceReconcile swaps a still-pending optimistic entry for its confirmed row.
func (s *Sender) forceReconcile(roomID, tempID string, confirmed *Message) {
	present := false
	s.cfg.Out.ApplyRoom(roomID, "send", func(cur []Message) []Message {
		if !ContainsID(cur, tempID) {
			return cur
		}
		present = true
		next, _ := EvictOptimistic(cur, tempID)
		if confirmed != nil && confirmed.ID != "" {
			next = Merge(next, []Message{*confirmed})
		}
		return next
	})
	if !present {
		return
	}
	OptimisticEvictions.Inc()
	s.log.Debug().Str("room", roomID).Str("temp", tempID).Msg("forced optimistic handoff")
	if s.cfg.Poller != nil {
		s.cfg.Poller.ScheduleReason(roomID, 0, "send_fallback")
	}
}

// Settled cancels fallback timers for optimistic entries that were already
// replaced.
func (s *Sender) Settled(roomID string, tempIDs []string) {
	for _, id := range tempIDs {
		s.cfg.Sched.Cancel(fallbackKey(roomID, id))
	}
}

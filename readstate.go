package portalchat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReadTracker holds the viewer's last-read time per room. Marking a room read
// clears its badge locally before the server hears about it.
type ReadTracker struct {
	api    API
	roster *RoomRoster
	clock  Clock
	self   func() string
	log    zerolog.Logger

	mu       sync.Mutex
	lastRead map[string]time.Time
}

// NewReadTracker creates a tracker. roster may be nil. self returns the
// signed-in user's id, whose own messages never count as unread; nil counts
// every confirmed message.
func NewReadTracker(api API, roster *RoomRoster, clock Clock, self func() string, log zerolog.Logger) *ReadTracker {
	if clock == nil {
		clock = SystemClock
	}
	if self == nil {
		self = func() string { return "" }
	}
	return &ReadTracker{
		api:      api,
		roster:   roster,
		clock:    clock,
		self:     self,
		log:      log.With().Str("component", "readstate").Logger(),
		lastRead: make(map[string]time.Time),
	}
}

// MarkRead records now as the room's last-read time and persists it. The
// local state changes first, so UnreadCount reads zero while the request is
// still in flight. Calling it repeatedly is harmless.
func (r *ReadTracker) MarkRead(ctx context.Context, roomID string) error {
	r.markLocal(roomID)
	return r.persist(ctx, roomID)
}

func (r *ReadTracker) markLocal(roomID string) {
	r.SetLastRead(roomID, r.clock.Now())
	if r.roster != nil {
		r.roster.ClearUnread(roomID)
	}
}

func (r *ReadTracker) persist(ctx context.Context, roomID string) error {
	if r.api == nil {
		return nil
	}
	p, err := r.api.MarkRead(ctx, roomID)
	if err != nil {
		r.log.Warn().Err(err).Str("room", roomID).Msg("mark read failed")
		return fmt.Errorf("mark %s read: %w", roomID, err)
	}
	if p != nil && p.LastReadAt != nil {
		r.SetLastRead(roomID, *p.LastReadAt)
	}
	return nil
}

// SetLastRead moves the room's last-read time forward to t. Earlier times are
// ignored.
func (r *ReadTracker) SetLastRead(roomID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.lastRead[roomID]; ok && !t.After(cur) {
		return
	}
	r.lastRead[roomID] = t
}

// LastReadAt returns the room's last-read time, if known.
func (r *ReadTracker) LastReadAt(roomID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastRead[roomID]
	return t, ok
}

// UnreadCount counts confirmed messages created after the last-read time, or
// all of them when the room was never read. The viewer's own messages,
// optimistic or confirmed, never count.
func (r *ReadTracker) UnreadCount(roomID string, msgs []Message) int {
	last, ok := r.LastReadAt(roomID)
	self := r.self()
	n := 0
	for i := range msgs {
		if msgs[i].Optimistic || (self != "" && msgs[i].AuthorID == self) {
			continue
		}
		if !ok || msgs[i].CreatedAt.After(last) {
			n++
		}
	}
	return n
}

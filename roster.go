package portalchat

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRosterTTL = 2 * time.Minute

	rosterKey      = "session:rooms"
	currentUserKey = "session:user"
)

// RoomRoster is a short-lived snapshot of the room list used for first paint.
// It lives on session-scoped storage; badges are corrected by fetches and by
// realtime inserts after the first render.
type RoomRoster struct {
	mu      sync.Mutex
	kv      KV
	clock   Clock
	version string
	ttl     time.Duration
	log     zerolog.Logger
}

// NewRoomRoster creates a roster on a session KV.
func NewRoomRoster(kv KV, clock Clock, ttl time.Duration, log zerolog.Logger) *RoomRoster {
	if clock == nil {
		clock = SystemClock
	}
	if ttl <= 0 {
		ttl = DefaultRosterTTL
	}
	return &RoomRoster{
		kv:      kv,
		clock:   clock,
		version: DefaultCacheVersion,
		ttl:     ttl,
		log:     log.With().Str("component", "roster").Logger(),
	}
}

// SetRooms replaces the snapshot.
func (r *RoomRoster) SetRooms(rooms []Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.set(rooms)
}

func (r *RoomRoster) set(rooms []Room) {
	writeEntry(r.kv, rosterKey, r.version, rooms, r.clock.Now(), r.ttl, r.log)
}

// GetRooms returns the snapshot if one is present and fresh.
func (r *RoomRoster) GetRooms() ([]Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return readEntry[[]Room](r.kv, rosterKey, r.version, r.clock.Now(), r.log)
}

// update applies fn to the snapshot if one exists.
func (r *RoomRoster) update(fn func([]Room) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms, ok := readEntry[[]Room](r.kv, rosterKey, r.version, r.clock.Now(), r.log)
	if !ok {
		return
	}
	if fn(rooms) {
		r.set(rooms)
	}
}

// UpdatePreview records msg as the room's latest message when it is newer
// than the current preview, bumping the unread count if countUnread is set.
func (r *RoomRoster) UpdatePreview(roomID string, msg Message, countUnread bool) {
	r.update(func(rooms []Room) bool {
		for i := range rooms {
			if rooms[i].ID != roomID {
				continue
			}
			prev := rooms[i].LatestMessage
			if prev != nil && prev.ID == msg.ID {
				return false
			}
			if prev == nil || !msg.CreatedAt.Before(prev.CreatedAt) {
				rooms[i].LatestMessage = &MessagePreview{
					ID:        msg.ID,
					AuthorID:  msg.AuthorID,
					Body:      msg.Body,
					CreatedAt: msg.CreatedAt,
				}
			}
			if countUnread {
				rooms[i].UnreadCount++
			}
			sortRooms(rooms)
			return true
		}
		return false
	})
}

// ClearUnread zeroes the room's badge.
func (r *RoomRoster) ClearUnread(roomID string) {
	r.update(func(rooms []Room) bool {
		for i := range rooms {
			if rooms[i].ID == roomID && rooms[i].UnreadCount != 0 {
				rooms[i].UnreadCount = 0
				return true
			}
		}
		return false
	})
}

// SetCurrentUser stores the session's user snapshot.
func (r *RoomRoster) SetCurrentUser(u *User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	writeEntry(r.kv, currentUserKey, r.version, u, r.clock.Now(), r.ttl, r.log)
}

// CurrentUser returns the session's user snapshot.
func (r *RoomRoster) CurrentUser() (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := readEntry[*User](r.kv, currentUserKey, r.version, r.clock.Now(), r.log)
	if !ok || u == nil {
		return nil, false
	}
	return u, true
}

// sortRooms orders rooms by latest activity, newest first.
func sortRooms(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		a, b := rooms[i].LatestMessage, rooms[j].LatestMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

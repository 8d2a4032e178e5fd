package portalchat

import (
	"sort"
	"sync"
	"time"
)

const DefaultTypingTTL = time.Second

// TypingTracker records who is typing in each room. An entry lapses after
// ttl without a fresh Touch. Nothing here is persisted.
type TypingTracker struct {
	mu    sync.Mutex
	clock Clock
	ttl   time.Duration
	rooms map[string]map[string]time.Time
}

// NewTypingTracker creates a tracker. Zero values pick the defaults.
func NewTypingTracker(clock Clock, ttl time.Duration) *TypingTracker {
	if clock == nil {
		clock = SystemClock
	}
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{clock: clock, ttl: ttl, rooms: make(map[string]map[string]time.Time)}
}

// Touch marks userID as typing in roomID now.
func (t *TypingTracker) Touch(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.rooms[roomID]
	if !ok {
		users = make(map[string]time.Time)
		t.rooms[roomID] = users
	}
	users[userID] = t.clock.Now()
}

// Clear drops userID from roomID, e.g. once their message lands.
func (t *TypingTracker) Clear(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if users, ok := t.rooms[roomID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.rooms, roomID)
		}
	}
}

// Typing returns the users currently typing in roomID, sorted.
func (t *TypingTracker) Typing(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var out []string
	for user, at := range t.rooms[roomID] {
		if now.Sub(at) < t.ttl {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep removes lapsed entries and returns the rooms whose set changed.
func (t *TypingTracker) Sweep() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var changed []string
	for roomID, users := range t.rooms {
		n := len(users)
		for user, at := range users {
			if now.Sub(at) >= t.ttl {
				delete(users, user)
			}
		}
		if len(users) != n {
			changed = append(changed, roomID)
		}
		if len(users) == 0 {
			delete(t.rooms, roomID)
		}
	}
	sort.Strings(changed)
	return changed
}

// Forget drops every entry for roomID.
func (t *TypingTracker) Forget(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomID)
}

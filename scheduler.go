package portalchat

import (
	"strings"
	"sync"
	"time"
)

// Scheduler runs delayed callbacks keyed by room and operation. At most one
// callback is pending per key; scheduling an already pending key is a no-op.
type Scheduler struct {
	mu      sync.Mutex
	clock   Clock
	pending map[string]*scheduledTask
	seq     uint64
	stopped bool
}

type scheduledTask struct {
	id    uint64
	timer Timer
}

// NewScheduler creates a scheduler on clock (SystemClock when nil).
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{clock: clock, pending: make(map[string]*scheduledTask)}
}

// TaskKey builds the scheduler key for an operation on a room.
func TaskKey(roomID, op string) string {
	return roomID + "/" + op
}

// Schedule arranges for fn to run after delay unless key is already pending.
// It reports whether a new task was scheduled.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.pending[key]; ok {
		return false
	}
	s.seq++
	id := s.seq
	task := &scheduledTask{id: id}
	s.pending[key] = task
	task.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		cur, ok := s.pending[key]
		if !ok || cur.id != id {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()
		fn()
	})
	return true
}

// Cancel drops the pending task for key. It reports whether one was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.pending[key]
	if !ok {
		return false
	}
	delete(s.pending, key)
	if task.timer != nil {
		task.timer.Stop()
	}
	return true
}

// CancelPrefix drops every pending task whose key starts with prefix.
func (s *Scheduler) CancelPrefix(prefix string) int {
	return s.CancelWhere(func(key string) bool { return strings.HasPrefix(key, prefix) })
}

// CancelWhere drops every pending task whose key satisfies match.
func (s *Scheduler) CancelWhere(match func(key string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, task := range s.pending {
		if !match(key) {
			continue
		}
		delete(s.pending, key)
		if task.timer != nil {
			task.timer.Stop()
		}
		n++
	}
	return n
}

// Pending reports whether key has a task waiting to fire.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Stop cancels everything and rejects further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, task := range s.pending {
		if task.timer != nil {
			task.timer.Stop()
		}
		delete(s.pending, key)
	}
}

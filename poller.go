package portalchat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultPollTimeout  = 15 * time.Second
)

// PollFunc refetches the newest page of a room and merges it.
type PollFunc func(ctx context.Context, roomID string) error

// FallbackPoller refetches rooms when the push channel cannot be trusted.
// Scheduled polls are one-shot and idempotent per room; Start adds a
// long-interval safety net that runs until Stop.
type FallbackPoller struct {
	sched    *Scheduler
	poll     PollFunc
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewFallbackPoller creates a poller on sched.
func NewFallbackPoller(sched *Scheduler, poll PollFunc, interval time.Duration, log zerolog.Logger) *FallbackPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &FallbackPoller{
		sched:    sched,
		poll:     poll,
		interval: interval,
		log:      log.With().Str("component", "poller").Logger(),
		running:  make(map[string]bool),
	}
}

// Schedule polls roomID once after delay. A poll already pending for the room
// absorbs the request.
func (p *FallbackPoller) Schedule(roomID string, delay time.Duration) bool {
	return p.ScheduleReason(roomID, delay, "fallback")
}

// ScheduleReason is Schedule with a metrics label.
func (p *FallbackPoller) ScheduleReason(roomID string, delay time.Duration, reason string) bool {
	return p.sched.Schedule(TaskKey(roomID, "poll"), delay, func() {
		p.fire(roomID, reason)
	})
}

// Cancel drops a pending one-shot poll.
func (p *FallbackPoller) Cancel(roomID string) {
	p.sched.Cancel(TaskKey(roomID, "poll"))
}

// Start begins the interval poll for roomID.
func (p *FallbackPoller) Start(roomID string) {
	p.mu.Lock()
	if p.running[roomID] {
		p.mu.Unlock()
		return
	}
	p.running[roomID] = true
	p.mu.Unlock()
	p.arm(roomID)
}

// Stop ends the interval poll and any pending one-shot poll for roomID.
func (p *FallbackPoller) Stop(roomID string) {
	p.mu.Lock()
	delete(p.running, roomID)
	p.mu.Unlock()
	p.sched.Cancel(TaskKey(roomID, "interval"))
	p.Cancel(roomID)
}

func (p *FallbackPoller) arm(roomID string) {
	p.sched.Schedule(TaskKey(roomID, "interval"), p.interval, func() {
		p.mu.Lock()
		running := p.running[roomID]
		p.mu.Unlock()
		if !running {
			return
		}
		p.fire(roomID, "interval")
		p.arm(roomID)
	})
}

func (p *FallbackPoller) fire(roomID, reason string) {
	FallbackPolls.WithLabelValues(reason).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultPollTimeout)
	defer cancel()
	if err := p.poll(ctx, roomID); err != nil {
		p.log.Warn().Err(err).Str("room", roomID).Str("reason", reason).Msg("poll failed")
		return
	}
	p.log.Debug().Str("room", roomID).Str("reason", reason).Msg("poll merged")
}

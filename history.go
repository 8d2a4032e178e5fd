package portalchat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultPageSize is the number of messages fetched per history page.
const DefaultPageSize = 50

// TimelineWriter is the single funnel through which every writer mutates a
// room's message list. fn must be pure; it may run more than once.
type TimelineWriter interface {
	ApplyRoom(roomID, source string, fn func([]Message) []Message) []Message
}

// ApplyRoom lets a bare cache serve as the write target when no rendered
// timeline sits in front of it.
func (c *MessageCache) ApplyRoom(roomID, source string, fn func([]Message) []Message) []Message {
	ReconciledEvents.WithLabelValues(source).Inc()
	return c.Mutate(roomID, fn)
}

// HistoryLoader fetches pages of past messages and merges them into the
// timeline.
type HistoryLoader struct {
	api   API
	out   TimelineWriter
	log   zerolog.Logger
	group singleflight.Group
}

// NewHistoryLoader creates a loader that merges fetched pages through out.
func NewHistoryLoader(api API, out TimelineWriter, log zerolog.Logger) *HistoryLoader {
	return &HistoryLoader{
		api: api,
		out: out,
		log: log.With().Str("component", "history").Logger(),
	}
}

// Load fetches the page before cursor (the newest page when cursor is empty)
// and merges it. Items are returned oldest first. NextCursor is empty once
// the server returns a short page.
//
// Identical concurrent loads share one request. If ctx is done by the time
// the response arrives, the page is discarded and ctx.Err() returned.
func (l *HistoryLoader) Load(ctx context.Context, roomID, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	key := roomID + "|" + cursor + "|" + strconv.Itoa(limit)
	v, err, shared := l.group.Do(key, func() (interface{}, error) {
		start := time.Now()
		msgs, err := l.api.ListMessages(ctx, roomID, cursor, limit)
		HistoryLoadDuration.Observe(time.Since(start).Seconds())
		return msgs, err
	})
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", roomID, err)
	}
	if err := ctx.Err(); err != nil {
		l.log.Debug().Str("room", roomID).Str("cursor", cursor).Msg("discarding stale page")
		return nil, err
	}

	newestFirst := v.([]Message)
	items := make([]Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		m := newestFirst[i]
		if m.ID == "" || IsTempID(m.ID) {
			continue
		}
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		m.Optimistic = false
		items = append(items, m)
	}

	page := &Page{Items: items}
	if len(newestFirst) >= limit && len(items) > 0 {
		page.NextCursor = items[0].ID
	}

	l.out.ApplyRoom(roomID, "history", func(cur []Message) []Message {
		merged, _ := ReconcilePage(cur, items)
		return merged
	})
	l.log.Debug().
		Str("room", roomID).
		Str("cursor", cursor).
		Int("count", len(items)).
		Bool("shared", shared).
		Msg("history page merged")
	return page, nil
}

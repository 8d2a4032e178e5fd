package portalchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Options
// ============================================================================

// Options configures an Engine. Only API is required.
type Options struct {
	API   API
	Users UserLookup
	// Transport delivers push events. Nil leaves rooms on polling only.
	Transport Transport

	// Store backs the message cache; Session backs the room roster.
	Store   KV
	Session KV

	Clock  Clock
	Logger zerolog.Logger

	CacheVersion string
	CacheTTL     time.Duration
	RosterTTL    time.Duration
	PageSize     int

	SendRefreshDelay  time.Duration
	SendFallbackDelay time.Duration
	PollInterval      time.Duration
	ErrorPollDelay    time.Duration
	TypingTTL         time.Duration
}

func (o *Options) defaults() {
	if o.Store == nil {
		o.Store = NewMemoryKV(0)
	}
	if o.Session == nil {
		o.Session = NewMemoryKV(0)
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.CacheVersion == "" {
		o.CacheVersion = DefaultCacheVersion
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.RosterTTL == 0 {
		o.RosterTTL = DefaultRosterTTL
	}
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.SendRefreshDelay == 0 {
		o.SendRefreshDelay = DefaultSendRefreshDelay
	}
	if o.SendFallbackDelay == 0 {
		o.SendFallbackDelay = DefaultSendFallbackDelay
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ErrorPollDelay == 0 {
		o.ErrorPollDelay = DefaultErrorPollDelay
	}
	if o.TypingTTL == 0 {
		o.TypingTTL = DefaultTypingTTL
	}
}

// ============================================================================
// Engine
// ============================================================================

// TimelineListener is called with a room's full timeline after every change.
type TimelineListener func(roomID string, msgs []Message)

// Engine ties the caches, loader, sender, subscriber and poller together and
// owns the rendered timeline of every open room.
type Engine struct {
	opts Options
	log  zerolog.Logger

	cache      *MessageCache
	roster     *RoomRoster
	sched      *Scheduler
	loader     *HistoryLoader
	poller     *FallbackPoller
	sender     *Sender
	subscriber *Subscriber
	reads      *ReadTracker
	typing     *TypingTracker

	// self outlives the roster's short-lived user snapshot.
	self atomic.Pointer[User]

	mu        sync.Mutex
	rooms     map[string]*openRoom
	listeners []TimelineListener
	closed    bool
	wg        sync.WaitGroup
}

type openRoom struct {
	refs     int
	timeline []Message
	ctx      context.Context
	cancel   context.CancelFunc

	// cursor is where the next older page starts. Cached messages older than
	// the first fetched page are not assumed contiguous with it, so paging
	// follows the server's cursors rather than the oldest rendered id.
	cursor    string
	paged     bool
	exhausted bool
}

// sweepKey never collides with a room's TaskKey since room ids are non-empty.
var sweepKey = TaskKey("", "typing-sweep")

// NewEngine builds an engine from opts.
func NewEngine(opts Options) *Engine {
	opts.defaults()
	log := opts.Logger.With().Str("component", "engine").Logger()
	e := &Engine{
		opts:   opts,
		log:    log,
		rooms:  make(map[string]*openRoom),
	}
	e.cache = NewMessageCache(opts.Store, opts.Clock, opts.CacheVersion, opts.CacheTTL, opts.Logger)
	e.roster = NewRoomRoster(opts.Session, opts.Clock, opts.RosterTTL, opts.Logger)
	e.sched = NewScheduler(opts.Clock)
	e.typing = NewTypingTracker(opts.Clock, opts.TypingTTL)
	e.loader = NewHistoryLoader(opts.API, e, opts.Logger)
	e.poller = NewFallbackPoller(e.sched, e.poll, opts.PollInterval, opts.Logger)
	e.reads = NewReadTracker(opts.API, e.roster, opts.Clock, e.selfID, opts.Logger)
	e.sender = NewSender(SenderConfig{
		API:           opts.API,
		Out:           e,
		Sched:         e.sched,
		Poller:        e.poller,
		Clock:         opts.Clock,
		User:          e.CurrentUser,
		RefreshDelay:  opts.SendRefreshDelay,
		FallbackDelay: opts.SendFallbackDelay,
		Logger:        opts.Logger,
	})
	e.subscriber = NewSubscriber(SubscriberConfig{
		Transport:      opts.Transport,
		Out:            e,
		Roster:         e.roster,
		Typing:         e.typing,
		Poller:         e.poller,
		Self:           e.selfID,
		Viewing:        e.isOpen,
		ErrorPollDelay: opts.ErrorPollDelay,
		Logger:         opts.Logger,
	})
	return e
}

// Cache exposes the message cache.
func (e *Engine) Cache() *MessageCache { return e.cache }

// Roster exposes the room roster.
func (e *Engine) Roster() *RoomRoster { return e.roster }

// ApplyRoom implements TimelineWriter. fn runs against the rendered timeline
// (when the room is open) and the cache under the engine lock; listeners are
// notified after it is released.
func (e *Engine) ApplyRoom(roomID, source string, fn func([]Message) []Message) []Message {
	e.mu.Lock()
	r := e.rooms[roomID]
	var before, after []Message
	if r != nil {
		before = r.timeline
		after = fn(before)
		r.timeline = after
		e.cache.Mutate(roomID, fn)
	} else {
		e.cache.Mutate(roomID, func(cur []Message) []Message {
			before = cur
			after = fn(cur)
			return after
		})
	}
	listeners := append([]TimelineListener(nil), e.listeners...)
	e.mu.Unlock()

	ReconciledEvents.WithLabelValues(source).Inc()
	if gone := settledTemps(before, after); len(gone) > 0 {
		e.sender.Settled(roomID, gone)
	}
	if r != nil {
		snapshot := append([]Message(nil), after...)
		for _, l := range listeners {
			l(roomID, snapshot)
		}
	}
	return after
}

// settledTemps lists optimistic ids present in before but not in after.
func settledTemps(before, after []Message) []string {
	var gone []string
	for _, m := range PendingOptimistic(before) {
		if !ContainsID(after, m.ID) {
			gone = append(gone, m.ID)
		}
	}
	return gone
}

// OnTimeline registers a listener for timeline changes of open rooms.
func (e *Engine) OnTimeline(l TimelineListener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

func (e *Engine) isOpen(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.rooms[roomID]
	return ok
}

func (e *Engine) selfID() string {
	if u := e.self.Load(); u != nil {
		return u.ID
	}
	if u, ok := e.roster.CurrentUser(); ok {
		return u.ID
	}
	return ""
}

// CurrentUser returns the session user, asking UserLookup when the session
// snapshot is cold.
func (e *Engine) CurrentUser(ctx context.Context) (*User, error) {
	if u, ok := e.roster.CurrentUser(); ok {
		return u, nil
	}
	if e.opts.Users == nil {
		return nil, ErrUnauthenticated
	}
	u, err := e.opts.Users.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	e.roster.SetCurrentUser(u)
	e.self.Store(u)
	return u, nil
}

// ============================================================================
// Room lifecycle
// ============================================================================

// OpenRoom starts showing roomID. The timeline is seeded from the cache and
// initial (server-rendered messages, may be nil), then the newest page is
// fetched, the push channel opened and the safety poll started. The room's
// badge clears before OpenRoom does any I/O; the server is told in the
// background. Each OpenRoom must be paired with a CloseRoom.
//
// The returned error is the first page load's; the room stays open either way.
func (e *Engine) OpenRoom(ctx context.Context, roomID string, initial []Message) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("engine closed")
	}
	if r, ok := e.rooms[roomID]; ok {
		r.refs++
		e.mu.Unlock()
		return nil
	}
	rctx, cancel := context.WithCancel(context.Background())
	r := &openRoom{refs: 1, ctx: rctx, cancel: cancel}
	cached, _ := e.cache.Get(roomID)
	r.timeline = Merge(cached, initial)
	e.rooms[roomID] = r
	e.mu.Unlock()

	if len(initial) > 0 {
		e.ApplyRoom(roomID, "initial", func(cur []Message) []Message {
			merged, _ := ReconcilePage(cur, initial)
			return merged
		})
	}
	e.log.Debug().Str("room", roomID).Int("seeded", len(r.timeline)).Msg("room opened")

	e.reads.markLocal(roomID)
	if err := e.subscriber.Open(rctx, roomID); err != nil {
		e.log.Warn().Err(err).Str("room", roomID).Msg("realtime unavailable")
	}
	e.poller.Start(roomID)
	e.armSweep()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		mctx, mcancel := context.WithTimeout(rctx, DefaultPollTimeout)
		defer mcancel()
		e.reads.persist(mctx, roomID)
	}()

	page, err := e.load(ctx, r, roomID, "")
	if err != nil {
		return err
	}
	e.advance(r, "", page)
	return nil
}

// CloseRoom releases one view of roomID. The last release cancels in-flight
// loads, closes the push channel and drops the room's polls.
func (e *Engine) CloseRoom(roomID string) {
	e.mu.Lock()
	r, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return
	}
	r.refs--
	if r.refs > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.rooms, roomID)
	idle := len(e.rooms) == 0
	e.mu.Unlock()

	r.cancel()
	e.subscriber.Close(roomID)
	// Pending send handoffs outlive the view: a confirmed row must still
	// replace its optimistic entry in the cache.
	prefix, sends := TaskKey(roomID, ""), fallbackKey(roomID, "")
	e.sched.CancelWhere(func(key string) bool {
		return strings.HasPrefix(key, prefix) && !strings.HasPrefix(key, sends)
	})
	if idle {
		e.sched.Cancel(sweepKey)
	}
	e.log.Debug().Str("room", roomID).Msg("room closed")
}

// load fetches a page under a context that ends with either ctx or the room.
func (e *Engine) load(ctx context.Context, r *openRoom, roomID, cursor string) (*Page, error) {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	return e.loader.Load(lctx, roomID, cursor, e.opts.PageSize)
}

// advance moves r's paging cursor past a page fetched from 'from'. A page
// from a cursor that has since moved on is ignored.
func (e *Engine) advance(r *openRoom, from string, page *Page) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.paged && r.cursor != from {
		return
	}
	r.paged = true
	r.cursor = page.NextCursor
	r.exhausted = page.NextCursor == ""
}

// poll is the FallbackPoller's refetch: the newest page of an open room.
func (e *Engine) poll(ctx context.Context, roomID string) error {
	e.mu.Lock()
	r, ok := e.rooms[roomID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := e.load(ctx, r, roomID, "")
	return err
}

// LoadOlder fetches the next older page of an open room, continuing from the
// cursor of the last page fetched. If no page has landed yet it fetches the
// newest one. It returns an empty page once the start of history is reached.
func (e *Engine) LoadOlder(ctx context.Context, roomID string) (*Page, error) {
	e.mu.Lock()
	r, ok := e.rooms[roomID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	if r.exhausted {
		e.mu.Unlock()
		return &Page{}, nil
	}
	cursor := r.cursor
	e.mu.Unlock()

	page, err := e.load(ctx, r, roomID, cursor)
	if err != nil {
		return nil, err
	}
	e.advance(r, cursor, page)
	return page, nil
}

// Timeline returns the rendered timeline of roomID, or the cached one when
// the room is not open.
func (e *Engine) Timeline(roomID string) []Message {
	e.mu.Lock()
	r, ok := e.rooms[roomID]
	if ok {
		out := append([]Message(nil), r.timeline...)
		e.mu.Unlock()
		return out
	}
	e.mu.Unlock()
	cached, _ := e.cache.Get(roomID)
	return cached
}

// ChannelState returns the push channel state of roomID.
func (e *Engine) ChannelState(roomID string) ChannelState {
	return e.subscriber.State(roomID)
}

// Typing returns who is typing in roomID.
func (e *Engine) Typing(roomID string) []string {
	return e.typing.Typing(roomID)
}

// ============================================================================
// Messages
// ============================================================================

// Send posts a message optimistically. See Sender.Send.
func (e *Engine) Send(ctx context.Context, req SendRequest) error {
	return e.sender.Send(ctx, req)
}

// EditMessage changes a message body, rendering the edit immediately and
// restoring the previous version if the server refuses it.
func (e *Engine) EditMessage(ctx context.Context, roomID, messageID, body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: empty body", ErrValidation)
	}
	if IsTempID(messageID) {
		return fmt.Errorf("%w: message %s is not confirmed yet", ErrValidation, messageID)
	}
	var prev *Message
	now := e.opts.Clock.Now().UTC()
	e.ApplyRoom(roomID, "edit", func(cur []Message) []Message {
		for i := range cur {
			if cur[i].ID == messageID {
				m := cur[i]
				prev = &m
			}
		}
		next, _ := ApplyUpdate(cur, Message{ID: messageID, Body: body, UpdatedAt: &now})
		return next
	})

	updated, err := e.opts.API.UpdateMessage(ctx, roomID, messageID, body)
	if err != nil {
		if prev != nil {
			old := *prev
			e.ApplyRoom(roomID, "edit", func(cur []Message) []Message {
				if !ContainsID(cur, old.ID) {
					return cur
				}
				return Merge(cur, []Message{old})
			})
		}
		return fmt.Errorf("edit %s: %w", messageID, err)
	}
	if updated != nil {
		e.ApplyRoom(roomID, "edit", func(cur []Message) []Message {
			next, _ := ApplyUpdate(cur, *updated)
			return next
		})
	}
	return nil
}

// DeleteMessage removes a message. A pending optimistic entry is dropped
// locally without a request.
func (e *Engine) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	if IsTempID(messageID) {
		e.ApplyRoom(roomID, "delete", func(cur []Message) []Message {
			next, _ := EvictOptimistic(cur, messageID)
			return next
		})
		return nil
	}
	if err := e.opts.API.DeleteMessage(ctx, roomID, messageID); err != nil {
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	e.ApplyRoom(roomID, "delete", func(cur []Message) []Message {
		next, _ := ApplyDelete(cur, messageID)
		return next
	})
	return nil
}

// ============================================================================
// Rooms & read state
// ============================================================================

// CachedRooms returns the roster snapshot for first paint.
func (e *Engine) CachedRooms() ([]Room, bool) {
	return e.roster.GetRooms()
}

// Rooms fetches the room list with unread counts and refreshes the roster.
func (e *Engine) Rooms(ctx context.Context) ([]Room, error) {
	rooms, err := e.opts.API.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	sortRooms(rooms)
	e.roster.SetRooms(rooms)
	return rooms, nil
}

// CreateRoom creates a room with the signed-in user among its participants.
func (e *Engine) CreateRoom(ctx context.Context, opts *CreateRoomOptions) (*Room, error) {
	if opts == nil || strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("%w: room name is required", ErrValidation)
	}
	user, err := e.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	o := *opts
	if o.Type == "" {
		o.Type = RoomGeneral
	}
	found := false
	for _, p := range o.Participants {
		if p == user.ID {
			found = true
			break
		}
	}
	if !found {
		o.Participants = append([]string{user.ID}, o.Participants...)
	}
	room, err := e.opts.API.CreateRoom(ctx, &o)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if rooms, ok := e.roster.GetRooms(); ok {
		e.roster.SetRooms(append([]Room{*room}, rooms...))
	}
	return room, nil
}

// MarkRead marks roomID read. See ReadTracker.MarkRead.
func (e *Engine) MarkRead(ctx context.Context, roomID string) error {
	return e.reads.MarkRead(ctx, roomID)
}

// UnreadCount counts unread messages in roomID's timeline.
func (e *Engine) UnreadCount(roomID string) int {
	return e.reads.UnreadCount(roomID, e.Timeline(roomID))
}

// ============================================================================
// Shutdown
// ============================================================================

// armSweep keeps the typing sweep running while any room is open.
func (e *Engine) armSweep() {
	e.sched.Schedule(sweepKey, e.opts.TypingTTL, func() {
		for _, roomID := range e.typing.Sweep() {
			e.log.Debug().Str("room", roomID).Msg("typing lapsed")
		}
		e.mu.Lock()
		open := len(e.rooms) > 0
		e.mu.Unlock()
		if open {
			e.armSweep()
		}
	})
}

// Close closes every room, stops all timers and closes the transport when it
// supports it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ids := make([]string, 0, len(e.rooms))
	for id, r := range e.rooms {
		r.refs = 1
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.CloseRoom(id)
	}
	e.sched.Stop()
	e.wg.Wait()

	if c, ok := e.opts.Transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

package portalchat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// fakeClock
// ============================================================================

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that falls due, including
// timers scheduled by the callbacks themselves.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if due == nil || t.at.Before(due.at) {
				due = t
			}
		}
		if due == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		due.fired = true
		if due.at.After(c.now) {
			c.now = due.at
		}
		c.mu.Unlock()
		due.f()
	}
}

// pending counts timers that have neither fired nor been stopped.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// fakeAPI
// ============================================================================

type fakeAPI struct {
	mu    sync.Mutex
	clock Clock
	user  *User

	messages map[string][]Message
	rooms    []Room
	seq      int

	createErr  error
	createHook func(opts *CreateMessageOptions)
	dropNonce  bool
	creates    []CreateMessageOptions

	listErr   error
	listHook  func(ctx context.Context)
	listCalls int

	updateErr error
	roomReqs  []CreateRoomOptions
	markRead  []string
	markHook  func(roomID string)
}

func newFakeAPI(clock Clock) *fakeAPI {
	return &fakeAPI{
		clock:    clock,
		user:     &User{ID: "u-me", DisplayName: "Me"},
		messages: make(map[string][]Message),
	}
}

// seed stores msgs as server rows.
func (a *fakeAPI) seed(roomID string, msgs ...Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages[roomID] = Merge(a.messages[roomID], msgs)
}

func (a *fakeAPI) listCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls
}

func (a *fakeAPI) CurrentUser(ctx context.Context) (*User, error) {
	if a.user == nil {
		return nil, ErrUnauthenticated
	}
	u := *a.user
	return &u, nil
}

func (a *fakeAPI) CreateRoom(ctx context.Context, opts *CreateRoomOptions) (*Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roomReqs = append(a.roomReqs, *opts)
	a.seq++
	r := Room{ID: fmt.Sprintf("room-%d", a.seq), Name: opts.Name, Type: opts.Type, Active: true}
	a.rooms = append(a.rooms, r)
	return &r, nil
}

func (a *fakeAPI) ListRooms(ctx context.Context) ([]Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Room(nil), a.rooms...), nil
}

func (a *fakeAPI) CreateMessage(ctx context.Context, opts *CreateMessageOptions) (*Message, error) {
	if a.createHook != nil {
		a.createHook(opts)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates = append(a.creates, *opts)
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.seq++
	m := Message{
		ID:          fmt.Sprintf("m-%03d", a.seq),
		RoomID:      opts.RoomID,
		AuthorID:    a.user.ID,
		Body:        opts.Body,
		CreatedAt:   a.clock.Now().UTC(),
		ParentID:    opts.ParentID,
		Attachments: opts.Attachments,
	}
	if !a.dropNonce {
		m.ClientNonce = opts.ClientNonce
	}
	a.messages[opts.RoomID] = Merge(a.messages[opts.RoomID], []Message{m})
	return &m, nil
}

func (a *fakeAPI) ListMessages(ctx context.Context, roomID, cursor string, limit int) ([]Message, error) {
	if a.listHook != nil {
		a.listHook(ctx)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if a.listErr != nil {
		return nil, a.listErr
	}
	all := a.messages[roomID]
	end := len(all)
	if cursor != "" {
		end = 0
		for i, m := range all {
			if m.ID == cursor {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := append([]Message(nil), all[start:end]...)
	sort.SliceStable(page, func(i, j int) bool { return messageLess(&page[j], &page[i]) })
	return page, nil
}

func (a *fakeAPI) UpdateMessage(ctx context.Context, roomID, messageID, body string) (*Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.updateErr != nil {
		return nil, a.updateErr
	}
	now := a.clock.Now().UTC()
	list := a.messages[roomID]
	for i := range list {
		if list[i].ID == messageID {
			list[i].Body = body
			list[i].Edited = true
			list[i].UpdatedAt = &now
			m := list[i]
			return &m, nil
		}
	}
	return nil, &APIError{Code: "NOT_FOUND", Message: "message not found"}
}

func (a *fakeAPI) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next, ok := ApplyDelete(a.messages[roomID], messageID)
	if !ok {
		return &APIError{Code: "NOT_FOUND", Message: "message not found"}
	}
	a.messages[roomID] = next
	return nil
}

func (a *fakeAPI) MarkRead(ctx context.Context, roomID string) (*Participant, error) {
	if a.markHook != nil {
		a.markHook(roomID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markRead = append(a.markRead, roomID)
	return &Participant{RoomID: roomID, UserID: a.user.ID, Active: true}, nil
}

// ============================================================================
// fakeTransport
// ============================================================================

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]ChannelHandler
	closed   []string
	err      error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]ChannelHandler)}
}

func (t *fakeTransport) Subscribe(ctx context.Context, roomID string, h ChannelHandler) (Channel, error) {
	if t.err != nil {
		return nil, t.err
	}
	t.mu.Lock()
	t.handlers[roomID] = h
	t.mu.Unlock()
	h.OnState(roomID, StateChannelConnecting, nil)
	return &fakeChannel{t: t, roomID: roomID}, nil
}

func (t *fakeTransport) handler(roomID string) ChannelHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers[roomID]
}

func (t *fakeTransport) state(roomID string, s ChannelState) {
	if h := t.handler(roomID); h != nil {
		h.OnState(roomID, s, nil)
	}
}

func (t *fakeTransport) emit(ev ChannelEvent) {
	if h := t.handler(ev.RoomID); h != nil {
		h.OnEvent(ev)
	}
}

func (t *fakeTransport) subscribed(roomID string) bool {
	return t.handler(roomID) != nil
}

type fakeChannel struct {
	t      *fakeTransport
	roomID string
}

func (c *fakeChannel) Close() error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	delete(c.t.handlers, c.roomID)
	c.t.closed = append(c.t.closed, c.roomID)
	return nil
}

// ============================================================================
// helpers
// ============================================================================

func msgAt(id, roomID, author, body string, at time.Time) Message {
	return Message{ID: id, RoomID: roomID, AuthorID: author, Body: body, CreatedAt: at}
}

// row renders m the way the push service does.
func row(m Message) json.RawMessage {
	r := map[string]interface{}{
		"id":         m.ID,
		"room_id":    m.RoomID,
		"user_id":    m.AuthorID,
		"content":    m.Body,
		"created_at": m.CreatedAt.Format(time.RFC3339Nano),
		"is_edited":  m.Edited,
	}
	if m.ClientNonce != "" {
		r["client_nonce"] = m.ClientNonce
	}
	if m.UpdatedAt != nil {
		r["updated_at"] = m.UpdatedAt.Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return b
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func sameIDs(a []Message, want ...string) bool {
	got := ids(a)
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

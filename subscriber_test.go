package portalchat

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type subHarness struct {
	clock     *fakeClock
	transport *fakeTransport
	cache     *MessageCache
	roster    *RoomRoster
	typing    *TypingTracker
	sub       *Subscriber
	polls     []string
	viewing   bool
}

func newSubHarness(t *testing.T, transport Transport) *subHarness {
	t.Helper()
	h := &subHarness{clock: newFakeClock()}
	if ft, ok := transport.(*fakeTransport); ok {
		h.transport = ft
	}
	h.cache = newTestCache(NewMemoryKV(0), h.clock)
	h.roster = NewRoomRoster(NewMemoryKV(0), h.clock, time.Hour, zerolog.Nop())
	h.typing = NewTypingTracker(h.clock, time.Second)
	poller := NewFallbackPoller(NewScheduler(h.clock), func(ctx context.Context, roomID string) error {
		h.polls = append(h.polls, roomID)
		return nil
	}, time.Hour, zerolog.Nop())
	h.sub = NewSubscriber(SubscriberConfig{
		Transport: transport,
		Out:       h.cache,
		Roster:    h.roster,
		Typing:    h.typing,
		Poller:    poller,
		Self:      func() string { return "u-me" },
		Viewing:   func(string) bool { return h.viewing },
		Logger:    zerolog.Nop(),
	})
	return h
}

func (h *subHarness) open(t *testing.T, roomID string) {
	t.Helper()
	if err := h.sub.Open(context.Background(), roomID); err != nil {
		t.Fatal(err)
	}
}

func TestSubscriberStates(t *testing.T) {
	t.Run("subscribe", func(t *testing.T) {
		h := newSubHarness(t, newFakeTransport())
		h.open(t, "r1")
		if s := h.sub.State("r1"); s != StateChannelConnecting {
			t.Fatalf("state = %s", s)
		}
		h.transport.state("r1", StateChannelSubscribed)
		if s := h.sub.State("r1"); s != StateChannelSubscribed {
			t.Fatalf("state = %s", s)
		}
		h.clock.Advance(time.Minute)
		if len(h.polls) != 0 {
			t.Fatalf("healthy channel polled: %v", h.polls)
		}
	})

	for _, bad := range []ChannelState{StateChannelError, StateChannelTimedOut, StateChannelClosed} {
		t.Run(string(bad)+" polls after delay", func(t *testing.T) {
			h := newSubHarness(t, newFakeTransport())
			h.open(t, "r1")
			h.transport.state("r1", bad)
			h.transport.state("r1", bad)

			h.clock.Advance(1900 * time.Millisecond)
			if len(h.polls) != 0 {
				t.Fatalf("polled early: %v", h.polls)
			}
			h.clock.Advance(100 * time.Millisecond)
			if len(h.polls) != 1 {
				t.Fatalf("polls = %v", h.polls)
			}
		})
	}

	t.Run("recovery catches up", func(t *testing.T) {
		h := newSubHarness(t, newFakeTransport())
		h.open(t, "r1")
		h.transport.state("r1", StateChannelSubscribed)
		h.transport.state("r1", StateChannelError)
		h.clock.Advance(2 * time.Second)
		h.transport.state("r1", StateChannelSubscribed)
		h.clock.Advance(0)
		if len(h.polls) != 2 {
			t.Fatalf("polls = %v", h.polls)
		}
	})

	t.Run("no transport relies on polling", func(t *testing.T) {
		h := newSubHarness(t, nil)
		h.open(t, "r1")
		if s := h.sub.State("r1"); s != StateChannelError {
			t.Fatalf("state = %s", s)
		}
		h.clock.Advance(2 * time.Second)
		if len(h.polls) != 1 {
			t.Fatalf("polls = %v", h.polls)
		}
	})

	t.Run("subscribe failure", func(t *testing.T) {
		ft := newFakeTransport()
		ft.err = errors.New("refused")
		h := newSubHarness(t, ft)
		if err := h.sub.Open(context.Background(), "r1"); err == nil {
			t.Fatal("expected error")
		}
		h.clock.Advance(2 * time.Second)
		if len(h.polls) != 1 {
			t.Fatalf("polls = %v", h.polls)
		}
	})

	t.Run("close releases channel and timers", func(t *testing.T) {
		h := newSubHarness(t, newFakeTransport())
		h.open(t, "r1")
		h.transport.state("r1", StateChannelError)
		h.sub.Close("r1")

		if len(h.transport.closed) != 1 || h.transport.closed[0] != "r1" {
			t.Fatalf("closed = %v", h.transport.closed)
		}
		if s := h.sub.State("r1"); s != StateChannelClosed {
			t.Fatalf("state = %s", s)
		}
		h.clock.Advance(time.Minute)
		if len(h.polls) != 0 {
			t.Fatalf("poll fired after close: %v", h.polls)
		}
	})
}

func TestSubscriberEvents(t *testing.T) {
	m1 := msgAt("m1", "r1", "u2", "hello", epoch)

	t.Run("insert update delete", func(t *testing.T) {
		h := newSubHarness(t, newFakeTransport())
		h.open(t, "r1")

		h.transport.emit(ChannelEvent{Type: EventInsert, RoomID: "r1", Record: row(m1)})
		h.transport.emit(ChannelEvent{Type: EventInsert, RoomID: "r1", Record: row(m1)})
		got, _ := h.cache.Get("r1")
		if !sameIDs(got, "m1") {
			t.Fatalf("after insert: %v", ids(got))
		}

		edited := m1
		edited.Body = "hello!"
		edited.Edited = true
		at := epoch.Add(time.Minute)
		edited.UpdatedAt = &at
		h.transport.emit(ChannelEvent{Type: EventUpdate, RoomID: "r1", Record: row(edited)})
		got, _ = h.cache.Get("r1")
		if got[0].Body != "hello!" || !got[0].Edited {
			t.Fatalf("after update: %+v", got[0])
		}

		h.transport.emit(ChannelEvent{Type: EventDelete, RoomID: "r1", Old: json.RawMessage(`{"id":"m1"}`)})
		got, _ = h.cache.Get("r1")
		if len(got) != 0 {
			t.Fatalf("after delete: %v", ids(got))
		}
	})

	t.Run("soft delete arrives as update", func(t *testing.T) {
		h := newSubHarness(t, newFakeTransport())
		h.open(t, "r1")
		h.cache.Set("r1", []Message{m1}, 0)

		rec := json.RawMessage(`{"id":"m1","room_id":"r1","user_id":"u2","content":"hello","created_at":"2024-03-01T10:00:00Z","deleted_at":"2024-03-01T10:05:00Z"}`)
		h.transport.emit(ChannelEvent{Type: EventUpdate, RoomID: "r1", Record: rec})
		if got, _ := h.cache.Get("r1"); len(got) != 0 {
			t.Fatalf("soft-deleted row kept: %v", ids(got))
		}
	})

	t.Run("malformed payloads are dropped", func(t *testing.T) {
		h := newSubHarness(t, newFakeTransport())
		h.open(t, "r1")
		bad := []ChannelEvent{
			{Type: EventInsert, RoomID: "r1", Record: json.RawMessage(`{"id":"m2","room_id":"r1","user_id":"u2","created_at":"2024-03-01T10:00:00Z"}`)},
			{Type: EventInsert, RoomID: "r1", Record: json.RawMessage(`{"id":"m3","room_id":"r2","user_id":"u2","content":"x","created_at":"2024-03-01T10:00:00Z"}`)},
			{Type: EventInsert, RoomID: "r1", Record: json.RawMessage(`{"id":"temp-9","room_id":"r1","user_id":"u2","content":"x","created_at":"2024-03-01T10:00:00Z"}`)},
			{Type: EventInsert, RoomID: "r1", Record: json.RawMessage(`{"id":"m4","room_id":"r1","user_id":"u2","content":"x"}`)},
			{Type: EventInsert, RoomID: "r1", Record: json.RawMessage(`not json`)},
			{Type: EventInsert, RoomID: "r1"},
			{Type: EventDelete, RoomID: "r1", Old: json.RawMessage(`{}`)},
			{Type: "TRUNCATE", RoomID: "r1"},
		}
		for _, ev := range bad {
			h.transport.emit(ev)
		}
		if got, ok := h.cache.Get("r1"); ok && len(got) != 0 {
			t.Fatalf("malformed rows applied: %v", ids(got))
		}

		h.transport.emit(ChannelEvent{Type: EventInsert, RoomID: "r1", Record: row(m1)})
		if got, _ := h.cache.Get("r1"); !sameIDs(got, "m1") {
			t.Fatalf("channel stopped after bad payloads: %v", ids(got))
		}
	})

	t.Run("events for closed rooms are ignored", func(t *testing.T) {
		h := newSubHarness(t, newFakeTransport())
		h.sub.OnEvent(ChannelEvent{Type: EventInsert, RoomID: "r1", Record: row(m1)})
		if _, ok := h.cache.Get("r1"); ok {
			t.Fatal("event applied to a room that is not open")
		}
	})

	t.Run("unread badge", func(t *testing.T) {
		h := newSubHarness(t, newFakeTransport())
		h.roster.SetRooms([]Room{{ID: "r1"}})
		h.open(t, "r1")

		h.transport.emit(ChannelEvent{Type: EventInsert, RoomID: "r1", Record: row(m1)})
		mine := msgAt("m2", "r1", "u-me", "reply", epoch.Add(time.Second))
		h.transport.emit(ChannelEvent{Type: EventInsert, RoomID: "r1", Record: row(mine)})
		h.viewing = true
		seen := msgAt("m3", "r1", "u2", "while looking", epoch.Add(2*time.Second))
		h.transport.emit(ChannelEvent{Type: EventInsert, RoomID: "r1", Record: row(seen)})

		rooms, _ := h.roster.GetRooms()
		if rooms[0].UnreadCount != 1 {
			t.Fatalf("unread = %d", rooms[0].UnreadCount)
		}
		if rooms[0].LatestMessage == nil || rooms[0].LatestMessage.ID != "m3" {
			t.Fatalf("preview = %+v", rooms[0].LatestMessage)
		}
	})

	t.Run("typing", func(t *testing.T) {
		h := newSubHarness(t, newFakeTransport())
		h.open(t, "r1")

		h.transport.emit(ChannelEvent{Type: EventTyping, RoomID: "r1", UserID: "u2"})
		h.transport.emit(ChannelEvent{Type: EventTyping, RoomID: "r1", UserID: "u-me"})
		if got := h.typing.Typing("r1"); !reflect.DeepEqual(got, []string{"u2"}) {
			t.Fatalf("typing = %v", got)
		}

		h.transport.emit(ChannelEvent{Type: EventInsert, RoomID: "r1", Record: row(m1)})
		if got := h.typing.Typing("r1"); len(got) != 0 {
			t.Fatalf("typing after message = %v", got)
		}
	})
}

func TestNormalizeRow(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "m7",
		"room_id": "r1",
		"user_id": "u2",
		"content": "",
		"created_at": "2024-03-01T12:00:00+02:00",
		"is_edited": true,
		"parent_id": "m6",
		"client_nonce": "01HQ"
	}`)
	msg, deleted, err := NormalizeRow(raw, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Fatal("not a delete")
	}
	if !msg.CreatedAt.Equal(epoch) || msg.CreatedAt.Location() != time.UTC {
		t.Fatalf("created_at = %v", msg.CreatedAt)
	}
	if msg.Body != "" || !msg.Edited || *msg.ParentID != "m6" || msg.ClientNonce != "01HQ" || msg.Optimistic {
		t.Fatalf("msg = %+v", msg)
	}

	_, _, err = NormalizeRow(json.RawMessage(`{"id":"m8"}`), "r1")
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v", err)
	}
}

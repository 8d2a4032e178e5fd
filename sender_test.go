package portalchat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type senderHarness struct {
	clock  *fakeClock
	api    *fakeAPI
	cache  *MessageCache
	sched  *Scheduler
	sender *Sender
	polls  int
}

func newSenderHarness(t *testing.T) *senderHarness {
	t.Helper()
	h := &senderHarness{clock: newFakeClock()}
	h.api = newFakeAPI(h.clock)
	h.cache = newTestCache(NewMemoryKV(0), h.clock)
	h.sched = NewScheduler(h.clock)
	loader := NewHistoryLoader(h.api, h.cache, zerolog.Nop())
	poller := NewFallbackPoller(h.sched, func(ctx context.Context, roomID string) error {
		h.polls++
		_, err := loader.Load(ctx, roomID, "", DefaultPageSize)
		return err
	}, time.Hour, zerolog.Nop())
	h.sender = NewSender(SenderConfig{
		API:    h.api,
		Out:    h.cache,
		Sched:  h.sched,
		Poller: poller,
		Clock:  h.clock,
		User:   h.api.CurrentUser,
		Logger: zerolog.Nop(),
	})
	return h
}

// deliver applies a realtime insert the way the subscriber does and settles
// whatever it evicted.
func (h *senderHarness) deliver(msg Message) {
	var gone []string
	h.cache.ApplyRoom(msg.RoomID, "realtime", func(cur []Message) []Message {
		next, g := ReconcileInsert(cur, msg)
		gone = g
		return next
	})
	h.sender.Settled(msg.RoomID, gone)
}

func (h *senderHarness) confirmed(roomID string) Message {
	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	list := h.api.messages[roomID]
	return list[len(list)-1]
}

func TestSenderOptimisticInsert(t *testing.T) {
	h := newSenderHarness(t)
	var during []Message
	h.api.createHook = func(opts *CreateMessageOptions) {
		during, _ = h.cache.Get(opts.RoomID)
	}

	if err := h.sender.Send(context.Background(), SendRequest{RoomID: "r1", Body: "ping"}); err != nil {
		t.Fatal(err)
	}
	if len(during) != 1 || !during[0].Optimistic || !IsTempID(during[0].ID) {
		t.Fatalf("timeline during request = %+v", during)
	}
	if during[0].AuthorID != "u-me" || during[0].ClientNonce == "" {
		t.Fatalf("optimistic entry = %+v", during[0])
	}
	if h.api.creates[0].ClientNonce != during[0].ClientNonce {
		t.Fatal("request nonce does not match the optimistic entry")
	}
}

func TestSenderRealtimeHandoff(t *testing.T) {
	for _, dropNonce := range []bool{false, true} {
		name := "nonce"
		if dropNonce {
			name = "heuristic"
		}
		t.Run(name, func(t *testing.T) {
			h := newSenderHarness(t)
			h.api.dropNonce = dropNonce
			if err := h.sender.Send(context.Background(), SendRequest{RoomID: "r1", Body: "ping"}); err != nil {
				t.Fatal(err)
			}

			h.clock.Advance(200 * time.Millisecond)
			h.deliver(h.confirmed("r1"))

			got, _ := h.cache.Get("r1")
			if !sameIDs(got, "m-001") {
				t.Fatalf("after realtime: %v", ids(got))
			}
			h.clock.Advance(5 * time.Second)
			got, _ = h.cache.Get("r1")
			if !sameIDs(got, "m-001") {
				t.Fatalf("after timers: %v", ids(got))
			}
			if h.polls != 1 {
				t.Fatalf("expected only the refresh poll, got %d", h.polls)
			}
		})
	}
}

func TestSenderFallback(t *testing.T) {
	h := newSenderHarness(t)
	// Refresh poll cannot reach the server; only the fallback timer helps.
	h.api.listErr = errors.New("offline")
	if err := h.sender.Send(context.Background(), SendRequest{RoomID: "r1", Body: "ping"}); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(2999 * time.Millisecond)
	got, _ := h.cache.Get("r1")
	if len(got) != 1 || !got[0].Optimistic {
		t.Fatalf("before fallback: %+v", got)
	}

	h.clock.Advance(time.Millisecond)
	got, _ = h.cache.Get("r1")
	if !sameIDs(got, "m-001") || got[0].Optimistic {
		t.Fatalf("after fallback: %+v", got)
	}
	if h.polls != 2 {
		t.Fatalf("polls = %d, want refresh and fallback", h.polls)
	}

	// A late realtime echo changes nothing.
	h.deliver(h.confirmed("r1"))
	got, _ = h.cache.Get("r1")
	if !sameIDs(got, "m-001") {
		t.Fatalf("after late echo: %v", ids(got))
	}
}

func TestSenderRollback(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		kind     SendErrorKind
		redirect bool
	}{
		{"room gone", &APIError{Code: "ROOM_NOT_FOUND", Message: "gone"}, SendNotFound, true},
		{"not a member", &APIError{Code: "NOT_A_MEMBER", Message: "no"}, SendUnauthorized, true},
		{"validation", &APIError{Code: "VALIDATION", Message: "too long"}, SendRejected, false},
		{"server says no", &APIError{Code: "RATE_LIMITED", Message: "slow down"}, SendRejected, false},
		{"timeout", &APIError{Code: "TIMEOUT", Message: "slow"}, SendNetwork, false},
		{"transport", errors.New("dial tcp: connection refused"), SendNetwork, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newSenderHarness(t)
			h.api.createErr = tc.err
			req := SendRequest{RoomID: "r1", Body: "hello"}

			err := h.sender.Send(context.Background(), req)
			var sendErr *SendError
			if !errors.As(err, &sendErr) {
				t.Fatalf("err = %v", err)
			}
			if sendErr.Kind != tc.kind || sendErr.Redirect() != tc.redirect {
				t.Fatalf("kind = %s redirect = %v", sendErr.Kind, sendErr.Redirect())
			}
			if sendErr.Draft.Body != "hello" {
				t.Fatalf("draft lost: %+v", sendErr.Draft)
			}
			if !errors.Is(err, tc.err) {
				t.Fatal("cause not wrapped")
			}
			got, _ := h.cache.Get("r1")
			if len(got) != 0 {
				t.Fatalf("optimistic entry survived failure: %v", ids(got))
			}
			if h.clock.pending() != 0 {
				t.Fatalf("%d timers left behind", h.clock.pending())
			}
		})
	}
}

func TestSenderNoop(t *testing.T) {
	h := newSenderHarness(t)
	for _, body := range []string{"", "   ", "\n\t"} {
		if err := h.sender.Send(context.Background(), SendRequest{RoomID: "r1", Body: body}); err != nil {
			t.Fatalf("Send(%q) = %v", body, err)
		}
	}
	if len(h.api.creates) != 0 {
		t.Fatalf("%d requests for empty drafts", len(h.api.creates))
	}
	if _, ok := h.cache.Get("r1"); ok {
		t.Fatal("empty draft rendered")
	}
}

func TestSenderAttachmentOnly(t *testing.T) {
	h := newSenderHarness(t)
	req := SendRequest{RoomID: "r1", Attachments: []Attachment{{FileName: "brief.pdf", StoragePath: "rooms/r1/brief.pdf", Size: 2048, MimeType: "application/pdf"}}}
	if err := h.sender.Send(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if len(h.api.creates) != 1 || len(h.api.creates[0].Attachments) != 1 {
		t.Fatalf("creates = %+v", h.api.creates)
	}
}

func TestSenderUnauthenticated(t *testing.T) {
	h := newSenderHarness(t)
	h.api.user = nil

	err := h.sender.Send(context.Background(), SendRequest{RoomID: "r1", Body: "hi"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Kind != SendUnauthenticated {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatal("cause not wrapped")
	}
	if len(h.api.creates) != 0 {
		t.Fatal("request sent without a user")
	}
}

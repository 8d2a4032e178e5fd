package portalchat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestReadTracker(t *testing.T) {
	t.Run("badge clears before the request lands", func(t *testing.T) {
		clock := newFakeClock()
		api := newFakeAPI(clock)
		roster := NewRoomRoster(NewMemoryKV(0), clock, 0, zerolog.Nop())
		roster.SetRooms([]Room{{ID: "r1", UnreadCount: 2}})
		rt := NewReadTracker(api, roster, clock, nil, zerolog.Nop())

		msgs := []Message{
			msgAt("m1", "r1", "u2", "one", epoch.Add(-2*time.Minute)),
			msgAt("m2", "r1", "u2", "two", epoch.Add(-time.Minute)),
		}
		if n := rt.UnreadCount("r1", msgs); n != 2 {
			t.Fatalf("unread before = %d", n)
		}

		inFlight := make(chan struct{})
		release := make(chan struct{})
		api.markHook = func(string) {
			close(inFlight)
			<-release
		}
		done := make(chan error, 1)
		go func() { done <- rt.MarkRead(context.Background(), "r1") }()

		<-inFlight
		if n := rt.UnreadCount("r1", msgs); n != 0 {
			t.Fatalf("unread while in flight = %d", n)
		}
		rooms, _ := roster.GetRooms()
		if rooms[0].UnreadCount != 0 {
			t.Fatalf("roster badge = %d", rooms[0].UnreadCount)
		}
		close(release)
		if err := <-done; err != nil {
			t.Fatalf("MarkRead: %v", err)
		}
	})

	t.Run("newer messages count again", func(t *testing.T) {
		clock := newFakeClock()
		rt := NewReadTracker(nil, nil, clock, func() string { return "u-me" }, zerolog.Nop())
		if err := rt.MarkRead(context.Background(), "r1"); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
		msgs := []Message{
			msgAt("m1", "r1", "u2", "old", epoch.Add(-time.Second)),
			msgAt("m2", "r1", "u2", "new", clock.Now()),
			{ID: "temp-x", RoomID: "r1", AuthorID: "u-me", CreatedAt: clock.Now(), Optimistic: true},
			msgAt("m3", "r1", "u-me", "mine", clock.Now()),
		}
		if n := rt.UnreadCount("r1", msgs); n != 1 {
			t.Fatalf("unread = %d", n)
		}
	})

	t.Run("own messages never count", func(t *testing.T) {
		rt := NewReadTracker(nil, nil, newFakeClock(), func() string { return "u-me" }, zerolog.Nop())
		msgs := []Message{
			msgAt("m1", "r1", "u-me", "mine", epoch),
			msgAt("m2", "r1", "u2", "theirs", epoch),
		}
		if n := rt.UnreadCount("r1", msgs); n != 1 {
			t.Fatalf("unread = %d", n)
		}
	})

	t.Run("last read never moves backwards", func(t *testing.T) {
		rt := NewReadTracker(nil, nil, newFakeClock(), nil, zerolog.Nop())
		rt.SetLastRead("r1", epoch)
		rt.SetLastRead("r1", epoch.Add(-time.Hour))
		got, ok := rt.LastReadAt("r1")
		if !ok || !got.Equal(epoch) {
			t.Fatalf("last read = %v", got)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		clock := newFakeClock()
		api := newFakeAPI(clock)
		rt := NewReadTracker(api, nil, clock, nil, zerolog.Nop())
		for i := 0; i < 3; i++ {
			if err := rt.MarkRead(context.Background(), "r1"); err != nil {
				t.Fatal(err)
			}
		}
		if got, _ := rt.LastReadAt("r1"); !got.Equal(epoch) {
			t.Fatalf("last read = %v", got)
		}
	})
}

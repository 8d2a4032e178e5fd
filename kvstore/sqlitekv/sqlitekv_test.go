package sqlitekv

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	portalchat "github.com/agencyhub/portalchat"
	"github.com/rs/zerolog"
)

func openTemp(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "cache", "portalchat.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	s := openTemp(t)

	if _, ok, err := s.Get("room:r1"); ok || err != nil {
		t.Fatalf("empty get = %v, %v", ok, err)
	}
	if err := s.Set("room:r1", []byte("one"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("room:r1", []byte("two"), time.Hour); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get("room:r1")
	if err != nil || !ok || string(v) != "two" {
		t.Fatalf("get = %q %v %v", v, ok, err)
	}

	s.Set("room:r2", []byte("x"), 0)
	s.Set("session:rooms", []byte("y"), 0)
	keys, err := s.Keys("room:")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys, []string{"room:r1", "room:r2"}) {
		t.Fatalf("keys = %v", keys)
	}

	if err := s.Delete("room:r1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get("room:r1"); ok {
		t.Fatal("deleted key still present")
	}
}

func TestStoreKeysEscapesWildcards(t *testing.T) {
	s := openTemp(t)
	for _, k := range []string{"room_a:1", "roomXa:1", "room%:1"} {
		if err := s.Set(k, []byte("v"), 0); err != nil {
			t.Fatal(err)
		}
	}
	keys, err := s.Keys("room_")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(keys, []string{"room_a:1"}) {
		t.Fatalf("keys = %v", keys)
	}
	keys, _ = s.Keys("room%")
	if !reflect.DeepEqual(keys, []string{"room%:1"}) {
		t.Fatalf("keys = %v", keys)
	}
}

func TestStoreQuota(t *testing.T) {
	s := openTemp(t, WithMaxBytes(10))
	if err := s.Set("a", []byte("123456"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("b", []byte("123456"), 0); !errors.Is(err, portalchat.ErrQuotaExceeded) {
		t.Fatalf("err = %v", err)
	}
	if err := s.Set("a", []byte("1234567890"), 0); err != nil {
		t.Fatalf("overwrite within quota: %v", err)
	}
}

func TestStorePurgeExpired(t *testing.T) {
	s := openTemp(t)
	s.Set("short", []byte("v"), time.Minute)
	s.Set("long", []byte("v"), time.Hour)
	s.Set("forever", []byte("v"), 0)

	n, err := s.PurgeExpired(context.Background(), time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d", n)
	}
	keys, _ := s.Keys("")
	if !reflect.DeepEqual(keys, []string{"forever", "long"}) {
		t.Fatalf("keys = %v", keys)
	}
}

// The message cache runs unchanged on this backend and survives a reopen.
func TestStoreBacksMessageCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portalchat.db")
	ctx := context.Background()
	msg := portalchat.Message{ID: "m1", RoomID: "r1", AuthorID: "u1", Body: "hi", CreatedAt: time.Now().UTC()}

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	portalchat.NewMessageCache(s, nil, "", 0, zerolog.Nop()).AddMessage("r1", msg)
	s.Close()

	s, err = Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, ok := portalchat.NewMessageCache(s, nil, "", 0, zerolog.Nop()).Get("r1")
	if !ok || len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("got %+v, %v", got, ok)
	}
}

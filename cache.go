package portalchat

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultCacheVersion tags entries written by this build. Entries carrying
	// any other tag are treated as absent.
	DefaultCacheVersion = "2"
	DefaultCacheTTL     = 24 * time.Hour

	roomKeyPrefix = "room:"
)

// CacheEntry wraps cached data with its write time, absolute expiry and
// schema version. Times are unix milliseconds.
type CacheEntry[T any] struct {
	Data      T      `json:"data"`
	Timestamp int64  `json:"timestamp"`
	ExpiresAt int64  `json:"expiresAt"`
	Version   string `json:"version"`
}

// Valid reports whether the entry is usable at now by code expecting version.
func (e *CacheEntry[T]) Valid(now time.Time, version string) bool {
	return e.Version == version && now.UnixMilli() < e.ExpiresAt
}

// readEntry loads and validates key. Stale, foreign-version and undecodable
// entries are deleted on the way out.
func readEntry[T any](kv KV, key, version string, now time.Time, log zerolog.Logger) (T, bool) {
	var zero T
	raw, ok, err := kv.Get(key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache read failed")
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var entry CacheEntry[T]
	if err := json.Unmarshal(raw, &entry); err != nil || !entry.Valid(now, version) {
		if err := kv.Delete(key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cache evict failed")
		}
		return zero, false
	}
	return entry.Data, true
}

// writeEntry stores data under key. Failures are logged and swallowed.
func writeEntry[T any](kv KV, key, version string, data T, now time.Time, ttl time.Duration, log zerolog.Logger) bool {
	entry := CacheEntry[T]{
		Data:      data,
		Timestamp: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		Version:   version,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("cache encode failed")
		return false
	}
	if err := kv.Set(key, raw, ttl); err != nil {
		CacheWriteFailures.Inc()
		log.Warn().Err(err).Str("key", key).Int("bytes", len(raw)).Msg("cache write dropped")
		return false
	}
	return true
}

// ============================================================================
// MessageCache
// ============================================================================

// CacheStats summarizes the message cache.
type CacheStats struct {
	Entries int `json:"entries"`
	Bytes   int `json:"bytes"`
}

// MessageCache is the per-room message list cache. It is only ever a hint:
// callers must confirm its contents against the server or realtime stream.
type MessageCache struct {
	mu      sync.Mutex
	kv      KV
	clock   Clock
	version string
	ttl     time.Duration
	log     zerolog.Logger
}

// NewMessageCache creates a cache on kv. Zero values pick the defaults.
func NewMessageCache(kv KV, clock Clock, version string, ttl time.Duration, log zerolog.Logger) *MessageCache {
	if clock == nil {
		clock = SystemClock
	}
	if version == "" {
		version = DefaultCacheVersion
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MessageCache{
		kv:      kv,
		clock:   clock,
		version: version,
		ttl:     ttl,
		log:     log.With().Str("component", "cache").Logger(),
	}
}

func roomKey(roomID string) string { return roomKeyPrefix + roomID }

// Get returns the cached messages for roomID in rendering order.
func (c *MessageCache) Get(roomID string) ([]Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(roomID)
}

func (c *MessageCache) get(roomID string) ([]Message, bool) {
	return readEntry[[]Message](c.kv, roomKey(roomID), c.version, c.clock.Now(), c.log)
}

// Set replaces the cached list for roomID. ttl <= 0 uses the cache default.
func (c *MessageCache) Set(roomID string, msgs []Message, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(roomID, msgs, ttl)
}

func (c *MessageCache) set(roomID string, msgs []Message, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	sorted := append([]Message(nil), msgs...)
	SortMessages(sorted)
	writeEntry(c.kv, roomKey(roomID), c.version, sorted, c.clock.Now(), ttl, c.log)
}

// Mutate runs fn over the current list (nil when absent) and stores the
// result, holding the cache lock across the read and the write so concurrent
// writers never overwrite each other with stale lists.
func (c *MessageCache) Mutate(roomID string, fn func([]Message) []Message) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, _ := c.get(roomID)
	next := fn(cur)
	c.set(roomID, next, 0)
	return next
}

// AddMessage merges msg into the room's list.
func (c *MessageCache) AddMessage(roomID string, msg Message) {
	c.Mutate(roomID, func(cur []Message) []Message {
		return Merge(cur, []Message{msg})
	})
}

// UpdateMessage replaces the entry with msg.ID if it is cached.
func (c *MessageCache) UpdateMessage(roomID string, msg Message) {
	c.Mutate(roomID, func(cur []Message) []Message {
		if !ContainsID(cur, msg.ID) {
			return cur
		}
		return Merge(cur, []Message{msg})
	})
}

// RemoveMessage drops the entry with id.
func (c *MessageCache) RemoveMessage(roomID, id string) {
	c.Mutate(roomID, func(cur []Message) []Message {
		out, _ := ApplyDelete(cur, id)
		return out
	})
}

// Delete drops the room's entry.
func (c *MessageCache) Delete(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.kv.Delete(roomKey(roomID)); err != nil {
		c.log.Warn().Err(err).Str("room", roomID).Msg("cache delete failed")
	}
}

// Clear drops every room entry.
func (c *MessageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, err := c.kv.Keys(roomKeyPrefix)
	if err != nil {
		c.log.Warn().Err(err).Msg("cache clear failed")
		return
	}
	for _, k := range keys {
		if err := c.kv.Delete(k); err != nil {
			c.log.Warn().Err(err).Str("key", k).Msg("cache delete failed")
		}
	}
}

// Stats reports the number of room entries and their approximate size.
func (c *MessageCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var st CacheStats
	keys, err := c.kv.Keys(roomKeyPrefix)
	if err != nil {
		c.log.Warn().Err(err).Msg("cache stats failed")
		return st
	}
	for _, k := range keys {
		raw, ok, err := c.kv.Get(k)
		if err != nil || !ok {
			continue
		}
		st.Entries++
		st.Bytes += len(k) + len(raw)
	}
	return st
}

// Rooms lists the room identifiers that currently have an entry.
func (c *MessageCache) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, err := c.kv.Keys(roomKeyPrefix)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, roomKeyPrefix))
	}
	return out
}

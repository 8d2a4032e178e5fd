package portalchat

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// KV is the byte-level storage the caches sit on. Implementations live in this
// package (MemoryKV) and under kvstore/.
//
// ttl is a hint for backends with native expiry; the caches enforce expiry
// themselves and never rely on it.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// ============================================================================
// MemoryKV
// ============================================================================

// MemoryKV is a goroutine-safe in-memory KV. With a non-zero quota it rejects
// writes that would grow the total stored bytes past it.
type MemoryKV struct {
	mu    sync.RWMutex
	data  map[string][]byte
	used  int
	quota int
}

// NewMemoryKV creates an in-memory KV. quota <= 0 means unlimited.
func NewMemoryKV(quota int) *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte), quota: quota}
}

func (s *MemoryKV) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryKV) Set(key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.used - len(s.data[key]) + len(value)
	if s.quota > 0 && next > s.quota {
		return ErrQuotaExceeded
	}
	s.data[key] = append([]byte(nil), value...)
	s.used = next
	return nil
}

func (s *MemoryKV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= len(s.data[key])
	delete(s.data, key)
	return nil
}

func (s *MemoryKV) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Package cache implements the process-external short-lived state: the
// per-client rate limiter, the idempotency result cache and the OTP store.
// All entries are TTL-bound. The backing store is any key/value service with
// atomic set-with-TTL and increment; Redis in production, an in-memory map
// when Redis is absent.
package cache

import (
	"context"
	"sync"
	"time"
)

// KV is the minimal key/value surface the cache layer needs.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value with a TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// Incr atomically increments a counter, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// TTL returns the remaining lifetime; ok is false when the key is
	// missing or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// MemoryKV is the in-memory fallback used when Redis is unreachable. Entries
// expire lazily on access.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value    string
	counter  int64
	expireAt time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memEntry)}
}

func (m *MemoryKV) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryKV) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.live(key)
	e.counter++
	m.entries[key] = e
	return e.counter, nil
}

func (m *MemoryKV) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.expireAt.IsZero() {
		return 0, false, nil
	}
	return time.Until(e.expireAt), true, nil
}

func (m *MemoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil
	}
	e.expireAt = time.Now().Add(ttl)
	m.entries[key] = e
	return nil
}

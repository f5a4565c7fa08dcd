package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store backed by ttlcache. Reads never extend
// an entry's lifetime.
type MemoryStore struct {
	items *ttlcache.Cache[string, memoryEntry]
	now   func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: ttlcache.New[string, memoryEntry](
			ttlcache.WithDisableTouchOnHit[string, memoryEntry](),
		),
		now: time.Now,
	}
}

// WithClock replaces the time source used to judge expiry. Call it before
// the store is shared; tests use it to move past expiry without sleeping.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	item := m.items.Get(key)
	if item == nil {
		return nil, ErrMiss
	}
	entry := item.Value()
	if !m.now().Before(entry.expiresAt) {
		m.items.Delete(key)
		return nil, ErrMiss
	}

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.items.DeleteExpired()
	m.items.Set(key, memoryEntry{value: stored, expiresAt: m.now().Add(ttl)}, ttl)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.items.Delete(key)
	return nil
}


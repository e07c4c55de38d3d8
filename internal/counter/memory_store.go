package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process counter store for single-instance
// deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry

	// now is swappable in tests.
	now func() time.Time
}

type entry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.now().After(e.expiresAt) {
		return 0, time.Time{}, nil
	}
	return e.count, e.expiresAt, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || now.After(e.expiresAt) {
		m.sweepLocked(now)
		m.entries[key] = &entry{count: 1, expiresAt: now.Add(ttl)}
		return 1, nil
	}
	e.count++
	return e.count, nil
}

// sweepLocked drops expired entries. Called opportunistically on window
// creation so the map doesn't grow without bound; the caller holds mu.
func (m *MemoryStore) sweepLocked(now time.Time) {
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}

var _ Store = (*MemoryStore)(nil)

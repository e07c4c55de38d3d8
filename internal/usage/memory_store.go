package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) Stats(_ context.Context, tenantID, period string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Stats{
		Period:    period,
		ByType:    map[string]int{},
		ByOutcome: map[string]int{},
	}
	for _, e := range m.events {
		if e.TenantID != tenantID || e.BillingPeriod != period {
			continue
		}
		s.Total++
		s.ByType[e.EventType]++
		s.ByOutcome[e.Outcome]++
	}
	return s, nil
}

func (m *MemoryStore) DailySuccesses(_ context.Context, tenantID string, days int) ([]DailyCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	byDay := map[string]int{}
	for _, e := range m.events {
		if e.TenantID != tenantID || e.EventType != TypeTryOn || e.Outcome != OutcomeSuccess {
			continue
		}
		if e.CreatedAt.Before(cutoff) {
			continue
		}
		byDay[e.CreatedAt.UTC().Format("2006-01-02")]++
	}

	out := make([]DailyCount, 0, len(byDay))
	for day, n := range byDay {
		out = append(out, DailyCount{Day: day, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

func (m *MemoryStore) BillableCount(_ context.Context, tenantID, period string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.events {
		if e.TenantID == tenantID && e.BillingPeriod == period &&
			e.EventType == TypeTryOn && e.Outcome == OutcomeSuccess {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) BillableCountsByTenant(_ context.Context, period string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := map[string]int{}
	for _, e := range m.events {
		if e.BillingPeriod == period && e.EventType == TypeTryOn && e.Outcome == OutcomeSuccess {
			counts[e.TenantID]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var pruned int64
	for _, e := range m.events {
		if e.CreatedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return pruned, nil
}

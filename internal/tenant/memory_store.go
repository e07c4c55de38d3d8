package tenant

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by ID
	emails  map[string]string  // email → ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		emails:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(t.Email)
	if _, exists := m.emails[email]; exists {
		return ErrEmailTaken
	}

	cp := clone(t)
	m.tenants[t.ID] = cp
	m.emails[email] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return clone(t), nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return clone(m.tenants[id]), nil
}

func (m *MemoryStore) GetByStripeCustomer(_ context.Context, customerID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tenants {
		if t.StripeCustomerID != "" && t.StripeCustomerID == customerID {
			return clone(t), nil
		}
	}
	return nil, ErrTenantNotFound
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; !ok {
		return ErrTenantNotFound
	}
	m.tenants[t.ID] = clone(t)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ConsumeQuota(_ context.Context, id string, now, nextReset time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	if !now.Before(t.QuotaResetAt) {
		t.UsedQuota = 1
		t.QuotaResetAt = nextReset
	} else {
		t.UsedQuota++
	}
	t.UpdatedAt = now
	return nil
}

func clone(t *Tenant) *Tenant {
	cp := *t
	cp.AllowedDomains = append([]string(nil), t.AllowedDomains...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)

package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*MemoryStore, *Tenant) {
	t.Helper()
	store := NewMemoryStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := &Tenant{
		ID:             "st_1",
		Name:           "Acme Watches",
		Email:          "owner@acme.example.com",
		Domain:         "shop.acme.example.com",
		AllowedDomains: []string{"shop.acme.example.com"},
		PlanID:         PlanFree,
		Status:         StatusActive,
		MonthlyQuota:   100,
		QuotaResetAt:   NextQuotaReset(now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.Create(context.Background(), st))
	return store, st
}

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	got, err := store.Get(ctx, "st_1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Watches", got.Name)
	assert.Equal(t, PlanFree, got.PlanID)

	// Email lookup is case-insensitive.
	got, err = store.GetByEmail(ctx, "Owner@Acme.Example.Com")
	require.NoError(t, err)
	assert.Equal(t, "st_1", got.ID)

	got.Name = "Acme Inc"
	require.NoError(t, store.Update(ctx, got))
	got2, _ := store.Get(ctx, "st_1")
	assert.Equal(t, "Acme Inc", got2.Name)
}

func TestMemoryStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "st_nope")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = store.GetByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	err = store.Update(ctx, &Tenant{ID: "st_nope"})
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestMemoryStore_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	err := store.Create(ctx, &Tenant{ID: "st_2", Email: "OWNER@acme.example.com"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestMemoryStore_GetByStripeCustomer(t *testing.T) {
	ctx := context.Background()
	store, st := newStore(t)

	st.StripeCustomerID = "cus_123"
	require.NoError(t, store.Update(ctx, st))

	got, err := store.GetByStripeCustomer(ctx, "cus_123")
	require.NoError(t, err)
	assert.Equal(t, "st_1", got.ID)

	// An empty customer ID never matches.
	_, err = store.GetByStripeCustomer(ctx, "")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestMemoryStore_ConsumeQuota(t *testing.T) {
	ctx := context.Background()
	store, st := newStore(t)

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.ConsumeQuota(ctx, st.ID, now, NextQuotaReset(now)))
	require.NoError(t, store.ConsumeQuota(ctx, st.ID, now, NextQuotaReset(now)))

	got, _ := store.Get(ctx, st.ID)
	assert.Equal(t, 2, got.UsedQuota)
}

func TestMemoryStore_ConsumeQuotaRollsOver(t *testing.T) {
	ctx := context.Background()
	store, st := newStore(t)

	// Past the reset boundary the counter starts a fresh cycle at 1.
	after := st.QuotaResetAt.Add(time.Hour)
	require.NoError(t, store.ConsumeQuota(ctx, st.ID, after, NextQuotaReset(after)))

	got, _ := store.Get(ctx, st.ID)
	assert.Equal(t, 1, got.UsedQuota)
	assert.Equal(t, NextQuotaReset(after), got.QuotaResetAt)
}

func TestPlanFor_UnknownFallsBackToFree(t *testing.T) {
	assert.Equal(t, PlanFree, PlanFor("premium").ID)
	assert.Equal(t, PlanGrowth, PlanFor(PlanGrowth).ID)
}

func TestValidPlan(t *testing.T) {
	assert.True(t, ValidPlan(PlanFree))
	assert.True(t, ValidPlan(PlanStarter))
	assert.True(t, ValidPlan(PlanGrowth))
	assert.False(t, ValidPlan("premium"))
}

func TestPaidPlans(t *testing.T) {
	plans := PaidPlans()
	require.Len(t, plans, 2)
	assert.Equal(t, PlanStarter, plans[0].ID)
	assert.Equal(t, PlanGrowth, plans[1].ID)
	for _, p := range plans {
		assert.Greater(t, p.OveragePriceCents, 0)
	}
}

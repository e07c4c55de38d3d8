package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tryonplugin/tryon/internal/idgen"
	"github.com/tryonplugin/tryon/internal/testutil"
	"github.com/tryonplugin/tryon/internal/usage"
)

func appendEvent(t *testing.T, store *usage.PostgresStore, tenantID, eventType, outcome string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.Append(context.Background(), &usage.Event{
		ID:            idgen.WithPrefix("evt_"),
		TenantID:      tenantID,
		EventType:     eventType,
		Outcome:       outcome,
		BillingPeriod: usage.Period(createdAt),
		ProcessingMs:  1200,
		CreatedAt:     createdAt,
	}))
}

func TestPostgresStore_StatsAndBillableCount(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := usage.NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	period := usage.Period(now)
	appendEvent(t, store, "st_1", usage.TypeTryOn, usage.OutcomeSuccess, now)
	appendEvent(t, store, "st_1", usage.TypeTryOn, usage.OutcomeSuccess, now)
	appendEvent(t, store, "st_1", usage.TypeTryOn, usage.OutcomeError, now)
	appendEvent(t, store, "st_1", usage.TypeClassify, usage.OutcomeSuccess, now)
	appendEvent(t, store, "st_2", usage.TypeTryOn, usage.OutcomeSuccess, now)

	stats, err := store.Stats(ctx, "st_1", period)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.ByType[usage.TypeTryOn])
	assert.Equal(t, 1, stats.ByType[usage.TypeClassify])
	assert.Equal(t, 3, stats.ByOutcome[usage.OutcomeSuccess])
	assert.Equal(t, 1, stats.ByOutcome[usage.OutcomeError])

	// Only successful try-ons bill; errors and classifications don't.
	n, err := store.BillableCount(ctx, "st_1", period)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	byTenant, err := store.BillableCountsByTenant(ctx, period)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"st_1": 2, "st_2": 1}, byTenant)
}

func TestPostgresStore_DailySuccesses(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := usage.NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)
	appendEvent(t, store, "st_1", usage.TypeTryOn, usage.OutcomeSuccess, now)
	appendEvent(t, store, "st_1", usage.TypeTryOn, usage.OutcomeSuccess, now)
	appendEvent(t, store, "st_1", usage.TypeTryOn, usage.OutcomeSuccess, yesterday)
	appendEvent(t, store, "st_1", usage.TypeTryOn, usage.OutcomeError, now)

	days, err := store.DailySuccesses(ctx, "st_1", 7)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, yesterday.Format("2006-01-02"), days[0].Day)
	assert.Equal(t, 1, days[0].Count)
	assert.Equal(t, now.Format("2006-01-02"), days[1].Day)
	assert.Equal(t, 2, days[1].Count)
}

func TestPostgresStore_Prune(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := usage.NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	appendEvent(t, store, "st_1", usage.TypeTryOn, usage.OutcomeSuccess, now.AddDate(0, 0, -100))
	appendEvent(t, store, "st_1", usage.TypeTryOn, usage.OutcomeSuccess, now.AddDate(0, 0, -95))
	appendEvent(t, store, "st_1", usage.TypeTryOn, usage.OutcomeSuccess, now)

	deleted, err := store.Prune(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = store.Prune(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

package usage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendEvent(t *testing.T, store Store, tenantID, eventType, outcome, period string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.Append(context.Background(), &Event{
		ID:            "evt_" + tenantID + "_" + createdAt.Format("150405.000000000"),
		TenantID:      tenantID,
		EventType:     eventType,
		Outcome:       outcome,
		BillingPeriod: period,
		ProcessingMs:  1200,
		CreatedAt:     createdAt,
	}))
}

func TestStats_AggregatesByTypeAndOutcome(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-08", now)
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-08", now)
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeError, "2026-08", now)
	appendEvent(t, store, "st_1", TypeClassify, OutcomeSuccess, "2026-08", now)
	// Different tenant and period stay out.
	appendEvent(t, store, "st_2", TypeTryOn, OutcomeSuccess, "2026-08", now)
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-07", now.AddDate(0, -1, 0))

	stats, err := store.Stats(context.Background(), "st_1", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.ByType[TypeTryOn])
	assert.Equal(t, 1, stats.ByType[TypeClassify])
	assert.Equal(t, 3, stats.ByOutcome[OutcomeSuccess])
	assert.Equal(t, 1, stats.ByOutcome[OutcomeError])
}

func TestBillableCount_OnlySuccessfulTryOns(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-08", now)
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeError, "2026-08", now)
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeRateLimited, "2026-08", now)
	appendEvent(t, store, "st_1", TypeClassify, OutcomeSuccess, "2026-08", now)

	n, err := store.BillableCount(context.Background(), "st_1", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBillableCountsByTenant(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-08", now)
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-08", now)
	appendEvent(t, store, "st_2", TypeTryOn, OutcomeSuccess, "2026-08", now)
	appendEvent(t, store, "st_2", TypeTryOn, OutcomeError, "2026-08", now)
	appendEvent(t, store, "st_3", TypeTryOn, OutcomeSuccess, "2026-07", now)

	counts, err := store.BillableCountsByTenant(context.Background(), "2026-08")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"st_1": 2, "st_2": 1}, counts)
}

func TestDailySuccesses(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)

	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-08", now)
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-08", now)
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-08", yesterday)
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeError, "2026-08", now)
	// Outside the window.
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-07", now.AddDate(0, 0, -45))

	daily, err := store.DailySuccesses(context.Background(), "st_1", 30)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, yesterday.Format("2006-01-02"), daily[0].Day)
	assert.Equal(t, 1, daily[0].Count)
	assert.Equal(t, now.Format("2006-01-02"), daily[1].Day)
	assert.Equal(t, 2, daily[1].Count)
}

func TestPrune_DeletesOldEvents(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-05", now.AddDate(0, 0, -100))
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-06", now.AddDate(0, 0, -95))
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-08", now)

	n, err := store.Prune(context.Background(), now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err := store.Stats(context.Background(), "st_1", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestPruner_RunOnce(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-05", now.AddDate(0, 0, -120))
	appendEvent(t, store, "st_1", TypeTryOn, OutcomeSuccess, "2026-08", now)

	pruner := NewPruner(store, 90, slog.Default())
	n, err := pruner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

type captureSink struct {
	ch chan *Event
}

func (s *captureSink) Publish(e *Event) { s.ch <- e }

func TestRecorder_WritesAsync(t *testing.T) {
	store := NewMemoryStore()
	sink := &captureSink{ch: make(chan *Event, 1)}
	rec := NewRecorder(store, sink)

	rec.Record(context.Background(), "st_1", TypeTryOn, OutcomeSuccess, 3400, "")

	select {
	case e := <-sink.ch:
		assert.Equal(t, "st_1", e.TenantID)
		assert.Equal(t, TypeTryOn, e.EventType)
		assert.Equal(t, OutcomeSuccess, e.Outcome)
		assert.NotEmpty(t, e.ID)
		assert.NotEmpty(t, e.BillingPeriod)
	case <-time.After(time.Second):
		t.Fatal("event was never recorded")
	}

	n, err := store.BillableCount(context.Background(), "st_1", time.Now().UTC().Format("2006-01"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecorder_SwallowsStoreErrors(t *testing.T) {
	rec := NewRecorder(failStore{}, nil)

	// Must not panic or block.
	rec.Record(context.Background(), "st_1", TypeTryOn, OutcomeError, 0, "TIMEOUT")
	time.Sleep(20 * time.Millisecond)
}

type failStore struct{}

func (failStore) Append(context.Context, *Event) error { return assert.AnError }
func (failStore) Stats(context.Context, string, string) (*Stats, error) {
	return nil, assert.AnError
}
func (failStore) DailySuccesses(context.Context, string, int) ([]DailyCount, error) {
	return nil, assert.AnError
}
func (failStore) BillableCount(context.Context, string, string) (int, error) {
	return 0, assert.AnError
}
func (failStore) BillableCountsByTenant(context.Context, string) (map[string]int, error) {
	return nil, assert.AnError
}
func (failStore) Prune(context.Context, time.Time) (int64, error) { return 0, assert.AnError }

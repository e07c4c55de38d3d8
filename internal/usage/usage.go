// Package usage records what every try-on request did: the billing
// ledger and the dashboard charts are both built from these events.
//
// Events are append-only. Recording is fire-and-forget from the request
// path: a lost event costs a line on a chart, not a failed try-on.
package usage

import (
	"context"
	"time"

	"github.com/tryonplugin/tryon/internal/idgen"
	"github.com/tryonplugin/tryon/internal/logging"
)

// Period formats a time as the "YYYY-MM" billing period events are
// attributed to.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Event types.
const (
	TypeClassify = "classify"
	TypeTryOn    = "tryon"
)

// Event outcomes.
const (
	OutcomeSuccess       = "success"
	OutcomeError         = "error"
	OutcomeQuotaExceeded = "quota_exceeded"
	OutcomeRateLimited   = "rate_limited"
)

// Event is one recorded pipeline action.
type Event struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	EventType     string    `json:"eventType"`
	Outcome       string    `json:"outcome"`
	BillingPeriod string    `json:"billingPeriod"`
	ProcessingMs  int64     `json:"processingMs"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	Metadata      string    `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Stats aggregates a tenant's events for one billing period.
type Stats struct {
	Period    string         `json:"period"`
	Total     int            `json:"total"`
	ByType    map[string]int `json:"byType"`
	ByOutcome map[string]int `json:"byOutcome"`
}

// DailyCount is one day's successful try-on count, for charting.
type DailyCount struct {
	Day   string `json:"day"` // "2006-01-02", UTC
	Count int    `json:"count"`
}

// Store persists and queries usage events.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Stats(ctx context.Context, tenantID, period string) (*Stats, error)
	DailySuccesses(ctx context.Context, tenantID string, days int) ([]DailyCount, error)
	// BillableCount returns the tenant's successful try-ons in the period.
	BillableCount(ctx context.Context, tenantID, period string) (int, error)
	// BillableCountsByTenant returns successful try-on counts for every
	// tenant with events in the period. Feeds the overage report.
	BillableCountsByTenant(ctx context.Context, period string) (map[string]int, error)
	// Prune deletes events created before the cutoff, returning how many.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Sink receives events as they are recorded, for live feeds.
type Sink interface {
	Publish(e *Event)
}

// Recorder writes events off the request path.
type Recorder struct {
	store Store
	sink  Sink

	// now is swappable in tests.
	now func() time.Time
}

// NewRecorder creates a recorder over the given store. sink may be nil.
func NewRecorder(store Store, sink Sink) *Recorder {
	return &Recorder{store: store, sink: sink, now: time.Now}
}

// Record logs one event asynchronously. Append errors are logged and
// swallowed; the caller's response never waits on or fails with the
// usage write.
func (r *Recorder) Record(ctx context.Context, tenantID, eventType, outcome string, processingMs int64, errorCode string) {
	now := r.now().UTC()
	e := &Event{
		ID:            idgen.WithPrefix("evt_"),
		TenantID:      tenantID,
		EventType:     eventType,
		Outcome:       outcome,
		BillingPeriod: Period(now),
		ProcessingMs:  processingMs,
		ErrorCode:     errorCode,
		CreatedAt:     now,
	}

	// Detach from the request context: the write should survive the
	// response being sent.
	log := logging.L(ctx)
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.Append(wctx, e); err != nil {
			log.Error("usage event dropped", "event_type", eventType, "outcome", outcome, "error", err)
			return
		}
		if r.sink != nil {
			r.sink.Publish(e)
		}
	}()
}

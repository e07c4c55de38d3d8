package usage

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, event_type, outcome, billing_period, processing_ms, error_code, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE(NULLIF($8, '')::JSONB, '{}'), $9)
	`, e.ID, e.TenantID, e.EventType, e.Outcome, e.BillingPeriod, e.ProcessingMs, e.ErrorCode, e.Metadata, e.CreatedAt)
	return err
}

func (s *PostgresStore) Stats(ctx context.Context, tenantID, period string) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, outcome, COUNT(*)
		FROM usage_events
		WHERE tenant_id = $1 AND billing_period = $2
		GROUP BY event_type, outcome
	`, tenantID, period)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{
		Period:    period,
		ByType:    map[string]int{},
		ByOutcome: map[string]int{},
	}
	for rows.Next() {
		var eventType, outcome string
		var n int
		if err := rows.Scan(&eventType, &outcome, &n); err != nil {
			return nil, err
		}
		stats.Total += n
		stats.ByType[eventType] += n
		stats.ByOutcome[outcome] += n
	}
	return stats, rows.Err()
}

func (s *PostgresStore) DailySuccesses(ctx context.Context, tenantID string, days int) ([]DailyCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT TO_CHAR(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM usage_events
		WHERE tenant_id = $1
		  AND event_type = 'tryon' AND outcome = 'success'
		  AND created_at >= NOW() - ($2 || ' days')::INTERVAL
		GROUP BY day
		ORDER BY day ASC
	`, tenantID, days)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DailyCount
	for rows.Next() {
		var d DailyCount
		if err := rows.Scan(&d.Day, &d.Count); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BillableCount(ctx context.Context, tenantID, period string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM usage_events
		WHERE tenant_id = $1 AND billing_period = $2
		  AND event_type = 'tryon' AND outcome = 'success'
	`, tenantID, period).Scan(&n)
	return n, err
}

func (s *PostgresStore) BillableCountsByTenant(ctx context.Context, period string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, COUNT(*)
		FROM usage_events
		WHERE billing_period = $1
		  AND event_type = 'tryon' AND outcome = 'success'
		GROUP BY tenant_id
	`, period)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var tenantID string
		var n int
		if err := rows.Scan(&tenantID, &n); err != nil {
			return nil, err
		}
		counts[tenantID] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_events WHERE created_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

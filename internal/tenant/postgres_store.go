package tenant

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, name, email, domain, allowed_domains, plan, status,
	monthly_quota, used_quota, quota_reset_at,
	stripe_customer_id, stripe_subscription_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.Name, t.Email, t.Domain, pq.Array(t.AllowedDomains),
		t.PlanID, string(t.Status),
		t.MonthlyQuota, t.UsedQuota, t.QuotaResetAt,
		nullable(t.StripeCustomerID), nullable(t.StripeSubscriptionID),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE email = LOWER($1)`, email))
}

func (p *PostgresStore) GetByStripeCustomer(ctx context.Context, customerID string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE stripe_customer_id = $1`, customerID))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, domain = $2, allowed_domains = $3,
			plan = $4, status = $5, monthly_quota = $6, used_quota = $7,
			quota_reset_at = $8, stripe_customer_id = $9,
			stripe_subscription_id = $10, updated_at = $11
		WHERE id = $12`,
		t.Name, t.Domain, pq.Array(t.AllowedDomains),
		t.PlanID, string(t.Status), t.MonthlyQuota, t.UsedQuota,
		t.QuotaResetAt, nullable(t.StripeCustomerID),
		nullable(t.StripeSubscriptionID), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Tenant
	for rows.Next() {
		t, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ConsumeQuota does the increment-or-rollover in one statement so two
// concurrent try-ons can't both observe the pre-reset counter and lose
// an increment.
func (p *PostgresStore) ConsumeQuota(ctx context.Context, id string, now, nextReset time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET
			used_quota = CASE WHEN $2 >= quota_reset_at THEN 1 ELSE used_quota + 1 END,
			quota_reset_at = CASE WHEN $2 >= quota_reset_at THEN $3 ELSE quota_reset_at END,
			updated_at = $2
		WHERE id = $1`,
		id, now, nextReset,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanTenant(row *sql.Row) (*Tenant, error) {
	t, err := scan(row)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	return t, err
}

func scan(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		status         string
		domains        pq.StringArray
		stripeCustomer sql.NullString
		stripeSub      sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &t.Email, &t.Domain, &domains,
		&t.PlanID, &status, &t.MonthlyQuota, &t.UsedQuota, &t.QuotaResetAt,
		&stripeCustomer, &stripeSub, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.AllowedDomains = []string(domains)
	if stripeCustomer.Valid {
		t.StripeCustomerID = stripeCustomer.String
	}
	if stripeSub.Valid {
		t.StripeSubscriptionID = stripeSub.String
	}
	return t, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)

package tenant

import (
	"context"
	"time"
)

// Store persists tenant data.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByEmail(ctx context.Context, email string) (*Tenant, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	List(ctx context.Context) ([]*Tenant, error)

	// ConsumeQuota records one successful try-on against the tenant's
	// monthly quota in a single atomic operation. If now has passed the
	// tenant's QuotaResetAt, the counter rolls over: used becomes 1 and
	// the reset advances to nextReset. Otherwise used increments by one.
	ConsumeQuota(ctx context.Context, id string, now, nextReset time.Time) error
}

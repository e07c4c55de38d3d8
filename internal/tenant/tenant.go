// Package tenant provides the merchant directory: the stores that embed
// the try-on widget, their plans, and their quota counters.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrEmailTaken     = errors.New("tenant: email already registered")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Tenant represents a store using the try-on widget.
//
// UsedQuota counts successful try-ons in the current billing cycle and
// resets when QuotaResetAt passes. Tenants are never hard-deleted; a
// closed account moves to StatusCancelled so usage history stays
// attributable.
type Tenant struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Email                string    `json:"email"`
	Domain               string    `json:"domain"`
	AllowedDomains       []string  `json:"allowedDomains"`
	PlanID               string    `json:"plan"`
	Status               Status    `json:"status"`
	MonthlyQuota         int       `json:"monthlyQuota"`
	UsedQuota            int       `json:"usedQuota"`
	QuotaResetAt         time.Time `json:"quotaResetAt"`
	StripeCustomerID     string    `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string    `json:"stripeSubscriptionId,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// NextQuotaReset returns the first instant of the month after now, in UTC.
func NextQuotaReset(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// Package quota enforces monthly generation quotas.
//
// Free-tier tenants hit a hard stop at their included quota; paid plans
// keep generating and the extra requests become metered overage on the
// next invoice. Unlike the rate limiter, quota never fails open: if we
// can't read the tenant's usage we refuse the request, because every
// admitted generation costs real money upstream.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/auth"
	"github.com/tryonplugin/tryon/internal/logging"
	"github.com/tryonplugin/tryon/internal/metrics"
	"github.com/tryonplugin/tryon/internal/tenant"
)

// ExhaustedError reports a free-tier tenant that has used its monthly
// allowance.
type ExhaustedError struct {
	Used    int
	Limit   int
	ResetAt time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("quota: monthly limit reached (%d/%d), resets %s",
		e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// UsageRecorder logs rejection events. Satisfied by usage.Recorder.
type UsageRecorder interface {
	Record(ctx context.Context, tenantID, eventType, outcome string, processingMs int64, errorCode string)
}

// Manager checks and consumes tenant quotas.
type Manager struct {
	tenants tenant.Store
	rec     UsageRecorder

	// now is swappable in tests.
	now func() time.Time
}

// NewManager creates a quota manager over the tenant store. rec may be
// nil.
func NewManager(tenants tenant.Store, rec UsageRecorder) *Manager {
	return &Manager{tenants: tenants, rec: rec, now: time.Now}
}

// Check reports whether the tenant may run another generation. Paid
// plans always pass; their usage past the included quota is billed as
// overage. Free-tier tenants get an ExhaustedError once the month's
// allowance is spent, unless the reset time has already passed.
func (m *Manager) Check(t *tenant.Tenant) error {
	plan := tenant.PlanFor(t.PlanID)
	if plan.OveragePriceCents > 0 {
		return nil
	}

	now := m.now().UTC()
	used := t.UsedQuota
	resetAt := t.QuotaResetAt
	if !now.Before(resetAt) {
		// A new billing month started since the last consume; the
		// counter rolls over on the next write.
		used = 0
		resetAt = tenant.NextQuotaReset(now)
	}
	if used >= t.MonthlyQuota {
		return &ExhaustedError{Used: used, Limit: t.MonthlyQuota, ResetAt: resetAt}
	}
	return nil
}

// Consume records one successful generation against the tenant's
// monthly counter. Call only after the generation succeeded.
func (m *Manager) Consume(ctx context.Context, tenantID string) error {
	now := m.now().UTC()
	return m.tenants.ConsumeQuota(ctx, tenantID, now, tenant.NextQuotaReset(now))
}

// Middleware rejects free-tier tenants that are out of quota. Must run
// after auth.Middleware. Consumption happens separately, after the
// generation succeeds, so failed generations never burn quota.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ident := auth.MustIdentity(c)

		if err := m.Check(ident.Tenant); err != nil {
			exhausted, ok := err.(*ExhaustedError)
			if !ok {
				logging.L(c.Request.Context()).Error("quota check failed", "error", err)
				apierr.Write(c, apierr.From(err))
				return
			}
			metrics.AdmissionRejections.WithLabelValues("quota").Inc()
			if m.rec != nil {
				m.rec.Record(c.Request.Context(), ident.Tenant.ID, "tryon", "quota_exceeded", 0, string(apierr.CodeQuotaExceeded))
			}
			setQuotaHeaders(c, exhausted)
			apierr.Write(c, apierr.PaymentRequired(apierr.CodeQuotaExceeded,
				fmt.Sprintf("Monthly quota exhausted (%d/%d). Upgrade your plan or wait until %s.",
					exhausted.Used, exhausted.Limit, exhausted.ResetAt.Format("Jan 2"))))
			return
		}

		c.Next()
	}
}

// setQuotaHeaders exposes the exhausted allowance numerically so the
// widget can render the limit and reset time without parsing prose.
func setQuotaHeaders(c *gin.Context, e *ExhaustedError) {
	remaining := e.Limit - e.Used
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-Quota-Limit", strconv.Itoa(e.Limit))
	c.Header("X-Quota-Remaining", strconv.Itoa(remaining))
	c.Header("X-Quota-Reset", strconv.FormatInt(e.ResetAt.Unix(), 10))
}

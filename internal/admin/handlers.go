package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/billing"
	"github.com/tryonplugin/tryon/internal/logging"
	"github.com/tryonplugin/tryon/internal/pagination"
	"github.com/tryonplugin/tryon/internal/tenant"
	"github.com/tryonplugin/tryon/internal/usage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Pruner runs one usage-retention sweep. Satisfied by *usage.Pruner.
type Pruner interface {
	RunOnce(ctx context.Context) (int64, error)
}

// OverageReporter pushes one period's overage to the billing provider.
// Satisfied by *billing.Service.
type OverageReporter interface {
	ReportOverage(ctx context.Context, period string) (*billing.OverageReport, error)
}

// Handler provides the admin endpoints.
type Handler struct {
	tenants  tenant.Store
	pruner   Pruner
	reporter OverageReporter
}

// NewHandler creates an admin handler. pruner and reporter may be nil
// when the corresponding subsystem is not wired; their endpoints then
// report unavailability.
func NewHandler(tenants tenant.Store, pruner Pruner, reporter OverageReporter) *Handler {
	return &Handler{tenants: tenants, pruner: pruner, reporter: reporter}
}

// RegisterRoutes sets up admin routes. The caller attaches Middleware.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/admin/stores", h.ListStores)
	r.GET("/admin/stores/:id", h.GetStore)
	r.POST("/admin/stores/:id/suspend", h.SuspendStore)
	r.POST("/admin/stores/:id/reactivate", h.ReactivateStore)
	r.POST("/admin/usage/prune", h.PruneUsage)
	r.POST("/admin/billing/overage-report", h.OverageReport)
}

// ListStores handles GET /v1/admin/stores. Results are ordered by
// creation time and paged with an opaque cursor.
func (h *Handler) ListStores(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, "invalid cursor"))
		return
	}

	all, err := h.tenants.List(c.Request.Context())
	if err != nil {
		apierr.Write(c, err)
		return
	}

	// Stores number in the thousands at most, so the cursor is applied
	// in memory rather than pushing keyset SQL into both stores.
	if cursor != nil {
		idx := len(all)
		for i, t := range all {
			if t.CreatedAt.After(cursor.CreatedAt) ||
				(t.CreatedAt.Equal(cursor.CreatedAt) && t.ID > cursor.ID) {
				idx = i
				break
			}
		}
		all = all[idx:]
	}
	if len(all) > limit+1 {
		all = all[:limit+1]
	}

	page, next, hasMore := pagination.ComputePage(all, limit, func(t *tenant.Tenant) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"stores":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// GetStore handles GET /v1/admin/stores/:id.
func (h *Handler) GetStore(c *gin.Context) {
	t, err := h.tenants.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			apierr.Write(c, apierr.New(http.StatusNotFound, apierr.CodeNotFound, "store not found", false))
			return
		}
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// SuspendStore handles POST /v1/admin/stores/:id/suspend. A suspended
// store fails authentication on generation endpoints but keeps billing
// access.
func (h *Handler) SuspendStore(c *gin.Context) {
	h.setStatus(c, tenant.StatusSuspended)
}

// ReactivateStore handles POST /v1/admin/stores/:id/reactivate.
func (h *Handler) ReactivateStore(c *gin.Context) {
	h.setStatus(c, tenant.StatusActive)
}

func (h *Handler) setStatus(c *gin.Context, status tenant.Status) {
	ctx := c.Request.Context()
	t, err := h.tenants.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			apierr.Write(c, apierr.New(http.StatusNotFound, apierr.CodeNotFound, "store not found", false))
			return
		}
		apierr.Write(c, err)
		return
	}

	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	if err := h.tenants.Update(ctx, t); err != nil {
		apierr.Write(c, err)
		return
	}

	logging.L(ctx).Info("store status changed", "tenant_id", t.ID, "status", status)
	c.JSON(http.StatusOK, gin.H{"id": t.ID, "status": t.Status})
}

// PruneUsage handles POST /v1/admin/usage/prune: one retention sweep,
// outside the pruner's own daily schedule.
func (h *Handler) PruneUsage(c *gin.Context) {
	if h.pruner == nil {
		apierr.Write(c, apierr.New(http.StatusServiceUnavailable, apierr.CodeInternal, "Usage pruning is not configured", false))
		return
	}

	deleted, err := h.pruner.RunOnce(c.Request.Context())
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// OverageReport handles POST /v1/admin/billing/overage-report. The
// period defaults to the previous month, the one that just closed.
func (h *Handler) OverageReport(c *gin.Context) {
	if h.reporter == nil {
		apierr.Write(c, apierr.New(http.StatusServiceUnavailable, apierr.CodeInternal, "Billing is not configured", false))
		return
	}

	var req struct {
		Period string `json:"period"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Period == "" {
		// AddDate on the month boundary avoids day-31 normalisation
		// surprises.
		now := time.Now().UTC()
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		req.Period = usage.Period(first.AddDate(0, 0, -1))
	}
	if _, err := time.Parse("2006-01", req.Period); err != nil {
		apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, "period must look like 2026-08"))
		return
	}

	report, err := h.reporter.ReportOverage(c.Request.Context(), req.Period)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

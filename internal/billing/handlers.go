package billing

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/auth"
	"github.com/tryonplugin/tryon/internal/logging"
	"github.com/tryonplugin/tryon/internal/tenant"
)

// maxWebhookBody bounds the Stripe webhook payload.
const maxWebhookBody = 64 << 10

// Handler provides billing HTTP endpoints.
type Handler struct {
	svc          *Service
	dashboardURL string
}

// NewHandler creates a billing handler. dashboardURL is the default
// redirect target when checkout/portal requests omit their own.
func NewHandler(svc *Service, dashboardURL string) *Handler {
	return &Handler{svc: svc, dashboardURL: dashboardURL}
}

// RegisterPublicRoutes sets up routes that need no API key.
func (h *Handler) RegisterPublicRoutes(r gin.IRoutes) {
	r.GET("/billing/plans", h.Plans)
}

// RegisterRoutes sets up authenticated billing routes. The caller
// attaches auth.MiddlewareAllowInactive so suspended stores can still
// reach the portal.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/billing/checkout", h.Checkout)
	r.POST("/billing/portal", h.Portal)
	r.GET("/billing/usage", h.Usage)
}

// RegisterWebhookRoutes sets up the Stripe webhook endpoint. It is
// authenticated by signature, not API key.
func (h *Handler) RegisterWebhookRoutes(r gin.IRoutes) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// Plans handles GET /v1/billing/plans.
func (h *Handler) Plans(c *gin.Context) {
	plans := []tenant.Plan{
		tenant.Plans[tenant.PlanFree],
		tenant.Plans[tenant.PlanStarter],
		tenant.Plans[tenant.PlanGrowth],
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// Checkout handles POST /v1/billing/checkout.
func (h *Handler) Checkout(c *gin.Context) {
	t := auth.MustIdentity(c).Tenant

	var req struct {
		PlanID     string `json:"planId"`
		SuccessURL string `json:"successUrl"`
		CancelURL  string `json:"cancelUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, "Request body must include planId"))
		return
	}
	if req.SuccessURL == "" {
		req.SuccessURL = h.dashboardURL + "/billing?checkout=success"
	}
	if req.CancelURL == "" {
		req.CancelURL = h.dashboardURL + "/billing?checkout=cancelled"
	}

	url, err := h.svc.Checkout(c.Request.Context(), t, req.PlanID, req.SuccessURL, req.CancelURL)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Portal handles POST /v1/billing/portal.
func (h *Handler) Portal(c *gin.Context) {
	t := auth.MustIdentity(c).Tenant

	var req struct {
		ReturnURL string `json:"returnUrl"`
	}
	// Body is optional.
	_ = c.ShouldBindJSON(&req)
	if req.ReturnURL == "" {
		req.ReturnURL = h.dashboardURL + "/billing"
	}

	url, err := h.svc.Portal(c.Request.Context(), t, req.ReturnURL)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// Usage handles GET /v1/billing/usage: the quota position and the
// estimated overage charge for the current period.
func (h *Handler) Usage(c *gin.Context) {
	t := auth.MustIdentity(c).Tenant
	plan := tenant.PlanFor(t.PlanID)

	overage := max(0, t.UsedQuota-plan.MonthlyQuota)

	c.JSON(http.StatusOK, gin.H{
		"plan":        plan.ID,
		"planName":    plan.Name,
		"status":      t.Status,
		"periodStart": t.QuotaResetAt.AddDate(0, -1, 0),
		"periodEnd":   t.QuotaResetAt,
		"quota": gin.H{
			"limit":     plan.MonthlyQuota,
			"used":      t.UsedQuota,
			"remaining": max(0, plan.MonthlyQuota-t.UsedQuota),
		},
		"overage": gin.H{
			"count":              overage,
			"pricePerUnitCents":  plan.OveragePriceCents,
			"estimatedCostCents": overage * plan.OveragePriceCents,
		},
	})
}

// StripeWebhook handles POST /v1/webhooks/stripe. The raw body is
// required for signature verification, so this route must not sit
// behind any body-parsing middleware.
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.svc.gateway == nil {
		apierr.Write(c, notConfigured())
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, "Unreadable webhook body"))
		return
	}

	event, err := h.svc.gateway.VerifyEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logging.L(c.Request.Context()).Warn("webhook signature verification failed", "error", err)
		apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, "Invalid webhook signature"))
		return
	}

	start := time.Now()
	if err := h.svc.HandleEvent(c.Request.Context(), event); err != nil {
		logging.L(c.Request.Context()).Error("webhook handler failed",
			"type", event.Type, "event_id", event.ID, "error", err)
		// 500 makes Stripe retry with backoff.
		apierr.Write(c, apierr.Internal())
		return
	}
	logging.L(c.Request.Context()).Debug("webhook handled",
		"type", event.Type, "event_id", event.ID, "duration_ms", time.Since(start).Milliseconds())

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Package dashboard provides the merchant-facing management API: store
// signup, profile, API keys, usage charts, and the widget embed code.
package dashboard

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/auth"
	"github.com/tryonplugin/tryon/internal/idgen"
	"github.com/tryonplugin/tryon/internal/logging"
	"github.com/tryonplugin/tryon/internal/metrics"
	"github.com/tryonplugin/tryon/internal/tenant"
	"github.com/tryonplugin/tryon/internal/usage"
	"github.com/tryonplugin/tryon/internal/validation"
)

// Handler provides store management endpoints.
type Handler struct {
	tenants   tenant.Store
	authMgr   *auth.Manager
	events    usage.Store
	widgetURL string
}

// NewHandler creates a new dashboard handler. widgetURL is the hosted
// widget script the embed snippet points at.
func NewHandler(tenants tenant.Store, authMgr *auth.Manager, events usage.Store, widgetURL string) *Handler {
	return &Handler{tenants: tenants, authMgr: authMgr, events: events, widgetURL: widgetURL}
}

// RegisterPublicRoutes sets up routes that need no API key.
func (h *Handler) RegisterPublicRoutes(r gin.IRoutes) {
	r.POST("/stores", h.Signup)
}

// RegisterRoutes sets up authenticated store routes. The caller attaches
// auth.Middleware to the group.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/stores/me", h.GetStore)
	r.PATCH("/stores/me", h.UpdateStore)
	r.GET("/stores/me/usage", h.Usage)
	r.GET("/stores/me/embed-code", h.EmbedCode)
}

// Signup handles POST /v1/stores. Creates a free-tier store with one
// default API key. The raw key appears in this response and nowhere
// else afterwards.
func (h *Handler) Signup(c *gin.Context) {
	var req struct {
		Name   string `json:"name"`
		Email  string `json:"email"`
		Domain string `json:"domain"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, "Request body must be JSON with name, email, and domain"))
		return
	}

	req.Domain = validation.NormalizeDomain(req.Domain)
	if verrs := validation.Validate(
		validation.Required("name", req.Name),
		validation.Required("email", req.Email),
		validation.Required("domain", req.Domain),
		validation.ValidEmail("email", req.Email),
		validation.ValidDomain("domain", req.Domain),
		validation.MaxLength("name", req.Name, 200),
	); len(verrs) > 0 {
		apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, verrs.Error()))
		return
	}

	ctx := c.Request.Context()
	if _, err := h.tenants.GetByEmail(ctx, req.Email); err == nil {
		apierr.Write(c, apierr.Conflict(apierr.CodeEmailExists, "A store with this email already exists"))
		return
	} else if !errors.Is(err, tenant.ErrTenantNotFound) {
		apierr.Write(c, err)
		return
	}

	now := time.Now().UTC()
	plan := tenant.Plans[tenant.PlanFree]
	t := &tenant.Tenant{
		ID:             idgen.WithPrefix("st_"),
		Name:           validation.SanitizeString(req.Name, 200),
		Email:          req.Email,
		Domain:         req.Domain,
		AllowedDomains: []string{req.Domain},
		PlanID:         plan.ID,
		Status:         tenant.StatusActive,
		MonthlyQuota:   plan.MonthlyQuota,
		QuotaResetAt:   tenant.NextQuotaReset(now),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.tenants.Create(ctx, t); err != nil {
		if errors.Is(err, tenant.ErrEmailTaken) {
			apierr.Write(c, apierr.Conflict(apierr.CodeEmailExists, "A store with this email already exists"))
			return
		}
		apierr.Write(c, err)
		return
	}

	rawKey, key, err := h.authMgr.GenerateKey(ctx, t.ID, "Default")
	if err != nil {
		// The store exists but has no key; the dashboard can mint one.
		logging.L(ctx).Error("signup key generation failed", "tenant_id", t.ID, "error", err)
		c.JSON(http.StatusCreated, gin.H{
			"store":   storeView(t),
			"warning": "Store created but API key generation failed. Create a key from the dashboard.",
		})
		return
	}

	metrics.SignupsTotal.Inc()
	logging.L(ctx).Info("store signed up", "tenant_id", t.ID, "domain", t.Domain)

	c.JSON(http.StatusCreated, gin.H{
		"store": storeView(t),
		"apiKey": gin.H{
			"id":        key.ID,
			"key":       rawKey, // full key, shown only here
			"keyPrefix": key.Prefix,
			"name":      key.Name,
		},
		"embedCode": h.embedSnippet(rawKey),
		"warning":   "Store this API key securely. It will not be shown again.",
	})
}

// GetStore handles GET /v1/stores/me.
func (h *Handler) GetStore(c *gin.Context) {
	t := auth.MustIdentity(c).Tenant
	c.JSON(http.StatusOK, storeView(t))
}

// UpdateStore handles PATCH /v1/stores/me. Plan, quota, and status are
// not settable here; those change through billing.
func (h *Handler) UpdateStore(c *gin.Context) {
	t := auth.MustIdentity(c).Tenant

	var req struct {
		Name           *string   `json:"name"`
		Domain         *string   `json:"domain"`
		AllowedDomains *[]string `json:"allowedDomains"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, "Invalid request body"))
		return
	}

	if req.Name != nil {
		name := validation.SanitizeString(*req.Name, 200)
		if name == "" {
			apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, "name must not be empty"))
			return
		}
		t.Name = name
	}
	if req.Domain != nil {
		d := validation.NormalizeDomain(*req.Domain)
		if !validation.IsValidDomain(d) {
			apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, "domain must be a valid hostname"))
			return
		}
		t.Domain = d
	}
	if req.AllowedDomains != nil {
		normalized := make([]string, 0, len(*req.AllowedDomains))
		for _, d := range *req.AllowedDomains {
			d = validation.NormalizeDomain(d)
			if !validation.IsValidDomain(d) {
				apierr.Write(c, apierr.BadRequest(apierr.CodeInvalidRequest, fmt.Sprintf("invalid domain: %s", d)))
				return
			}
			normalized = append(normalized, d)
		}
		t.AllowedDomains = normalized
	}
	t.UpdatedAt = time.Now().UTC()

	if err := h.tenants.Update(c.Request.Context(), t); err != nil {
		apierr.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, storeView(t))
}

// Usage handles GET /v1/stores/me/usage: the current period's summary
// plus a 30-day daily success series for charting.
func (h *Handler) Usage(c *gin.Context) {
	t := auth.MustIdentity(c).Tenant
	ctx := c.Request.Context()

	summary, err := h.events.Stats(ctx, t.ID, usage.Period(time.Now()))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	daily, err := h.events.DailySuccesses(ctx, t.ID, 30)
	if err != nil {
		apierr.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"summary": summary,
		"daily":   daily,
		"quota": gin.H{
			"used":    t.UsedQuota,
			"limit":   t.MonthlyQuota,
			"resetAt": t.QuotaResetAt,
		},
	})
}

// EmbedCode handles GET /v1/stores/me/embed-code. The snippet carries
// the first active key's prefix as a placeholder; the raw key was only
// ever shown at creation time.
func (h *Handler) EmbedCode(c *gin.Context) {
	t := auth.MustIdentity(c).Tenant

	keys, err := h.authMgr.ListKeys(c.Request.Context(), t.ID)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	placeholder := "YOUR_API_KEY"
	for _, k := range keys {
		if k.Active {
			placeholder = k.Prefix + "..."
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"embedCode": h.embedSnippet(placeholder),
		"note":      "Replace the API key with your actual key from the API Keys page.",
	})
}

// embedSnippet renders the copy-paste widget integration for a store.
func (h *Handler) embedSnippet(apiKey string) string {
	return fmt.Sprintf(`<!-- TryOn Plugin -->
<script
  src="%s"
  data-tryon-api-key="%s"
  async
></script>

<!-- Add to any product image button -->
<button data-tryon-image="YOUR_PRODUCT_IMAGE_URL">
  Try this on
</button>`, h.widgetURL, apiKey)
}

// storeView is the JSON shape for a store profile.
func storeView(t *tenant.Tenant) gin.H {
	plan := tenant.PlanFor(t.PlanID)
	return gin.H{
		"id":             t.ID,
		"name":           t.Name,
		"email":          t.Email,
		"domain":         t.Domain,
		"allowedDomains": t.AllowedDomains,
		"plan":           t.PlanID,
		"planName":       plan.Name,
		"monthlyQuota":   t.MonthlyQuota,
		"usedQuota":      t.UsedQuota,
		"quotaResetAt":   t.QuotaResetAt,
		"status":         t.Status,
		"createdAt":      t.CreatedAt,
	}
}

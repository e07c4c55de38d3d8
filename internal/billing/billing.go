// Package billing connects stores to Stripe: checkout for plan
// upgrades, the customer portal, webhook-driven plan changes, and
// metered overage reporting.
package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/tryonplugin/tryon/internal/apierr"
	"github.com/tryonplugin/tryon/internal/logging"
	"github.com/tryonplugin/tryon/internal/metrics"
	"github.com/tryonplugin/tryon/internal/tenant"
	"github.com/tryonplugin/tryon/internal/usage"
)

// CheckoutParams describes one checkout session.
type CheckoutParams struct {
	PriceID       string
	CustomerID    string // existing Stripe customer, if any
	CustomerEmail string // used when no customer exists yet
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// Gateway is the Stripe surface the service talks to. Tests substitute
// a fake; production uses StripeGateway.
type Gateway interface {
	CheckoutURL(ctx context.Context, p CheckoutParams) (string, error)
	PortalURL(ctx context.Context, customerID, returnURL string) (string, error)
	ReportOverage(ctx context.Context, customerID string, quantity int64, at time.Time) error
	VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// Prices maps plan IDs to the Stripe price IDs configured in the
// Stripe dashboard.
type Prices struct {
	Starter string
	Growth  string
}

// PriceFor returns the Stripe price ID for a plan, or "".
func (p Prices) PriceFor(planID string) string {
	switch planID {
	case tenant.PlanStarter:
		return p.Starter
	case tenant.PlanGrowth:
		return p.Growth
	}
	return ""
}

// PlanFor maps a Stripe price ID back to a plan. Unknown prices mean
// the subscription no longer matches a paid tier.
func (p Prices) PlanFor(priceID string) string {
	switch priceID {
	case p.Starter:
		return tenant.PlanStarter
	case p.Growth:
		return tenant.PlanGrowth
	}
	return tenant.PlanFree
}

// Service implements billing operations over the tenant store and the
// usage ledger.
type Service struct {
	tenants tenant.Store
	events  usage.Store
	gateway Gateway
	prices  Prices

	now func() time.Time
}

// NewService creates a billing service. gateway may be nil when Stripe
// is not configured; operations then fail with ErrNotConfigured.
func NewService(tenants tenant.Store, events usage.Store, gateway Gateway, prices Prices) *Service {
	return &Service{tenants: tenants, events: events, gateway: gateway, prices: prices, now: time.Now}
}

// Checkout creates a subscription checkout session for a paid plan and
// returns its URL.
func (s *Service) Checkout(ctx context.Context, t *tenant.Tenant, planID, successURL, cancelURL string) (string, error) {
	if s.gateway == nil {
		return "", notConfigured()
	}
	if planID != tenant.PlanStarter && planID != tenant.PlanGrowth {
		return "", apierr.BadRequest(apierr.CodeInvalidRequest, "planId must be starter or growth")
	}
	priceID := s.prices.PriceFor(planID)
	if priceID == "" {
		return "", notConfigured()
	}

	url, err := s.gateway.CheckoutURL(ctx, CheckoutParams{
		PriceID:       priceID,
		CustomerID:    t.StripeCustomerID,
		CustomerEmail: t.Email,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		Metadata:      map[string]string{"storeId": t.ID, "planId": planID},
	})
	if err != nil {
		logging.L(ctx).Error("checkout session creation failed", "tenant_id", t.ID, "plan", planID, "error", err)
		return "", apierr.Internal()
	}
	return url, nil
}

// Portal creates a customer portal session. Only stores that have been
// through checkout have a Stripe customer to open a portal for.
func (s *Service) Portal(ctx context.Context, t *tenant.Tenant, returnURL string) (string, error) {
	if s.gateway == nil {
		return "", notConfigured()
	}
	if t.StripeCustomerID == "" {
		return "", apierr.BadRequest(apierr.CodeInvalidRequest, "No billing account. Upgrade to a paid plan first.")
	}

	url, err := s.gateway.PortalURL(ctx, t.StripeCustomerID, returnURL)
	if err != nil {
		logging.L(ctx).Error("portal session creation failed", "tenant_id", t.ID, "error", err)
		return "", apierr.Internal()
	}
	return url, nil
}

// OverageReport summarises one reporting run.
type OverageReport struct {
	Period   string `json:"period"`
	Reported int    `json:"reported"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

// ReportOverage pushes metered overage quantities to Stripe for every
// active paid store that exceeded its quota in the period. Failures
// are per-store: one broken customer does not abort the run.
func (s *Service) ReportOverage(ctx context.Context, period string) (*OverageReport, error) {
	if s.gateway == nil {
		return nil, notConfigured()
	}

	counts, err := s.events.BillableCountsByTenant(ctx, period)
	if err != nil {
		return nil, err
	}
	tenants, err := s.tenants.List(ctx)
	if err != nil {
		return nil, err
	}

	log := logging.L(ctx)
	report := &OverageReport{Period: period}
	at := s.now().UTC()
	for _, t := range tenants {
		plan := tenant.PlanFor(t.PlanID)
		overage := counts[t.ID] - plan.MonthlyQuota
		if plan.OveragePriceCents == 0 || overage <= 0 {
			continue
		}
		if t.Status != tenant.StatusActive || t.StripeCustomerID == "" {
			report.Skipped++
			metrics.OverageReportsTotal.WithLabelValues("skipped").Inc()
			continue
		}

		if err := s.gateway.ReportOverage(ctx, t.StripeCustomerID, int64(overage), at); err != nil {
			log.Error("overage report failed", "tenant_id", t.ID, "period", period, "overage", overage, "error", err)
			report.Failed++
			metrics.OverageReportsTotal.WithLabelValues("failed").Inc()
			continue
		}
		log.Info("overage reported", "tenant_id", t.ID, "period", period, "overage", overage)
		report.Reported++
		metrics.OverageReportsTotal.WithLabelValues("reported").Inc()
	}
	return report, nil
}

func notConfigured() *apierr.Error {
	return apierr.New(http.StatusServiceUnavailable, apierr.CodeInternal, "Billing is not configured", false)
}

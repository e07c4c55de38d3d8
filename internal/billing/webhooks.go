package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/tryonplugin/tryon/internal/logging"
	"github.com/tryonplugin/tryon/internal/tenant"
)

// HandleEvent applies one verified Stripe event to the tenant store.
// Unrecognised event types are acknowledged without action so Stripe
// stops retrying them.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	log := logging.L(ctx)

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("parse checkout session: %w", err)
		}
		return s.checkoutCompleted(ctx, &session)

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("parse subscription: %w", err)
		}
		return s.subscriptionUpdated(ctx, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("parse subscription: %w", err)
		}
		return s.subscriptionDeleted(ctx, &sub)

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("parse invoice: %w", err)
		}
		return s.paymentFailed(ctx, &inv)

	case "invoice.paid":
		log.Info("invoice paid", "event_id", event.ID)
		return nil

	default:
		log.Debug("unhandled stripe event", "type", event.Type, "event_id", event.ID)
		return nil
	}
}

// checkoutCompleted upgrades the store to the purchased plan and
// records its Stripe customer and subscription.
func (s *Service) checkoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	storeID := session.Metadata["storeId"]
	planID := session.Metadata["planId"]
	if storeID == "" || !tenant.ValidPlan(planID) {
		logging.L(ctx).Error("checkout session missing metadata", "session_id", session.ID)
		return nil // nothing to retry; acknowledge
	}

	t, err := s.tenants.Get(ctx, storeID)
	if err != nil {
		return fmt.Errorf("load store %s: %w", storeID, err)
	}

	plan := tenant.PlanFor(planID)
	t.PlanID = plan.ID
	t.MonthlyQuota = plan.MonthlyQuota
	t.Status = tenant.StatusActive
	if session.Customer != nil {
		t.StripeCustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		t.StripeSubscriptionID = session.Subscription.ID
	}
	t.UpdatedAt = s.now().UTC()

	if err := s.tenants.Update(ctx, t); err != nil {
		return fmt.Errorf("upgrade store %s: %w", storeID, err)
	}
	logging.L(ctx).Info("store upgraded", "tenant_id", storeID, "plan", planID)
	return nil
}

// subscriptionUpdated re-derives the plan from the subscription's
// price and mirrors the subscription status onto the store.
func (s *Service) subscriptionUpdated(ctx context.Context, sub *stripe.Subscription) error {
	storeID := sub.Metadata["storeId"]
	if storeID == "" {
		logging.L(ctx).Error("subscription missing storeId metadata", "subscription_id", sub.ID)
		return nil
	}

	t, err := s.tenants.Get(ctx, storeID)
	if err != nil {
		return fmt.Errorf("load store %s: %w", storeID, err)
	}

	planID := tenant.PlanFree
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		planID = s.prices.PlanFor(sub.Items.Data[0].Price.ID)
	}
	plan := tenant.PlanFor(planID)

	t.PlanID = plan.ID
	t.MonthlyQuota = plan.MonthlyQuota
	t.StripeSubscriptionID = sub.ID
	if sub.Status == stripe.SubscriptionStatusActive {
		t.Status = tenant.StatusActive
	} else {
		t.Status = tenant.StatusSuspended
	}
	t.UpdatedAt = s.now().UTC()

	if err := s.tenants.Update(ctx, t); err != nil {
		return fmt.Errorf("update store %s: %w", storeID, err)
	}
	logging.L(ctx).Info("subscription updated", "tenant_id", storeID, "plan", plan.ID, "status", t.Status)
	return nil
}

// subscriptionDeleted downgrades the store to the free tier. The store
// stays active; it just loses the paid limits.
func (s *Service) subscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	storeID := sub.Metadata["storeId"]
	if storeID == "" {
		return nil
	}

	t, err := s.tenants.Get(ctx, storeID)
	if err != nil {
		return fmt.Errorf("load store %s: %w", storeID, err)
	}

	free := tenant.Plans[tenant.PlanFree]
	t.PlanID = free.ID
	t.MonthlyQuota = free.MonthlyQuota
	t.StripeSubscriptionID = ""
	t.Status = tenant.StatusActive
	t.UpdatedAt = s.now().UTC()

	if err := s.tenants.Update(ctx, t); err != nil {
		return fmt.Errorf("downgrade store %s: %w", storeID, err)
	}
	logging.L(ctx).Info("store downgraded to free", "tenant_id", storeID)
	return nil
}

// paymentFailed suspends the store until payment is resolved through
// the portal.
func (s *Service) paymentFailed(ctx context.Context, inv *stripe.Invoice) error {
	if inv.Customer == nil {
		return nil
	}

	t, err := s.tenants.GetByStripeCustomer(ctx, inv.Customer.ID)
	if err != nil {
		if err == tenant.ErrTenantNotFound {
			logging.L(ctx).Warn("payment failed for unknown customer", "customer_id", inv.Customer.ID)
			return nil
		}
		return err
	}

	t.Status = tenant.StatusSuspended
	t.UpdatedAt = s.now().UTC()
	if err := s.tenants.Update(ctx, t); err != nil {
		return fmt.Errorf("suspend store %s: %w", t.ID, err)
	}
	logging.L(ctx).Warn("store suspended after payment failure", "tenant_id", t.ID)
	return nil
}

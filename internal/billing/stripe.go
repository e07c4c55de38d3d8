package billing

import (
	"context"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

// overageMeterEvent is the Billing Meter event name overage quantities
// are reported under. The meter itself is configured in the Stripe
// dashboard and attached to the paid plans' metered price.
const overageMeterEvent = "tryon_overage"

// StripeGateway is the production Gateway backed by the Stripe API.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGateway configures the global Stripe client and returns the
// gateway. Returns nil when no secret key is set so callers can wire a
// nil gateway in development.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	if secretKey == "" {
		return nil
	}
	stripe.Key = secretKey
	return &StripeGateway{webhookSecret: webhookSecret}
}

func (g *StripeGateway) CheckoutURL(ctx context.Context, p CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: p.Metadata,
		},
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	} else {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := checkoutsession.New(params)
	if err != nil {
		return "", err
	}
	return s.URL, nil
}

func (g *StripeGateway) PortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	s, err := portalsession.New(params)
	if err != nil {
		return "", err
	}
	return s.URL, nil
}

func (g *StripeGateway) ReportOverage(ctx context.Context, customerID string, quantity int64, at time.Time) error {
	params := &stripe.BillingMeterEventParams{
		EventName: stripe.String(overageMeterEvent),
		Timestamp: stripe.Int64(at.Unix()),
		Payload: map[string]string{
			"stripe_customer_id": customerID,
			"value":              strconv.FormatInt(quantity, 10),
		},
	}
	params.Context = ctx

	_, err := meterevent.New(params)
	return err
}

func (g *StripeGateway) VerifyEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
}

var _ Gateway = (*StripeGateway)(nil)

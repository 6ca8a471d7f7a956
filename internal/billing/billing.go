// Package billing talks to the payment provider: it creates customers and
// subscriptions, opens portal sessions and turns signed webhook deliveries
// into typed events.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/funnelforge/billing/internal/models"
)

var (
	ErrProvider            = errors.New("billing provider request failed")
	ErrSubscriptionMissing = errors.New("subscription not found at provider")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrInvalidPayload      = errors.New("invalid webhook payload")
	ErrUnsupportedEvent    = errors.New("unsupported webhook event")
)

// Provider is the subset of the billing provider the service relies on.
type Provider interface {
	// CreateCustomer is idempotent per email for the provider's idempotency window.
	CreateCustomer(ctx context.Context, email string) (string, error)
	// CreateSubscription starts an incomplete subscription that becomes active once paid.
	CreateSubscription(ctx context.Context, customerID, priceID string, plan models.Plan) (Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	// ActiveSubscription returns the first active subscription of customerID, if any.
	ActiveSubscription(ctx context.Context, customerID string) (Subscription, bool, error)
	// CancelSubscription cancels immediately. A subscription the provider no
	// longer knows is reported as ErrSubscriptionMissing.
	CancelSubscription(ctx context.Context, subscriptionID string) error
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// Subscription is a provider subscription reduced to the fields mirrored onto an account.
type Subscription struct {
	ID             string
	CustomerID     string
	ItemID         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	ProviderStatus string
	Status         models.SubscriptionStatus
	Plan           models.Plan
	// PlanFromMetadata is false when metadata carried no recognizable plan and Plan fell back to free.
	PlanFromMetadata bool
	ClientSecret     string
}

// State is the snapshot written to the account row.
func (s Subscription) State() models.SubscriptionState {
	return models.SubscriptionState{
		SubscriptionID: s.ID,
		ItemID:         s.ItemID,
		PeriodStart:    s.PeriodStart,
		PeriodEnd:      s.PeriodEnd,
		Status:         s.Status,
		Plan:           s.Plan,
	}
}

// MapStatus folds provider statuses into the statuses stored on an account.
func MapStatus(status stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusIncomplete:
		return models.SubscriptionIncomplete
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return models.SubscriptionDeclined
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return models.SubscriptionCanceled
	default:
		return models.SubscriptionNone
	}
}

const planMetadataKey = "plan"

func planFromMetadata(md map[string]string) (models.Plan, bool) {
	if p, ok := models.ParsePlan(md[planMetadataKey]); ok {
		return p, true
	}
	return models.PlanFree, false
}

func subscriptionFromStripe(sub *stripe.Subscription) Subscription {
	out := Subscription{
		ID:             sub.ID,
		ProviderStatus: string(sub.Status),
		Status:         MapStatus(sub.Status),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		out.ItemID = sub.Items.Data[0].ID
	}
	if sub.CurrentPeriodStart > 0 {
		out.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		out.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	out.Plan, out.PlanFromMetadata = planFromMetadata(sub.Metadata)
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		out.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return out
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/funnelforge/billing/internal/metrics"
	"github.com/funnelforge/billing/internal/models"
)

// customerKeyNamespace seeds the deterministic idempotency keys used for customer creation.
var customerKeyNamespace = uuid.MustParse("6f1c2a44-93b5-4c0e-8d1e-5a7b3f0c9e21")

type StripeConfig struct {
	SecretKey             string
	PortalConfigurationID string
	Timeout               time.Duration
	// BaseURL overrides the API endpoint, e.g. for stripe-mock.
	BaseURL string
}

// Stripe implements Provider on top of a dedicated stripe-go client.
type Stripe struct {
	api                   *client.API
	timeout               time.Duration
	portalConfigurationID string
}

func NewStripe(cfg StripeConfig) *Stripe {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	backendConfig := func() *stripe.BackendConfig {
		c := &stripe.BackendConfig{
			HTTPClient:        httpClient,
			LeveledLogger:     stripeLogger{},
			MaxNetworkRetries: stripe.Int64(0),
		}
		if cfg.BaseURL != "" {
			c.URL = stripe.String(cfg.BaseURL)
		}
		return c
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig()),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig()),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig()),
	}
	return &Stripe{
		api:                   client.New(cfg.SecretKey, backends),
		timeout:               cfg.Timeout,
		portalConfigurationID: cfg.PortalConfigurationID,
	}
}

// CustomerIdempotencyKey is stable for an email, so a retried creation returns the same customer.
func CustomerIdempotencyKey(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	return "customer-" + uuid.NewSHA1(customerKeyNamespace, []byte(normalized)).String()
}

func (s *Stripe) CreateCustomer(ctx context.Context, email string) (string, error) {
	var id string
	err := s.call(ctx, "create_customer", func(ctx context.Context) error {
		params := &stripe.CustomerParams{Email: stripe.String(email)}
		params.Context = ctx
		params.SetIdempotencyKey(CustomerIdempotencyKey(email))
		cus, err := s.api.Customers.New(params)
		if err != nil {
			return err
		}
		id = cus.ID
		return nil
	})
	return id, err
}

func (s *Stripe) CreateSubscription(ctx context.Context, customerID, priceID string, plan models.Plan) (Subscription, error) {
	var out Subscription
	err := s.call(ctx, "create_subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{
			Customer: stripe.String(customerID),
			Items: []*stripe.SubscriptionItemsParams{
				{Price: stripe.String(priceID)},
			},
			PaymentBehavior: stripe.String("default_incomplete"),
			PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
				SaveDefaultPaymentMethod: stripe.String("on_subscription"),
			},
		}
		params.Context = ctx
		params.AddExpand("latest_invoice.payment_intent")
		params.AddMetadata(planMetadataKey, string(plan))
		sub, err := s.api.Subscriptions.New(params)
		if err != nil {
			return err
		}
		out = subscriptionFromStripe(sub)
		return nil
	})
	return out, err
}

func (s *Stripe) GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	var out Subscription
	err := s.call(ctx, "get_subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		sub, err := s.api.Subscriptions.Get(subscriptionID, params)
		if err != nil {
			return err
		}
		out = subscriptionFromStripe(sub)
		return nil
	})
	return out, err
}

func (s *Stripe) ActiveSubscription(ctx context.Context, customerID string) (Subscription, bool, error) {
	var (
		out   Subscription
		found bool
	)
	err := s.call(ctx, "list_subscriptions", func(ctx context.Context) error {
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
		}
		params.Context = ctx
		params.Limit = stripe.Int64(1)
		params.Single = true
		iter := s.api.Subscriptions.List(params)
		if iter.Next() {
			out = subscriptionFromStripe(iter.Subscription())
			found = true
		}
		return iter.Err()
	})
	return out, found, err
}

func (s *Stripe) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return s.call(ctx, "cancel_subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		_, err := s.api.Subscriptions.Cancel(subscriptionID, params)
		if isResourceMissing(err) {
			return ErrSubscriptionMissing
		}
		return err
	})
}

func (s *Stripe) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	var url string
	err := s.call(ctx, "create_portal_session", func(ctx context.Context) error {
		params := &stripe.BillingPortalSessionParams{
			Customer:  stripe.String(customerID),
			ReturnURL: stripe.String(returnURL),
		}
		if s.portalConfigurationID != "" {
			params.Configuration = stripe.String(s.portalConfigurationID)
		}
		params.Context = ctx
		sess, err := s.api.BillingPortalSessions.New(params)
		if err != nil {
			return err
		}
		url = sess.URL
		return nil
	})
	return url, err
}

// call bounds fn by the provider timeout and records its outcome.
func (s *Stripe) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	metrics.ProviderCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err == nil || errors.Is(err, ErrSubscriptionMissing) {
		metrics.ProviderCallsTotal.WithLabelValues(operation, metrics.OutcomeOK).Inc()
		return err
	}
	metrics.ProviderCallsTotal.WithLabelValues(operation, metrics.OutcomeError).Inc()

	event := log.Error().Err(err).Str("operation", operation)
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		event = event.
			Str("stripe_type", string(stripeErr.Type)).
			Str("stripe_code", string(stripeErr.Code)).
			Str("stripe_request_id", stripeErr.RequestID).
			Int("status", stripeErr.HTTPStatusCode)
	}
	event.Msg("stripe request failed")
	return fmt.Errorf("%w: %s: %w", ErrProvider, operation, err)
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound
}

// stripeLogger sends stripe-go's own logging through zerolog.
type stripeLogger struct{}

func (stripeLogger) Debugf(format string, v ...interface{}) {
	log.Debug().Str("component", "stripe").Msgf(format, v...)
}

func (stripeLogger) Infof(format string, v ...interface{}) {
	log.Debug().Str("component", "stripe").Msgf(format, v...)
}

func (stripeLogger) Warnf(format string, v ...interface{}) {
	log.Warn().Str("component", "stripe").Msgf(format, v...)
}

func (stripeLogger) Errorf(format string, v ...interface{}) {
	log.Warn().Str("component", "stripe").Msgf(format, v...)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/funnelforge/billing/internal/billing"
	"github.com/funnelforge/billing/internal/metrics"
	"github.com/funnelforge/billing/internal/models"
)

const notifyTimeout = 10 * time.Second

type WebhookResult struct {
	EventID string
	Kind    string
	Outcome string
}

// HandleWebhook 校验并应用一条 Stripe webhook。每个事件最多产生一次账户更新，
// 重复投递得到相同的结果。找不到账户时不报错也不调用 Stripe。
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	start := time.Now()
	ev, err := s.events.Parse(payload, signature)
	if err != nil {
		var unsupported *billing.UnsupportedEventError
		if errors.As(err, &unsupported) {
			log.Info().Str("event_id", unsupported.ID).Str("type", unsupported.Type).Msg("ignoring unsupported webhook event")
			metrics.WebhookEventsTotal.WithLabelValues("unsupported", metrics.OutcomeIgnored).Inc()
			return WebhookResult{EventID: unsupported.ID, Kind: unsupported.Type, Outcome: metrics.OutcomeIgnored}, nil
		}
		log.Warn().Err(err).Msg("rejected webhook delivery")
		metrics.WebhookEventsTotal.WithLabelValues("unknown", metrics.OutcomeRejected).Inc()
		return WebhookResult{}, err
	}

	kind := string(ev.Kind())
	logger := log.With().Str("event_id", ev.EventID()).Str("kind", kind).Str("customer_id", ev.CustomerID()).Logger()
	result := WebhookResult{EventID: ev.EventID(), Kind: kind}
	defer func() {
		metrics.WebhookDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		metrics.WebhookEventsTotal.WithLabelValues(kind, result.Outcome).Inc()
	}()

	seen, err := s.ledger.Seen(ctx, ev.EventID())
	if err != nil {
		logger.Warn().Err(err).Msg("processed-event ledger lookup failed, applying event")
	}
	if seen {
		logger.Debug().Msg("webhook event already processed")
		result.Outcome = metrics.OutcomeDuplicate
		return result, nil
	}

	outcome, err := s.applyEvent(ctx, logger, ev)
	if err != nil {
		result.Outcome = metrics.OutcomeFailed
		logger.Error().Err(err).Msg("webhook event failed")
		return result, err
	}
	result.Outcome = outcome

	if err := s.ledger.Mark(ctx, ev.EventID()); err != nil {
		logger.Warn().Err(err).Msg("failed to record processed event")
	}
	logger.Info().Str("outcome", outcome).Msg("webhook event handled")
	return result, nil
}

func (s *Service) applyEvent(ctx context.Context, logger zerolog.Logger, ev billing.Event) (string, error) {
	customerID := ev.CustomerID()

	switch e := ev.(type) {
	case billing.PaymentIntentSucceeded:
		if customerID == "" {
			logger.Info().Str("payment_intent_id", e.PaymentIntentID).Msg("guest payment, no billing customer")
			return metrics.OutcomeIgnored, nil
		}
		if _, err := s.store.GetByCustomerID(ctx, customerID); err != nil {
			return unmatched(logger, err)
		}
		sub, found, err := s.provider.ActiveSubscription(ctx, customerID)
		if err != nil {
			return "", fmt.Errorf("look up active subscription: %w", err)
		}
		if !found {
			logger.Info().Msg("no active subscription for paying customer")
			return metrics.OutcomeIgnored, nil
		}
		return s.applySubscription(ctx, logger, customerID, sub, false)

	case billing.CheckoutSessionCompleted:
		if e.SubscriptionID == "" || customerID == "" {
			logger.Info().Str("session_id", e.SessionID).Msg("checkout session without subscription or customer")
			return metrics.OutcomeIgnored, nil
		}
		return s.fetchAndApply(ctx, logger, customerID, e.SubscriptionID, false)

	case billing.InvoicePaymentSucceeded:
		if e.SubscriptionID == "" {
			logger.Info().Str("invoice_id", e.InvoiceID).Msg("invoice without subscription")
			return metrics.OutcomeIgnored, nil
		}
		return s.fetchAndApply(ctx, logger, customerID, e.SubscriptionID, true)

	case billing.SubscriptionUpdated:
		return s.applySubscription(ctx, logger, customerID, e.Subscription, false)

	case billing.InvoicePaymentFailed:
		account, err := s.store.MarkDeclined(ctx, customerID)
		if err != nil {
			return unmatched(logger, err)
		}
		s.notify(ctx, logger, account.Email, Notifier.SendPaymentDeclined)
		return metrics.OutcomeApplied, nil

	case billing.SubscriptionDeleted:
		account, err := s.store.ResetToFreeByCustomer(ctx, customerID, s.now())
		if err != nil {
			return unmatched(logger, err)
		}
		s.notify(ctx, logger, account.Email, Notifier.SendSubscriptionEnded)
		return metrics.OutcomeApplied, nil

	default:
		return "", fmt.Errorf("%w: %T", billing.ErrUnsupportedEvent, ev)
	}
}

func (s *Service) fetchAndApply(ctx context.Context, logger zerolog.Logger, customerID, subscriptionID string, paid bool) (string, error) {
	if _, err := s.store.GetByCustomerID(ctx, customerID); err != nil {
		return unmatched(logger, err)
	}
	sub, err := s.provider.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return "", fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}
	return s.applySubscription(ctx, logger, customerID, sub, paid)
}

// applySubscription 写入订阅快照。paid 为 true 时付款成功视为激活。
func (s *Service) applySubscription(ctx context.Context, logger zerolog.Logger, customerID string, sub billing.Subscription, paid bool) (string, error) {
	state := sub.State()
	if paid {
		state.Status = models.SubscriptionActive
	}
	if !sub.PlanFromMetadata && (state.Status == models.SubscriptionActive || state.Status == models.SubscriptionIncomplete) {
		logger.Warn().Str("subscription_id", sub.ID).Msg("subscription has no plan metadata, storing free")
		metrics.PlanMetadataMissing.Inc()
	}
	if _, err := s.store.ApplySubscription(ctx, customerID, state); err != nil {
		return unmatched(logger, err)
	}
	return metrics.OutcomeApplied, nil
}

// unmatched turns a missing account into a no-op and passes other errors through.
func unmatched(logger zerolog.Logger, err error) (string, error) {
	if errors.Is(err, ErrNotFound) {
		logger.Info().Msg("no account for billing customer")
		return metrics.OutcomeUnmatched, nil
	}
	return "", err
}

func (s *Service) notify(ctx context.Context, logger zerolog.Logger, to string, send func(Notifier, context.Context, string) error) {
	if s.notifier == nil || to == "" {
		return
	}
	ctx, cancel := detached(ctx, notifyTimeout)
	defer cancel()
	if err := send(s.notifier, ctx, to); err != nil {
		logger.Warn().Err(err).Msg("billing notice not sent")
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/funnelforge/billing/internal/billing"
	"github.com/funnelforge/billing/internal/models"
)

type SubscriptionIntent struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientSecret   string `json:"clientSecret"`
}

// CreateSubscription 创建待支付订阅。plan 字段不在这里写入，只有 webhook 确认付款后才生效。
func (s *Service) CreateSubscription(ctx context.Context, email string, plan models.Plan) (SubscriptionIntent, error) {
	if !plan.Paid() {
		return SubscriptionIntent{}, ErrInvalidPlan
	}
	priceID, ok := s.config.PriceFor(plan)
	if !ok || priceID == "" {
		return SubscriptionIntent{}, ErrInvalidPlan
	}

	email = normalizeEmail(email)
	account, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return SubscriptionIntent{}, err
	}
	if hasLiveSubscription(account) {
		return SubscriptionIntent{}, ErrAlreadySubscribed
	}

	customerID, err := s.ensureCustomer(ctx, account)
	if err != nil {
		return SubscriptionIntent{}, err
	}

	sub, err := s.provider.CreateSubscription(ctx, customerID, priceID, plan)
	if err != nil {
		return SubscriptionIntent{}, fmt.Errorf("create subscription: %w", err)
	}

	state := sub.State()
	state.Plan = ""
	if _, err := s.store.RecordPendingSubscription(ctx, email, state); err != nil {
		// 订阅已在 Stripe 侧创建，这里只记录，等待 webhook 或人工对账
		log.Error().Err(err).Str("subscription_id", sub.ID).Str("customer_id", customerID).
			Msg("subscription created but not recorded")
		return SubscriptionIntent{}, err
	}

	log.Info().Int64("account_id", account.ID).Str("subscription_id", sub.ID).Str("plan", string(plan)).
		Msg("subscription created")
	return SubscriptionIntent{SubscriptionID: sub.ID, ClientSecret: sub.ClientSecret}, nil
}

// hasLiveSubscription 账户上已有仍在计费的订阅。换套餐走 billing portal，
// 否则会在 Stripe 侧留下一个本地不再跟踪的订阅。
func hasLiveSubscription(a models.Account) bool {
	if a.SubscriptionID() == "" {
		return false
	}
	switch a.SubscriptionStatus {
	case models.SubscriptionActive, models.SubscriptionDeclined:
		return true
	}
	return false
}

// ensureCustomer 返回账户的 billing customer，没有则创建并立即持久化。
// 同一进程内同一邮箱的并发请求只会调用一次 Stripe。
func (s *Service) ensureCustomer(ctx context.Context, account models.Account) (string, error) {
	if id := account.CustomerID(); id != "" {
		return id, nil
	}
	v, err, _ := s.customers.Do(account.Email, func() (any, error) {
		// 共享调用不随第一个请求取消
		ctx, cancel := detached(ctx, s.config.StripeTimeout)
		defer cancel()
		id, err := s.provider.CreateCustomer(ctx, account.Email)
		if err != nil {
			return "", fmt.Errorf("create customer: %w", err)
		}
		stored, err := s.store.SetCustomerID(ctx, account.Email, id)
		if err != nil {
			return "", err
		}
		if stored != id {
			log.Warn().Str("created", id).Str("stored", stored).Msg("billing customer already set, keeping stored id")
		}
		return stored, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CancelSubscription 先在 Stripe 取消订阅，成功后再把账户重置为免费版。
// Stripe 调用失败时本地不做任何修改。
func (s *Service) CancelSubscription(ctx context.Context, email string) (CancelResult, error) {
	email = normalizeEmail(email)
	account, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return CancelResult{}, err
	}

	if subID := account.SubscriptionID(); subID != "" {
		err := s.provider.CancelSubscription(ctx, subID)
		switch {
		case errors.Is(err, billing.ErrSubscriptionMissing):
			log.Warn().Str("subscription_id", subID).Msg("subscription already gone at provider")
		case err != nil:
			return CancelResult{}, fmt.Errorf("cancel subscription: %w", err)
		}
	}

	if _, err := s.store.ResetToFreeByEmail(ctx, email, s.now()); err != nil {
		return CancelResult{}, err
	}
	log.Info().Int64("account_id", account.ID).Msg("subscription canceled")
	return CancelResult{Success: true, Message: "Subscription canceled. Your account is now on the free plan."}, nil
}

func (s *Service) CreatePortalSession(ctx context.Context, email string) (string, error) {
	account, err := s.store.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return "", err
	}
	customerID := account.CustomerID()
	if customerID == "" {
		return "", ErrNoBillingCustomer
	}
	url, err := s.provider.CreatePortalSession(ctx, customerID, s.config.PortalReturnURL())
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return url, nil
}

// detached drops ctx's cancellation and bounds it by timeout when one is set.
func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

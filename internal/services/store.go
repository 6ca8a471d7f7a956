package services

import (
	"context"
	"time"

	"github.com/funnelforge/billing/internal/models"
)

// AccountStore 账户表。所有写操作都是单条 UPDATE，不跨外部调用持有事务。
// 按 customer id 定位的写操作在没有匹配账户时返回 ErrNotFound。
type AccountStore interface {
	CreateAccount(ctx context.Context, email, passwordHash string) (models.Account, error)
	GetByEmail(ctx context.Context, email string) (models.Account, error)
	GetByCustomerID(ctx context.Context, customerID string) (models.Account, error)

	// SetCustomerID stores customerID unless the account already has one, and
	// returns whichever id is stored afterwards.
	SetCustomerID(ctx context.Context, email, customerID string) (string, error)
	// RecordPendingSubscription mirrors a freshly created subscription. It never grants a plan.
	RecordPendingSubscription(ctx context.Context, email string, state models.SubscriptionState) (models.Account, error)
	// ApplySubscription writes ids, period, status and plan. While the same
	// subscription stays active the stored period never moves backwards.
	ApplySubscription(ctx context.Context, customerID string, state models.SubscriptionState) (models.Account, error)
	MarkDeclined(ctx context.Context, customerID string) (models.Account, error)
	// ResetToFreeByCustomer reverts to free and canceled. Repeating it keeps
	// the first cancellation time.
	ResetToFreeByCustomer(ctx context.Context, customerID string, now time.Time) (models.Account, error)
	ResetToFreeByEmail(ctx context.Context, email string, now time.Time) (models.Account, error)

	TouchLastLogin(ctx context.Context, email string, at time.Time) error
	// SetStorefront replaces the storefront credentials; nil clears them.
	SetStorefront(ctx context.Context, email string, conn *models.StorefrontConnection) (models.Account, error)

	Ping(ctx context.Context) error
}

// keepPeriod reports whether an incoming write must keep the stored period bounds.
func keepPeriod(current models.Account, next models.SubscriptionState) bool {
	return current.SubscriptionStatus == models.SubscriptionActive &&
		next.Status == models.SubscriptionActive &&
		current.SubscriptionID() == next.SubscriptionID &&
		current.PeriodEnd != nil &&
		current.PeriodEnd.After(next.PeriodEnd)
}

package models

import "time"

type Plan string

const (
	PlanFree    Plan = "free"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
)

// ParsePlan reports whether raw names one of the known plans.
func ParsePlan(raw string) (Plan, bool) {
	switch Plan(raw) {
	case PlanFree, PlanPro, PlanPremium:
		return Plan(raw), true
	default:
		return "", false
	}
}

// Paid reports whether the plan is sold through a subscription.
func (p Plan) Paid() bool {
	return p == PlanPro || p == PlanPremium
}

type SubscriptionStatus string

const (
	SubscriptionNone       SubscriptionStatus = "none"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionDeclined   SubscriptionStatus = "declined"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
)

// EffectivePlan is the plan that may be stored next to status.
// A canceled subscription never carries a paid plan.
func EffectivePlan(plan Plan, status SubscriptionStatus) Plan {
	if status == SubscriptionCanceled {
		return PlanFree
	}
	if _, ok := ParsePlan(string(plan)); !ok {
		return PlanFree
	}
	return plan
}

type Account struct {
	ID                        int64
	Email                     string
	PasswordHash              string `json:"-"`
	Plan                      Plan
	BillingCustomerID         *string
	BillingSubscriptionID     *string
	BillingSubscriptionItemID *string
	SubscriptionStatus        SubscriptionStatus
	PeriodStart               *time.Time
	PeriodEnd                 *time.Time
	Storefront                *StorefrontConnection `json:"-"`
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
	LastLogin                 *time.Time
}

// CustomerID returns the billing customer id or "" when none is stored.
func (a Account) CustomerID() string {
	if a.BillingCustomerID == nil {
		return ""
	}
	return *a.BillingCustomerID
}

// SubscriptionID returns the billing subscription id or "" when none is stored.
func (a Account) SubscriptionID() string {
	if a.BillingSubscriptionID == nil {
		return ""
	}
	return *a.BillingSubscriptionID
}

// StorefrontConnection holds the credentials of a connected storefront.
type StorefrontConnection struct {
	Domain          string
	AdminToken      string
	StorefrontToken string
	ThemeID         string
	APIKey          string
	SecretKey       string
}

// SubscriptionState is the billing snapshot mirrored onto an account.
type SubscriptionState struct {
	SubscriptionID string
	ItemID         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Status         SubscriptionStatus
	Plan           Plan
}

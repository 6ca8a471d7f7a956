package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/funnelforge/billing/internal/models"
)

// MemoryStore is an in-process AccountStore with the same write semantics as
// PostgresStore. Used for local runs without a database and in tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	nextID   int64
	writes   int
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*models.Account),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Writes counts row updates that matched an account.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateAccount(_ context.Context, email, passwordHash string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := s.accounts[key]; ok {
		return models.Account{}, ErrEmailAlreadyExists
	}
	s.nextID++
	now := s.now()
	a := &models.Account{
		ID:                 s.nextID,
		Email:              email,
		PasswordHash:       passwordHash,
		Plan:               models.PlanFree,
		SubscriptionStatus: models.SubscriptionNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.accounts[key] = a
	return *a, nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[strings.ToLower(email)]
	if !ok {
		return models.Account{}, ErrNotFound
	}
	return *a, nil
}

func (s *MemoryStore) GetByCustomerID(_ context.Context, customerID string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.byCustomer(customerID)
	if a == nil {
		return models.Account{}, ErrNotFound
	}
	return *a, nil
}

func (s *MemoryStore) SetCustomerID(_ context.Context, email, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[strings.ToLower(email)]
	if !ok {
		return "", ErrNotFound
	}
	s.writes++
	if a.BillingCustomerID == nil {
		a.BillingCustomerID = &customerID
		a.UpdatedAt = s.now()
	}
	return *a.BillingCustomerID, nil
}

func (s *MemoryStore) RecordPendingSubscription(_ context.Context, email string, state models.SubscriptionState) (models.Account, error) {
	return s.update(s.byEmailLocked(email), func(a *models.Account) {
		a.BillingSubscriptionID = nullableString(state.SubscriptionID)
		a.BillingSubscriptionItemID = nullableString(state.ItemID)
		a.PeriodStart = nullableTime(state.PeriodStart)
		a.PeriodEnd = nullableTime(state.PeriodEnd)
		a.SubscriptionStatus = state.Status
		if state.Status == models.SubscriptionCanceled {
			a.Plan = models.PlanFree
		}
	})
}

func (s *MemoryStore) ApplySubscription(_ context.Context, customerID string, state models.SubscriptionState) (models.Account, error) {
	return s.update(s.byCustomerLocked(customerID), func(a *models.Account) {
		if !keepPeriod(*a, state) {
			a.PeriodStart = nullableTime(state.PeriodStart)
			a.PeriodEnd = nullableTime(state.PeriodEnd)
		}
		a.BillingSubscriptionID = nullableString(state.SubscriptionID)
		a.BillingSubscriptionItemID = nullableString(state.ItemID)
		a.SubscriptionStatus = state.Status
		a.Plan = models.EffectivePlan(state.Plan, state.Status)
	})
}

func (s *MemoryStore) MarkDeclined(_ context.Context, customerID string) (models.Account, error) {
	return s.update(s.byCustomerLocked(customerID), func(a *models.Account) {
		a.SubscriptionStatus = models.SubscriptionDeclined
	})
}

func (s *MemoryStore) ResetToFreeByCustomer(_ context.Context, customerID string, now time.Time) (models.Account, error) {
	return s.update(s.byCustomerLocked(customerID), resetToFree(now))
}

func (s *MemoryStore) ResetToFreeByEmail(_ context.Context, email string, now time.Time) (models.Account, error) {
	return s.update(s.byEmailLocked(email), resetToFree(now))
}

func resetToFree(now time.Time) func(a *models.Account) {
	return func(a *models.Account) {
		alreadyReset := a.SubscriptionStatus == models.SubscriptionCanceled && a.BillingSubscriptionID == nil
		if !alreadyReset || a.PeriodEnd == nil {
			a.PeriodEnd = &now
		}
		a.Plan = models.PlanFree
		a.SubscriptionStatus = models.SubscriptionCanceled
		a.BillingSubscriptionID = nil
		a.BillingSubscriptionItemID = nil
	}
}

func (s *MemoryStore) TouchLastLogin(_ context.Context, email string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[strings.ToLower(email)]
	if !ok {
		return ErrNotFound
	}
	a.LastLogin = &at
	return nil
}

func (s *MemoryStore) SetStorefront(_ context.Context, email string, conn *models.StorefrontConnection) (models.Account, error) {
	return s.update(s.byEmailLocked(email), func(a *models.Account) {
		if conn == nil {
			a.Storefront = nil
			return
		}
		c := *conn
		a.Storefront = &c
	})
}

// lookup runs under the store lock taken by update.
type lookup func() *models.Account

func (s *MemoryStore) byEmailLocked(email string) lookup {
	return func() *models.Account { return s.accounts[strings.ToLower(email)] }
}

func (s *MemoryStore) byCustomerLocked(customerID string) lookup {
	return func() *models.Account { return s.byCustomer(customerID) }
}

func (s *MemoryStore) byCustomer(customerID string) *models.Account {
	for _, a := range s.accounts {
		if a.BillingCustomerID != nil && *a.BillingCustomerID == customerID {
			return a
		}
	}
	return nil
}

func (s *MemoryStore) update(find lookup, mutate func(a *models.Account)) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := find()
	if a == nil {
		return models.Account{}, ErrNotFound
	}
	mutate(a)
	a.UpdatedAt = s.now()
	s.writes++
	return *a, nil
}

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelforge/billing/internal/billing"
	"github.com/funnelforge/billing/internal/models"
)

func TestCreateSubscriptionDoesNotGrantPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "owner@example.com", "correct-horse")
	require.NoError(t, err)

	intent, err := f.svc.CreateSubscription(ctx, "Owner@Example.com", models.PlanPremium)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", intent.SubscriptionID)
	assert.Equal(t, "pi_1_secret_price_premium", intent.ClientSecret)

	a, err := f.store.GetByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, a.Plan)
	assert.Equal(t, models.SubscriptionIncomplete, a.SubscriptionStatus)
	assert.Equal(t, "cus_1", a.CustomerID())
	assert.Equal(t, "sub_1", a.SubscriptionID())
	require.NotNil(t, a.BillingSubscriptionItemID)
	assert.Equal(t, "si_1", *a.BillingSubscriptionItemID)
	require.NotNil(t, a.PeriodEnd)
}

func TestCreateSubscriptionReusesCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "owner@example.com", "correct-horse")
	require.NoError(t, err)

	_, err = f.svc.CreateSubscription(ctx, "owner@example.com", models.PlanPro)
	require.NoError(t, err)
	_, err = f.svc.CreateSubscription(ctx, "owner@example.com", models.PlanPremium)
	require.NoError(t, err)

	assert.Equal(t, 1, f.provider.customerCalls)
	assert.Len(t, f.provider.customers, 1)
}

func TestConcurrentCreateSubscriptionSingleCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "owner@example.com", "correct-horse")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateSubscription(ctx, "owner@example.com", models.PlanPro)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.provider.customers, 1)
	a, err := f.store.GetByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", a.CustomerID())
}

func TestCreateSubscriptionRejectsInvalidPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "owner@example.com", "correct-horse")
	require.NoError(t, err)

	for _, plan := range []models.Plan{models.PlanFree, models.Plan("enterprise"), ""} {
		_, err := f.svc.CreateSubscription(ctx, "owner@example.com", plan)
		assert.ErrorIs(t, err, ErrInvalidPlan)
	}
	assert.Zero(t, f.provider.Calls())
}

func TestCreateSubscriptionAlreadySubscribed(t *testing.T) {
	f := newFixture(t)
	f.seedSubscriber(t, "owner@example.com", "cus_1", models.PlanPro)

	_, err := f.svc.CreateSubscription(context.Background(), "owner@example.com", models.PlanPro)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
	assert.Zero(t, f.provider.Calls())
}

func TestCreateSubscriptionRejectsPlanChangeWhileLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscriber(t, "owner@example.com", "cus_1", models.PlanPro)

	_, err := f.svc.CreateSubscription(ctx, "owner@example.com", models.PlanPremium)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	_, err = f.store.MarkDeclined(ctx, "cus_1")
	require.NoError(t, err)
	_, err = f.svc.CreateSubscription(ctx, "owner@example.com", models.PlanPremium)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
	assert.Zero(t, f.provider.Calls())

	a, err := f.store.GetByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, "sub_seed", a.SubscriptionID())
	assert.Equal(t, models.PlanPro, a.Plan)

	_, err = f.svc.CancelSubscription(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_seed"}, f.provider.canceled)
}

func TestCreateSubscriptionAfterCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubscriber(t, "owner@example.com", "cus_1", models.PlanPro)
	_, err := f.svc.CancelSubscription(ctx, "owner@example.com")
	require.NoError(t, err)

	intent, err := f.svc.CreateSubscription(ctx, "owner@example.com", models.PlanPremium)
	require.NoError(t, err)
	assert.Equal(t, "sub_1", intent.SubscriptionID)
}

func TestCustomerCreationIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), "owner@example.com", "correct-horse")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.svc.CreateSubscription(ctx, "owner@example.com", models.PlanPro)
	require.NoError(t, err)

	a, err := f.store.GetByEmail(context.Background(), "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", a.CustomerID())
}

func TestCreateSubscriptionProviderFailureKeepsCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "owner@example.com", "correct-horse")
	require.NoError(t, err)

	_, err = f.store.SetCustomerID(ctx, "owner@example.com", "cus_existing")
	require.NoError(t, err)
	f.provider.err = errors.New("card_declined")

	_, err = f.svc.CreateSubscription(ctx, "owner@example.com", models.PlanPro)
	require.Error(t, err)

	a, err := f.store.GetByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", a.CustomerID())
	assert.Nil(t, a.BillingSubscriptionID)
	assert.Equal(t, models.SubscriptionNone, a.SubscriptionStatus)
}

func TestCreateSubscriptionUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateSubscription(context.Background(), "ghost@example.com", models.PlanPro)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelSubscription(t *testing.T) {
	f := newFixture(t)
	f.seedSubscriber(t, "owner@example.com", "cus_1", models.PlanPro)
	ctx := context.Background()

	res, err := f.svc.CancelSubscription(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.Message)
	assert.Equal(t, []string{"sub_seed"}, f.provider.canceled)

	a, err := f.store.GetByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, a.Plan)
	assert.Equal(t, models.SubscriptionCanceled, a.SubscriptionStatus)
	assert.Nil(t, a.BillingSubscriptionID)
	require.NotNil(t, a.PeriodEnd)
	assert.Equal(t, testNow, *a.PeriodEnd)
	assert.Equal(t, "cus_1", a.CustomerID())
}

func TestCancelSubscriptionTwice(t *testing.T) {
	f := newFixture(t)
	f.seedSubscriber(t, "owner@example.com", "cus_1", models.PlanPremium)
	ctx := context.Background()

	_, err := f.svc.CancelSubscription(ctx, "owner@example.com")
	require.NoError(t, err)
	first, err := f.store.GetByEmail(ctx, "owner@example.com")
	require.NoError(t, err)

	later := testNow.Add(48 * time.Hour)
	f.svc.now = func() time.Time { return later }
	_, err = f.svc.CancelSubscription(ctx, "owner@example.com")
	require.NoError(t, err)
	second, err := f.store.GetByEmail(ctx, "owner@example.com")
	require.NoError(t, err)

	assert.Equal(t, billingState(first), billingState(second))
	assert.Len(t, f.provider.canceled, 1)
}

func TestCancelSubscriptionProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.seedSubscriber(t, "owner@example.com", "cus_1", models.PlanPro)
	f.provider.cancelErr = billing.ErrProvider
	ctx := context.Background()
	writes := f.store.Writes()

	_, err := f.svc.CancelSubscription(ctx, "owner@example.com")
	require.ErrorIs(t, err, billing.ErrProvider)

	a, err := f.store.GetByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, a.Plan)
	assert.Equal(t, models.SubscriptionActive, a.SubscriptionStatus)
	assert.Equal(t, writes, f.store.Writes())
}

func TestCancelSubscriptionAlreadyGoneAtProvider(t *testing.T) {
	f := newFixture(t)
	f.seedSubscriber(t, "owner@example.com", "cus_1", models.PlanPro)
	f.provider.cancelErr = billing.ErrSubscriptionMissing

	res, err := f.svc.CancelSubscription(context.Background(), "owner@example.com")
	require.NoError(t, err)
	assert.True(t, res.Success)

	a, err := f.store.GetByEmail(context.Background(), "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, a.SubscriptionStatus)
}

func TestCreatePortalSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, "owner@example.com", "correct-horse")
	require.NoError(t, err)

	_, err = f.svc.CreatePortalSession(ctx, "owner@example.com")
	assert.ErrorIs(t, err, ErrNoBillingCustomer)
	assert.Zero(t, f.provider.Calls())

	_, err = f.store.SetCustomerID(ctx, "owner@example.com", "cus_9")
	require.NoError(t, err)
	url, err := f.svc.CreatePortalSession(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.example.com/session/cus_9", url)
	assert.Equal(t, []string{"https://app.example.com/account"}, f.provider.portalURLs)
}

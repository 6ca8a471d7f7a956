package services

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelforge/billing/internal/db"
	"github.com/funnelforge/billing/internal/models"
)

// newPostgresStore needs TEST_DATABASE_URL pointing at a disposable database.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))
	return NewPostgresStore(pool)
}

func TestPostgresStoreSubscriptionLifecycle(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	email := uuid.NewString() + "@example.com"
	customerID := "cus_" + uuid.NewString()

	_, err := store.CreateAccount(ctx, email, "hash")
	require.NoError(t, err)
	_, err = store.CreateAccount(ctx, email, "hash")
	assert.ErrorIs(t, err, ErrEmailAlreadyExists)

	stored, err := store.SetCustomerID(ctx, email, customerID)
	require.NoError(t, err)
	assert.Equal(t, customerID, stored)
	stored, err = store.SetCustomerID(ctx, email, "cus_other")
	require.NoError(t, err)
	assert.Equal(t, customerID, stored)

	pending, err := store.RecordPendingSubscription(ctx, email, models.SubscriptionState{
		SubscriptionID: "sub_1", ItemID: "si_1",
		PeriodStart: testNow, PeriodEnd: testNow.AddDate(0, 1, 0),
		Status: models.SubscriptionIncomplete, Plan: models.PlanPremium,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, pending.Plan)

	later := testNow.AddDate(0, 2, 0)
	active, err := store.ApplySubscription(ctx, customerID, models.SubscriptionState{
		SubscriptionID: "sub_1", ItemID: "si_1",
		PeriodStart: testNow.AddDate(0, 1, 0), PeriodEnd: later,
		Status: models.SubscriptionActive, Plan: models.PlanPremium,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PlanPremium, active.Plan)

	stale, err := store.ApplySubscription(ctx, customerID, models.SubscriptionState{
		SubscriptionID: "sub_1", ItemID: "si_1",
		PeriodStart: testNow, PeriodEnd: testNow.AddDate(0, 1, 0),
		Status: models.SubscriptionActive, Plan: models.PlanPremium,
	})
	require.NoError(t, err)
	require.NotNil(t, stale.PeriodEnd)
	assert.True(t, later.Equal(*stale.PeriodEnd))

	declined, err := store.MarkDeclined(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionDeclined, declined.SubscriptionStatus)
	assert.Equal(t, models.PlanPremium, declined.Plan)

	reset, err := store.ResetToFreeByCustomer(ctx, customerID, testNow)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, reset.Plan)
	assert.Equal(t, models.SubscriptionCanceled, reset.SubscriptionStatus)
	assert.Nil(t, reset.BillingSubscriptionID)
	again, err := store.ResetToFreeByEmail(ctx, email, testNow.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.True(t, reset.PeriodEnd.Equal(*again.PeriodEnd))

	_, err = store.MarkDeclined(ctx, "cus_missing_"+uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreStorefront(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	email := uuid.NewString() + "@example.com"
	_, err := store.CreateAccount(ctx, email, "hash")
	require.NoError(t, err)

	a, err := store.SetStorefront(ctx, email, &models.StorefrontConnection{Domain: "shop.example.com", AdminToken: "tok"})
	require.NoError(t, err)
	require.NotNil(t, a.Storefront)
	assert.Equal(t, "tok", a.Storefront.AdminToken)

	a, err = store.SetStorefront(ctx, email, nil)
	require.NoError(t, err)
	assert.Nil(t, a.Storefront)
}

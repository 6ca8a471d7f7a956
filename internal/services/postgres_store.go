package services

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/funnelforge/billing/internal/models"
)

const accountColumns = `id, email, password_hash, plan, billing_customer_id, billing_subscription_id,
	billing_subscription_item_id, subscription_status, subscription_period_start, subscription_period_end,
	storefront_domain, storefront_admin_token, storefront_api_token, storefront_theme_id,
	storefront_api_key, storefront_secret_key, created_at, updated_at, last_login`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, email, passwordHash string) (models.Account, error) {
	account, err := scanAccount(s.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash, plan, subscription_status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+accountColumns,
		email, passwordHash, models.PlanFree, models.SubscriptionNone,
	))
	if isUniqueViolation(err) {
		return models.Account{}, ErrEmailAlreadyExists
	}
	return account, err
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

func (s *PostgresStore) GetByCustomerID(ctx context.Context, customerID string) (models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE billing_customer_id = $1`, customerID))
}

func (s *PostgresStore) SetCustomerID(ctx context.Context, email, customerID string) (string, error) {
	var stored string
	err := s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET billing_customer_id = COALESCE(billing_customer_id, $2),
			updated_at = CASE WHEN billing_customer_id IS NULL THEN NOW() ELSE updated_at END
		WHERE email = $1
		RETURNING billing_customer_id`, email, customerID,
	).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return stored, err
}

func (s *PostgresStore) RecordPendingSubscription(ctx context.Context, email string, state models.SubscriptionState) (models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET billing_subscription_id = $2,
			billing_subscription_item_id = $3,
			subscription_period_start = $4,
			subscription_period_end = $5,
			subscription_status = $6::text,
			plan = CASE WHEN $6::text = 'canceled' THEN 'free' ELSE plan END,
			updated_at = NOW()
		WHERE email = $1
		RETURNING `+accountColumns,
		email, nullableString(state.SubscriptionID), nullableString(state.ItemID),
		nullableTime(state.PeriodStart), nullableTime(state.PeriodEnd), string(state.Status),
	))
}

func (s *PostgresStore) ApplySubscription(ctx context.Context, customerID string, state models.SubscriptionState) (models.Account, error) {
	plan := models.EffectivePlan(state.Plan, state.Status)
	// SET expressions read the row as it was before the update.
	return scanAccount(s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET subscription_period_start = CASE WHEN `+keepPeriodSQL+` THEN subscription_period_start ELSE $4 END,
			subscription_period_end = CASE WHEN `+keepPeriodSQL+` THEN subscription_period_end ELSE $5 END,
			billing_subscription_id = $2::text,
			billing_subscription_item_id = $3,
			subscription_status = $6::text,
			plan = $7,
			updated_at = NOW()
		WHERE billing_customer_id = $1
		RETURNING `+accountColumns,
		customerID, nullableString(state.SubscriptionID), nullableString(state.ItemID),
		nullableTime(state.PeriodStart), nullableTime(state.PeriodEnd), string(state.Status), string(plan),
	))
}

const keepPeriodSQL = `(subscription_status = 'active' AND $6::text = 'active'
		AND billing_subscription_id = $2::text
		AND subscription_period_end IS NOT NULL
		AND subscription_period_end > COALESCE($5::timestamptz, '-infinity'::timestamptz))`

func (s *PostgresStore) MarkDeclined(ctx context.Context, customerID string) (models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET subscription_status = $2, updated_at = NOW()
		WHERE billing_customer_id = $1
		RETURNING `+accountColumns,
		customerID, models.SubscriptionDeclined,
	))
}

const resetToFreeSQL = `
		UPDATE accounts
		SET plan = 'free',
			subscription_period_end = CASE
				WHEN subscription_status = 'canceled' AND billing_subscription_id IS NULL
				THEN COALESCE(subscription_period_end, $2)
				ELSE $2
			END,
			subscription_status = 'canceled',
			billing_subscription_id = NULL,
			billing_subscription_item_id = NULL,
			updated_at = NOW()`

func (s *PostgresStore) ResetToFreeByCustomer(ctx context.Context, customerID string, now time.Time) (models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, resetToFreeSQL+`
		WHERE billing_customer_id = $1
		RETURNING `+accountColumns, customerID, now))
}

func (s *PostgresStore) ResetToFreeByEmail(ctx context.Context, email string, now time.Time) (models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, resetToFreeSQL+`
		WHERE email = $1
		RETURNING `+accountColumns, email, now))
}

func (s *PostgresStore) TouchLastLogin(ctx context.Context, email string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET last_login = $2 WHERE email = $1`, email, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetStorefront(ctx context.Context, email string, conn *models.StorefrontConnection) (models.Account, error) {
	var c models.StorefrontConnection
	if conn != nil {
		c = *conn
	}
	return scanAccount(s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET storefront_domain = $2,
			storefront_admin_token = $3,
			storefront_api_token = $4,
			storefront_theme_id = $5,
			storefront_api_key = $6,
			storefront_secret_key = $7,
			updated_at = NOW()
		WHERE email = $1
		RETURNING `+accountColumns,
		email, nullableString(c.Domain), nullableString(c.AdminToken), nullableString(c.StorefrontToken),
		nullableString(c.ThemeID), nullableString(c.APIKey), nullableString(c.SecretKey),
	))
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var (
		a                                                   models.Account
		domain, adminToken, apiToken, themeID, key, secret *string
	)
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Plan, &a.BillingCustomerID, &a.BillingSubscriptionID,
		&a.BillingSubscriptionItemID, &a.SubscriptionStatus, &a.PeriodStart, &a.PeriodEnd,
		&domain, &adminToken, &apiToken, &themeID, &key, &secret,
		&a.CreatedAt, &a.UpdatedAt, &a.LastLogin)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	if err != nil {
		return models.Account{}, err
	}
	if domain != nil {
		a.Storefront = &models.StorefrontConnection{
			Domain:          *domain,
			AdminToken:      deref(adminToken),
			StorefrontToken: deref(apiToken),
			ThemeID:         deref(themeID),
			APIKey:          deref(key),
			SecretKey:       deref(secret),
		}
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

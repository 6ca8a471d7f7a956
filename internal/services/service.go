package services

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/funnelforge/billing/internal/billing"
	"github.com/funnelforge/billing/internal/config"
	"github.com/funnelforge/billing/internal/eventlog"
	"github.com/funnelforge/billing/internal/models"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidPlan        = errors.New("plan must be pro or premium")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailAlreadyExists = errors.New("email already registered")
	ErrNoBillingCustomer  = errors.New("no billing customer for account")
	ErrAlreadySubscribed  = errors.New("account already has a live subscription, change plans in the billing portal")
	ErrForbidden          = errors.New("forbidden")
)

const minPasswordLength = 8

// Notifier 发送账单相关通知，失败不影响主流程
type Notifier interface {
	SendPaymentDeclined(ctx context.Context, to string) error
	SendSubscriptionEnded(ctx context.Context, to string) error
}

// EventParser 校验 webhook 签名并解析事件
type EventParser interface {
	Parse(payload []byte, signature string) (billing.Event, error)
}

type Service struct {
	store     AccountStore
	provider  billing.Provider
	events    EventParser
	ledger    eventlog.Ledger
	notifier  Notifier
	config    config.Config
	now       func() time.Time
	customers singleflight.Group
}

type Option func(*Service)

func WithLedger(l eventlog.Ledger) Option {
	return func(s *Service) { s.ledger = l }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store AccountStore, provider billing.Provider, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		store:    store,
		provider: provider,
		events:   billing.NewWebhookVerifier(cfg.StripeWebhookSecret),
		ledger:   eventlog.Noop{},
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func (s *Service) Register(ctx context.Context, email, password string) (models.Account, error) {
	email = normalizeEmail(email)
	if !validEmail(email) || len(password) < minPasswordLength {
		return models.Account{}, ErrInvalidRequest
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Account{}, err
	}
	account, err := s.store.CreateAccount(ctx, email, string(passwordHash))
	if err != nil {
		return models.Account{}, err
	}
	log.Info().Int64("account_id", account.ID).Msg("account registered")
	return account, nil
}

func (s *Service) Authenticate(ctx context.Context, email, password string) (models.Account, error) {
	email = normalizeEmail(email)
	account, err := s.store.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return models.Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return models.Account{}, ErrInvalidCredentials
	}
	now := s.now()
	if err := s.store.TouchLastLogin(ctx, email, now); err != nil {
		return models.Account{}, err
	}
	account.LastLogin = &now
	return account, nil
}

func (s *Service) GetAccount(ctx context.Context, email string) (models.Account, error) {
	return s.store.GetByEmail(ctx, normalizeEmail(email))
}

// ConnectStorefront 保存店铺集成凭据，不调用店铺 API
func (s *Service) ConnectStorefront(ctx context.Context, email string, conn models.StorefrontConnection) (models.Account, error) {
	conn.Domain = strings.TrimSpace(conn.Domain)
	if conn.Domain == "" || conn.AdminToken == "" {
		return models.Account{}, ErrInvalidRequest
	}
	return s.store.SetStorefront(ctx, normalizeEmail(email), &conn)
}

func (s *Service) DisconnectStorefront(ctx context.Context, email string) (models.Account, error) {
	return s.store.SetStorefront(ctx, normalizeEmail(email), nil)
}

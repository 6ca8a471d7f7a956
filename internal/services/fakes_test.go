package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/funnelforge/billing/internal/billing"
	"github.com/funnelforge/billing/internal/config"
	"github.com/funnelforge/billing/internal/models"
)

const testWebhookSecret = "whsec_services_test"

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	return config.Config{
		StripeSecretKey:      "sk_test",
		StripeWebhookSecret:  testWebhookSecret,
		StripePriceProID:     "price_pro",
		StripePricePremiumID: "price_premium",
		PublicURL:            "https://app.example.com/",
		JWTSecretKey:         "secret",
	}
}

type fakeProvider struct {
	mu            sync.Mutex
	calls         int
	customers     map[string]string
	customerCalls int
	subscriptions map[string]billing.Subscription
	active        map[string]billing.Subscription
	created       int
	canceled      []string
	portalURLs    []string
	err           error
	cancelErr     error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customers:     make(map[string]string),
		subscriptions: make(map[string]billing.Subscription),
		active:        make(map[string]billing.Subscription),
	}
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// CreateCustomer behaves like an idempotency-keyed create: one customer per email.
func (p *fakeProvider) CreateCustomer(ctx context.Context, email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.customerCalls++
	if p.err != nil {
		return "", p.err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if id, ok := p.customers[email]; ok {
		return id, nil
	}
	id := fmt.Sprintf("cus_%d", len(p.customers)+1)
	p.customers[email] = id
	return id, nil
}

func (p *fakeProvider) CreateSubscription(_ context.Context, customerID, priceID string, plan models.Plan) (billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return billing.Subscription{}, p.err
	}
	p.created++
	sub := billing.Subscription{
		ID:               fmt.Sprintf("sub_%d", p.created),
		CustomerID:       customerID,
		ItemID:           fmt.Sprintf("si_%d", p.created),
		PeriodStart:      testNow,
		PeriodEnd:        testNow.AddDate(0, 1, 0),
		ProviderStatus:   "incomplete",
		Status:           models.SubscriptionIncomplete,
		Plan:             plan,
		PlanFromMetadata: true,
		ClientSecret:     fmt.Sprintf("pi_%d_secret_%s", p.created, priceID),
	}
	p.subscriptions[sub.ID] = sub
	return sub, nil
}

func (p *fakeProvider) GetSubscription(_ context.Context, subscriptionID string) (billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return billing.Subscription{}, p.err
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return billing.Subscription{}, billing.ErrSubscriptionMissing
	}
	return sub, nil
}

func (p *fakeProvider) ActiveSubscription(_ context.Context, customerID string) (billing.Subscription, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return billing.Subscription{}, false, p.err
	}
	sub, ok := p.active[customerID]
	return sub, ok, nil
}

func (p *fakeProvider) CancelSubscription(_ context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.canceled = append(p.canceled, subscriptionID)
	return nil
}

func (p *fakeProvider) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	p.portalURLs = append(p.portalURLs, returnURL)
	return "https://billing.example.com/session/" + customerID, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	declined []string
	ended    []string
}

func (n *fakeNotifier) SendPaymentDeclined(_ context.Context, to string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.declined = append(n.declined, to)
	return nil
}

func (n *fakeNotifier) SendSubscriptionEnded(_ context.Context, to string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, to)
	return nil
}

type memoryLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *memoryLedger) Seen(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[id], nil
}

func (l *memoryLedger) Mark(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]bool)
	}
	l.seen[id] = true
	return nil
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	provider *fakeProvider
	notifier *fakeNotifier
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	f := fixture{
		store:    NewMemoryStore(),
		provider: newFakeProvider(),
		notifier: &fakeNotifier{},
	}
	f.store.now = func() time.Time { return testNow }
	opts = append([]Option{WithNotifier(f.notifier), WithClock(func() time.Time { return testNow })}, opts...)
	f.svc = New(f.store, f.provider, testConfig(), opts...)
	return f
}

// seedSubscriber creates an account with a billing customer and an active subscription.
func (f fixture) seedSubscriber(t *testing.T, email, customerID string, plan models.Plan) models.Account {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.CreateAccount(ctx, email, "hash")
	require.NoError(t, err)
	_, err = f.store.SetCustomerID(ctx, email, customerID)
	require.NoError(t, err)
	account, err := f.store.ApplySubscription(ctx, customerID, models.SubscriptionState{
		SubscriptionID: "sub_seed",
		ItemID:         "si_seed",
		PeriodStart:    testNow.AddDate(0, -1, 0),
		PeriodEnd:      testNow,
		Status:         models.SubscriptionActive,
		Plan:           plan,
	})
	require.NoError(t, err)
	return account
}

func signed(t *testing.T, id, kind, object string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":%s}}`, id, kind, object))
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

// billingState drops the fields every write touches so states can be compared.
func billingState(a models.Account) models.Account {
	a.UpdatedAt = time.Time{}
	return a
}

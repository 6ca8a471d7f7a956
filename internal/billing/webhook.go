package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

type Kind string

const (
	KindPaymentIntentSucceeded   Kind = "payment_intent.succeeded"
	KindCheckoutSessionCompleted Kind = "checkout.session.completed"
	KindInvoicePaymentSucceeded  Kind = "invoice.payment_succeeded"
	KindInvoicePaymentFailed     Kind = "invoice.payment_failed"
	KindSubscriptionUpdated      Kind = "customer.subscription.updated"
	KindSubscriptionDeleted      Kind = "customer.subscription.deleted"
)

// Event is one of the recognized webhook deliveries. The set is closed:
// only the types in this file implement it.
type Event interface {
	EventID() string
	Kind() Kind
	// CustomerID is the provider customer the event belongs to. Only
	// PaymentIntentSucceeded and CheckoutSessionCompleted may leave it empty,
	// for guest payments.
	CustomerID() string
	isEvent()
}

type envelope struct {
	ID       string
	Customer string
}

func (e envelope) EventID() string    { return e.ID }
func (e envelope) CustomerID() string { return e.Customer }
func (envelope) isEvent()             {}

type PaymentIntentSucceeded struct {
	envelope
	PaymentIntentID string
}

func (PaymentIntentSucceeded) Kind() Kind { return KindPaymentIntentSucceeded }

type CheckoutSessionCompleted struct {
	envelope
	SessionID string
	// SubscriptionID is empty for one-off payments.
	SubscriptionID string
}

func (CheckoutSessionCompleted) Kind() Kind { return KindCheckoutSessionCompleted }

type InvoicePaymentSucceeded struct {
	envelope
	InvoiceID string
	// SubscriptionID is empty for invoices not tied to a subscription.
	SubscriptionID string
}

func (InvoicePaymentSucceeded) Kind() Kind { return KindInvoicePaymentSucceeded }

type InvoicePaymentFailed struct {
	envelope
	InvoiceID      string
	SubscriptionID string
}

func (InvoicePaymentFailed) Kind() Kind { return KindInvoicePaymentFailed }

// SubscriptionUpdated carries the subscription object embedded in the event.
type SubscriptionUpdated struct {
	envelope
	Subscription Subscription
}

func (SubscriptionUpdated) Kind() Kind { return KindSubscriptionUpdated }

type SubscriptionDeleted struct {
	envelope
	SubscriptionID string
}

func (SubscriptionDeleted) Kind() Kind { return KindSubscriptionDeleted }

// UnsupportedEventError reports a verified delivery of a kind this service does not handle.
type UnsupportedEventError struct {
	ID   string
	Type string
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrUnsupportedEvent, e.Type, e.ID)
}

func (e *UnsupportedEventError) Unwrap() error { return ErrUnsupportedEvent }

// WebhookVerifier authenticates webhook deliveries with the endpoint secret.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Parse verifies the signature header and decodes the payload into an Event.
func (v *WebhookVerifier) Parse(payload []byte, signature string) (Event, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if ev.ID == "" || ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event without id or data", ErrInvalidPayload)
	}
	return decodeEvent(ev)
}

func decodeEvent(ev stripe.Event) (Event, error) {
	raw := ev.Data.Raw
	switch Kind(ev.Type) {
	case KindPaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := decode(raw, &pi); err != nil {
			return nil, err
		}
		return PaymentIntentSucceeded{envelope: guestEnvelope(ev.ID, pi.Customer), PaymentIntentID: pi.ID}, nil

	case KindCheckoutSessionCompleted:
		var sess stripe.CheckoutSession
		if err := decode(raw, &sess); err != nil {
			return nil, err
		}
		out := CheckoutSessionCompleted{envelope: guestEnvelope(ev.ID, sess.Customer), SessionID: sess.ID}
		if sess.Subscription != nil {
			out.SubscriptionID = sess.Subscription.ID
		}
		return out, nil

	case KindInvoicePaymentSucceeded, KindInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := decode(raw, &inv); err != nil {
			return nil, err
		}
		env, err := newEnvelope(ev.ID, inv.Customer)
		if err != nil {
			return nil, err
		}
		var subID string
		if inv.Subscription != nil {
			subID = inv.Subscription.ID
		}
		if Kind(ev.Type) == KindInvoicePaymentFailed {
			return InvoicePaymentFailed{envelope: env, InvoiceID: inv.ID, SubscriptionID: subID}, nil
		}
		return InvoicePaymentSucceeded{envelope: env, InvoiceID: inv.ID, SubscriptionID: subID}, nil

	case KindSubscriptionUpdated, KindSubscriptionDeleted:
		var sub stripe.Subscription
		if err := decode(raw, &sub); err != nil {
			return nil, err
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: %s without subscription id", ErrInvalidPayload, ev.Type)
		}
		env, err := newEnvelope(ev.ID, sub.Customer)
		if err != nil {
			return nil, err
		}
		if Kind(ev.Type) == KindSubscriptionDeleted {
			return SubscriptionDeleted{envelope: env, SubscriptionID: sub.ID}, nil
		}
		return SubscriptionUpdated{envelope: env, Subscription: subscriptionFromStripe(&sub)}, nil

	default:
		return nil, &UnsupportedEventError{ID: ev.ID, Type: string(ev.Type)}
	}
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

func newEnvelope(eventID string, customer *stripe.Customer) (envelope, error) {
	if customer == nil || customer.ID == "" {
		return envelope{}, fmt.Errorf("%w: event %s has no customer", ErrInvalidPayload, eventID)
	}
	return envelope{ID: eventID, Customer: customer.ID}, nil
}

// guestEnvelope accepts a missing customer.
func guestEnvelope(eventID string, customer *stripe.Customer) envelope {
	env := envelope{ID: eventID}
	if customer != nil {
		env.Customer = customer.ID
	}
	return env
}

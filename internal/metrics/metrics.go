package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts Stripe webhook deliveries by event kind and outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnelforge",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Stripe webhook deliveries by event kind and outcome.",
	}, []string{"kind", "outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "funnelforge",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// ProviderCallsTotal counts outbound Stripe API calls.
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnelforge",
		Subsystem: "billing",
		Name:      "provider_calls_total",
		Help:      "Stripe API calls by operation and outcome.",
	}, []string{"operation", "outcome"})

	// ProviderCallDuration tracks Stripe API latency.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "funnelforge",
		Subsystem: "billing",
		Name:      "provider_call_duration_seconds",
		Help:      "Stripe API call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// PlanMetadataMissing counts paid-looking subscriptions without a recognizable plan in metadata.
	PlanMetadataMissing = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "funnelforge",
		Subsystem: "billing",
		Name:      "plan_metadata_missing_total",
		Help:      "Subscriptions mirrored with status active or incomplete but no plan metadata.",
	})
)

const (
	OutcomeApplied   = "applied"
	OutcomeUnmatched = "unmatched"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"

	OutcomeOK    = "ok"
	OutcomeError = "error"
)

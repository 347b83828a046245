package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests in flight",
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Billing events received, by normalized kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	WebhookDeadLettersPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhook_dead_letters_pending",
			Help: "Dead-lettered billing events still eligible for replay",
		},
	)

	CodeRedemptionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "code_redemptions_total",
			Help: "Secret code redemption attempts, by result",
		},
		[]string{"result"},
	)

	StripeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stripe_requests_total",
			Help: "Stripe API calls, by operation and status",
		},
		[]string{"op", "status"},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backups_total",
			Help: "Encrypted database backups, by result",
		},
		[]string{"result"},
	)
)

// Register adds every collector to reg. Call once at startup. The default
// registerer already carries the Go and process collectors.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		WebhookEventsTotal,
		WebhookDeadLettersPending,
		CodeRedemptionsTotal,
		StripeRequestsTotal,
		BackupsTotal,
	)
}

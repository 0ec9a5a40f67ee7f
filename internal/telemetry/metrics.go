// Package telemetry holds the Prometheus metric vectors for the control
// plane, following wisbric-nightowl's internal/telemetry/metrics.go
// convention of package-level vectors registered once and scraped at
// /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of gateway proxy requests by capability and status.",
		},
		[]string{"capability", "provider", "status"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleet",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway proxy request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"capability", "provider"},
	)

	LedgerDebitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "ledger",
			Name:      "debits_total",
			Help:      "Total number of ledger debit operations by outcome.",
		},
		[]string{"outcome"},
	)

	LedgerCrossedZeroTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "ledger",
			Name:      "crossed_zero_total",
			Help:      "Total number of debits that crossed a tenant's balance through zero.",
		},
		[]string{"tenant"},
	)

	MeterEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "meter",
			Name:      "events_total",
			Help:      "Total number of meter events emitted by capability and provider.",
		},
		[]string{"capability", "provider"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Total number of ingested webhook events by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	WebhookPenaltyBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "webhook",
			Name:      "penalty_blocks_total",
			Help:      "Total number of requests rejected by the signature-failure IP penalty.",
		},
		[]string{"source"},
	)

	FleetDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet",
			Subsystem: "fleet",
			Name:      "node_dispatch_total",
			Help:      "Total number of node command dispatches by outcome.",
		},
		[]string{"command", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		GatewayRequestsTotal,
		GatewayRequestDuration,
		LedgerDebitsTotal,
		LedgerCrossedZeroTotal,
		MeterEventsTotal,
		WebhookEventsTotal,
		WebhookPenaltyBlocksTotal,
		FleetDispatchTotal,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the ingestion pipeline, reconciliation coordinator,
// and vendor client.
var (
	WebhookEventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_received_total",
			Help: "Total number of webhook events accepted by the ingestion pipeline",
		},
		[]string{"category"},
	)

	WebhookEventsDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_events_duplicate_total",
			Help: "Total number of webhook events ignored as duplicates",
		},
	)

	WebhookEventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_processed_total",
			Help: "Total number of webhook events processed by the coordinator, by outcome",
		},
		[]string{"outcome"},
	)

	OrphanEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orphan_events_total",
			Help: "Total number of events referencing unknown devices or orders",
		},
	)

	StaleEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_events_total",
			Help: "Total number of events superseded by a later-timestamped event",
		},
	)

	VendorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vendor_calls_total",
			Help: "Total number of outbound vendor API calls, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	VendorGateWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vendor_gate_wait_seconds",
			Help:    "Time spent waiting on the vendor rate gate before dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	IngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_ingest_duration_seconds",
			Help:    "Duration of inline webhook ingestion work (verify, dedup, persist)",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_event_duration_seconds",
			Help:    "Duration of coordinator processing per event",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)

// Register registers all metrics with the default registry. Safe to call once
// at startup.
func Register() {
	prometheus.MustRegister(
		WebhookEventsReceivedTotal,
		WebhookEventsDuplicateTotal,
		WebhookEventsProcessedTotal,
		OrphanEventsTotal,
		StaleEventsTotal,
		VendorCallsTotal,
		VendorGateWaitSeconds,
		IngestDuration,
		ReconcileDuration,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

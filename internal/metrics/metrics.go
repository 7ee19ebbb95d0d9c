// Package metrics provides Prometheus instrumentation for the moderation
// services. It exposes counters for scanned messages and committed
// actions, histograms for scan latency, and gauges for pending alerts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesScanned counts messages through the content filter, labeled
	// by result: "clean", "flagged", or "truncated".
	MessagesScanned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_messages_scanned_total",
		Help: "Messages scanned by the content filter",
	}, []string{"result"}) // result = "clean", "flagged", "truncated"

	// ScanLatency records normalize-plus-match latency in seconds.
	ScanLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_scan_latency_seconds",
		Help:    "Content scan (normalize + match) latency in seconds",
		Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
	})

	// AlertsPending tracks the current number of flagged events awaiting a
	// staff resolution.
	AlertsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_alerts_pending",
		Help: "Flagged events awaiting staff resolution",
	})

	// ActionsTotal counts committed moderation actions, labeled by kind.
	ActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_actions_total",
		Help: "Total committed moderation actions",
	}, []string{"kind"})

	// DeliveryRetries counts platform delivery retry attempts.
	DeliveryRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_delivery_retries_total",
		Help: "Total platform delivery retry attempts",
	})

	// VerificationsTotal counts verification token events, labeled by
	// outcome: "issued", "verified", "expired", "replayed", "superseded",
	// "invalid", or "challenge_failed".
	VerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_verifications_total",
		Help: "Total verification token events",
	}, []string{"outcome"})

	// BlocklistTerms tracks the term count of the active blocklist snapshot.
	BlocklistTerms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_blocklist_terms",
		Help: "Terms in the active blocklist snapshot",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesScanned,
		ScanLatency,
		AlertsPending,
		ActionsTotal,
		DeliveryRetries,
		VerificationsTotal,
		BlocklistTerms,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes the Prometheus instrumentation for the decision
// engine and the live feed.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors. Use Default(); collectors register against
// the default registry exactly once per process.
type Metrics struct {
	// ScansTotal counts concluded decisions by outcome and reason code.
	ScansTotal *prometheus.CounterVec

	// DecisionDuration tracks end-to-end decision latency in seconds, from
	// debounce check to committed transition.
	DecisionDuration prometheus.Histogram

	// ZoneOccupancy mirrors the current occupancy per zone.
	ZoneOccupancy *prometheus.GaugeVec

	// FeedClients tracks connected websocket dashboard clients.
	FeedClients prometheus.Gauge

	// IngressFramesTotal counts TCP frames by disposition (scan, heartbeat,
	// dropped_unknown_device, dropped_bad_kind).
	IngressFramesTotal *prometheus.CounterVec
}

var (
	once sync.Once
	def  *Metrics
)

// Default returns the process-wide metrics set.
func Default() *Metrics {
	once.Do(func() {
		def = &Metrics{
			ScansTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parkos_scans_total",
					Help: "Concluded access decisions by outcome and reason",
				},
				[]string{"outcome", "reason"},
			),
			DecisionDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "parkos_decision_duration_seconds",
					Help:    "End-to-end access decision latency",
					Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
				},
			),
			ZoneOccupancy: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "parkos_zone_occupancy",
					Help: "Current occupancy per zone",
				},
				[]string{"zone"},
			),
			FeedClients: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "parkos_feed_clients",
					Help: "Connected live-feed websocket clients",
				},
			),
			IngressFramesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parkos_ingress_frames_total",
					Help: "TCP ingress frames by disposition",
				},
				[]string{"disposition"},
			),
		}
	})
	return def
}

// RecordDecision updates the scan counter for one concluded decision.
func (m *Metrics) RecordDecision(granted bool, reason string) {
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	m.ScansTotal.WithLabelValues(outcome, reason).Inc()
}

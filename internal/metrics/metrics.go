// Package metrics exposes the gateway's observability counters. The admin
// plane serves them at /metrics.
package metrics

import (
	"net/http"
)

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DecisionsTotal counts terminal data-plane decisions by outcome.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixiu_gateway",
		Name:      "decisions_total",
		Help:      "Terminal request decisions by outcome.",
	}, []string{"outcome"})

	// StoreErrorsTotal counts shared-state failures by operation.
	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pixiu_gateway",
		Name:      "store_errors_total",
		Help:      "Shared-state store failures by operation.",
	}, []string{"op"})

	// FailOpenTotal counts requests admitted because a critical counter
	// read failed.
	FailOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pixiu_gateway",
		Name:      "fail_open_total",
		Help:      "Requests allowed because the counter store was unreadable.",
	})

	// QueueGauges tracks the number of live queue-depth entries.
	QueueGauges = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixiu_gateway",
		Name:      "queue_gauges",
		Help:      "Live per-(rule,identifier) queue depth gauges.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

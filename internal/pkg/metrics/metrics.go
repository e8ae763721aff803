// Package metrics exposes engine counters in Prometheus format.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "panelfox"

var (
	registry     = prometheus.NewRegistry()
	registerOnce sync.Once

	// LedgerMutations counts balance changes by action and reason.
	LedgerMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_mutations_total",
			Help:      "Balance debits and credits applied by the ledger",
		},
		[]string{"action", "reason"},
	)

	OrdersPlaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the placement service",
		},
	)

	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions",
		},
		[]string{"to"},
	)

	Refunds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_refunds_total",
			Help:      "Settled order refunds by resulting status",
		},
		[]string{"status"},
	)

	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider adapter calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	CatalogEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_events_total",
			Help:      "Catalog journal entries written by type",
		},
		[]string{"type"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of background sweeps",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)
)

// Register adds the engine collectors plus Go runtime collectors to the registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		registry.MustRegister(
			LedgerMutations,
			OrdersPlaced,
			OrderTransitions,
			Refunds,
			ProviderCalls,
			CatalogEvents,
			SweepDuration,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Outcome labels a provider call result.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

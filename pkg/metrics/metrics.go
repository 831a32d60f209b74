// Package metrics holds the Prometheus collectors shared by the engine and
// live data services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskgraph"

var (
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livedata",
			Name:      "ticks_total",
			Help:      "Ticks received from the feed by outcome",
		},
		[]string{"result"},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "livedata",
			Name:      "active_subscriptions",
			Help:      "Live data keys with at least one subscriber",
		},
	)

	SnapshotsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livedata",
			Name:      "snapshots_total",
			Help:      "Market data snapshots initialized",
		},
	)

	SnapshotMissingTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "livedata",
			Name:      "snapshot_missing_values_total",
			Help:      "Values requested by a snapshot that were not available when it froze",
		},
	)

	CacheFieldsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fields_total",
			Help:      "Field lookups served by the escalating cache by outcome",
		},
		[]string{"cache", "result"},
	)

	CacheProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "provider_calls_total",
			Help:      "Batched calls made to the underlying provider",
		},
		[]string{"cache", "result"},
	)

	CompileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "compile_duration_seconds",
			Help:      "Time to compile one calculation configuration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"view", "config"},
	)

	CompileFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "unsatisfied_outputs_total",
			Help:      "Terminal outputs that could not be satisfied",
		},
		[]string{"reason"},
	)

	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "node_evaluations_total",
			Help:      "Graph node evaluations by outcome",
		},
		[]string{"result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

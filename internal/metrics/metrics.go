// Package metrics exposes Prometheus collectors for the sync and query
// cores, following the teacher's pkg/metrics: a package-level registry,
// pre-declared vectors for the counters/histograms the spec calls out
// (§4.10 "Metrics"), and a passive HTTP handler — no push gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cascadeql"

var (
	// Registry holds this module's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	recordsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_processed_total",
			Help:      "Total number of records fetched from upstream per model.",
		},
		[]string{"model"},
	)

	recordsEmbedded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_embedded_total",
			Help:      "Total number of records successfully upserted into the vector sink.",
		},
		[]string{"model"},
	)

	recordsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_failed_total",
			Help:      "Total number of records that failed embedding or upsert and were routed to the DLQ.",
		},
		[]string{"model", "stage"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "model_duration_seconds",
			Help:      "Wall-clock duration of a single model's sync.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"model", "sync_type"},
	)

	adapterDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "call_duration_seconds",
			Help:      "Duration of a single external adapter call (extract/embed/upsert/scroll).",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"adapter", "outcome"},
	)

	circuitStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "circuit_state_changes_total",
			Help:      "Circuit breaker state transitions.",
		},
		[]string{"breaker", "from", "to"},
	)

	validationIntegrity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "integrity_score",
			Help:      "Most recent FK validation integrity score per model.",
		},
		[]string{"model"},
	)

	dlqDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "depth",
			Help:      "Current number of entries in the dead-letter queue.",
		},
	)
)

func init() {
	Registry.MustRegister(
		recordsProcessed,
		recordsEmbedded,
		recordsFailed,
		syncDuration,
		adapterDuration,
		circuitStateChanges,
		validationIntegrity,
		dlqDepth,
	)
}

// Handler returns the passive Prometheus scrape handler for this registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordsProcessed increments the per-model records-fetched counter.
func RecordsProcessed(model string, n int) {
	if n <= 0 {
		return
	}
	recordsProcessed.WithLabelValues(model).Add(float64(n))
}

// RecordsEmbedded increments the per-model records-upserted counter.
func RecordsEmbedded(model string, n int) {
	if n <= 0 {
		return
	}
	recordsEmbedded.WithLabelValues(model).Add(float64(n))
}

// RecordsFailed increments the per-model, per-stage DLQ counter.
func RecordsFailed(model, stage string, n int) {
	if n <= 0 {
		return
	}
	recordsFailed.WithLabelValues(model, stage).Add(float64(n))
}

// ObserveSyncDuration records how long a model's sync took.
func ObserveSyncDuration(model, syncType string, d time.Duration) {
	syncDuration.WithLabelValues(model, syncType).Observe(d.Seconds())
}

// ObserveAdapterCall records the duration and outcome of one adapter call.
func ObserveAdapterCall(adapter, outcome string, d time.Duration) {
	adapterDuration.WithLabelValues(adapter, outcome).Observe(d.Seconds())
}

// RecordCircuitStateChange records a breaker transition.
func RecordCircuitStateChange(breaker, from, to string) {
	circuitStateChanges.WithLabelValues(breaker, from, to).Inc()
}

// SetValidationIntegrity records the latest integrity score for a model.
func SetValidationIntegrity(model string, score float64) {
	validationIntegrity.WithLabelValues(model).Set(score)
}

// SetDLQDepth records the current DLQ size.
func SetDLQDepth(n int) {
	dlqDepth.Set(float64(n))
}

// Package metrics exposes replication counters via Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all metrics for a replica node.
type Collector struct {
	// Delta pipeline
	DeltasApplied   *prometheus.CounterVec
	DeltasPending   *prometheus.GaugeVec
	DeltasRejected  *prometheus.CounterVec
	ApplyDuration   *prometheus.HistogramVec
	DeltasBroadcast *prometheus.CounterVec

	// Bootstrap
	BootstrapAttempts  *prometheus.CounterVec
	BootstrapFailures  *prometheus.CounterVec
	BootstrapCancelled *prometheus.CounterVec

	// Faults
	DivergenceFaults  *prometheus.CounterVec
	SignatureFailures *prometheus.CounterVec

	// Events
	EventsDispatched *prometheus.CounterVec
}

// NewCollector registers the replica metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func NewCollector(reg prometheus.Registerer, nodeID string) *Collector {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"node": nodeID}

	return &Collector{
		DeltasApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "synclave_deltas_applied_total",
			Help:        "Deltas merged into local state, by context.",
			ConstLabels: constLabels,
		}, []string{"context"}),
		DeltasPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "synclave_deltas_pending",
			Help:        "Deltas parked awaiting missing parents, by context.",
			ConstLabels: constLabels,
		}, []string{"context"}),
		DeltasRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "synclave_deltas_rejected_total",
			Help:        "Deltas dropped before merge, by context and reason.",
			ConstLabels: constLabels,
		}, []string{"context", "reason"}),
		ApplyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "synclave_apply_duration_seconds",
			Help:        "Time to merge one delta including root hash recompute.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"context"}),
		DeltasBroadcast: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "synclave_deltas_broadcast_total",
			Help:        "Locally authored deltas published to peers, by context.",
			ConstLabels: constLabels,
		}, []string{"context"}),
		BootstrapAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "synclave_bootstrap_attempts_total",
			Help:        "Snapshot bootstrap attempts, by context.",
			ConstLabels: constLabels,
		}, []string{"context"}),
		BootstrapFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "synclave_bootstrap_failures_total",
			Help:        "Bootstrap rounds that exhausted all peers, by context.",
			ConstLabels: constLabels,
		}, []string{"context"}),
		BootstrapCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "synclave_bootstrap_cancelled_total",
			Help:        "Bootstraps superseded by direct delta application.",
			ConstLabels: constLabels,
		}, []string{"context"}),
		DivergenceFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "synclave_divergence_faults_total",
			Help:        "Unrecoverable root hash divergences, by context.",
			ConstLabels: constLabels,
		}, []string{"context"}),
		SignatureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "synclave_signature_failures_total",
			Help:        "Deltas dropped for bad signatures, by context.",
			ConstLabels: constLabels,
		}, []string{"context"}),
		EventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "synclave_events_dispatched_total",
			Help:        "Remote events handed to subscribers, by context.",
			ConstLabels: constLabels,
		}, []string{"context"}),
	}
}

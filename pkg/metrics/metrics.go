// Copyright 2025 Certen Protocol
//
// Prometheus collectors for the vApp engine

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the collectors for the engine.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// Intake
	TransactionsSubmitted prometheus.Counter

	// Batch pipeline
	BatchesCreated     *prometheus.CounterVec // labeled by trigger source
	NullifiersInserted prometheus.Counter
	ClaimConflicts     prometheus.Counter
	BatchDuration      prometheus.Histogram

	// Prover handoff
	ProverSubmissions *prometheus.CounterVec // labeled by outcome

	// Tree state
	TreeActive     prometheus.Gauge
	PendingBatches prometheus.Gauge
}

// New creates a metrics set on a fresh registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		TransactionsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_submitted_total",
			Help:      "Transactions accepted by intake.",
		}),
		BatchesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_created_total",
			Help:      "Batches sealed by the orchestrator.",
		}, []string{"trigger"}),
		NullifiersInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nullifiers_inserted_total",
			Help:      "Nullifiers inserted into the indexed merkle tree.",
		}),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Lock or serialization conflicts retried by the orchestrator.",
		}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_pipeline_duration_seconds",
			Help:      "Wall time from claim to commit for one batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		ProverSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prover_submissions_total",
			Help:      "Prover handoff attempts by outcome.",
		}, []string{"outcome"}),
		TreeActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tree_active_nullifiers",
			Help:      "Active nullifier count, genesis included.",
		}),
		PendingBatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_batches",
			Help:      "Batches awaiting a proof.",
		}),
	}
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// embedAttempts counts calls to the embedding provider.
	// Labels: result (ok, error)
	embedAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nim_notes",
			Subsystem: "memory",
			Name:      "embed_attempts_total",
			Help:      "Total number of embedding provider calls by result",
		},
		[]string{"result"},
	)

	// recordOps counts Manager operations.
	// Labels: op (create, confirm, correct), result (ok, error)
	recordOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nim_notes",
			Subsystem: "memory",
			Name:      "record_operations_total",
			Help:      "Total number of record operations by operation and result",
		},
		[]string{"op", "result"},
	)

	// compensations counts writes rolled back because indexing failed.
	compensations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nim_notes",
			Subsystem: "memory",
			Name:      "compensations_total",
			Help:      "Total number of records rolled back after an index failure",
		},
	)

	// orphansSwept counts provisional records removed by the sweeper.
	orphansSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nim_notes",
			Subsystem: "memory",
			Name:      "orphans_swept_total",
			Help:      "Total number of undelivered records deleted by the sweeper",
		},
	)

	// searchResults tracks how many results a search returns.
	searchResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nim_notes",
			Subsystem: "memory",
			Name:      "search_results",
			Help:      "Number of results returned per search",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)

	// approvals counts how approval markers end.
	// Labels: outcome (resolved, expired, stale)
	approvals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nim_notes",
			Subsystem: "memory",
			Name:      "approvals_total",
			Help:      "Total number of approval markers by outcome",
		},
		[]string{"outcome"},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

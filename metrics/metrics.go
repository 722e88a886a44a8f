// Package metrics provides Prometheus metrics for the call queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cati"

var (
	// ClaimsTotal counts dispatcher claims by result (claimed, empty, error).
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "claims_total",
			Help:      "Total number of claim attempts by result",
		},
		[]string{"result"},
	)

	// OutcomesTotal counts reported outcomes by outcome kind and result.
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "outcomes_total",
			Help:      "Total number of reported outcomes by kind and result",
		},
		[]string{"outcome", "result"},
	)

	// ReclaimedTotal counts entries reclaimed from expired leases by the
	// resulting status.
	ReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "reclaimed_total",
			Help:      "Total number of expired leases reclaimed by resulting status",
		},
		[]string{"status"},
	)

	// SweepDuration tracks reaper sweep duration in seconds.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of reaper sweeps in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	// IngestedRowsTotal counts ingested rows by result (inserted, duplicate,
	// rejected).
	IngestedRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_total",
			Help:      "Total number of ingested contact rows by result",
		},
		[]string{"result"},
	)

	// ReconciledTotal counts rows fixed by the reconciliation job.
	ReconciledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "exhausted_total",
			Help:      "Total number of over-limit entries moved to exhausted by reconciliation",
		},
	)

	// DuplicateKeys is the number of duplicate (survey, dedup key) pairs seen
	// by the last reconciliation run.
	DuplicateKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duplicate_keys",
			Help:      "Duplicate dedup keys found by the last reconciliation run",
		},
	)
)

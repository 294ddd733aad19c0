package vectorindex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Documents tracks the number of vectors in the active generation.
	Documents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memsync",
			Subsystem: "index",
			Name:      "documents",
			Help:      "Vectors in the active index generation",
		},
	)

	// Rebuilds counts full rebuilds.
	// Labels: result (success, error)
	Rebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memsync",
			Subsystem: "index",
			Name:      "rebuilds_total",
			Help:      "Total number of index rebuilds by result",
		},
		[]string{"result"},
	)

	// RebuildDuration tracks how long rebuilds take.
	RebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "memsync",
			Subsystem: "index",
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of index rebuilds in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	// DriftDetected counts verifications that found drift.
	DriftDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memsync",
			Subsystem: "index",
			Name:      "drift_detected_total",
			Help:      "Verifications that found the index diverged from the local store",
		},
	)

	// QueuedMutations counts incremental changes replayed after a rebuild swap.
	QueuedMutations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memsync",
			Subsystem: "index",
			Name:      "queued_mutations_total",
			Help:      "Incremental mutations queued during a rebuild and replayed after the swap",
		},
	)
)

package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memsync",
		Subsystem: "sync",
		Name:      "cycles_total",
		Help:      "Sync cycles by outcome",
	}, []string{"outcome"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "memsync",
		Subsystem: "sync",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of sync cycles",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	recordsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memsync",
		Subsystem: "sync",
		Name:      "records_applied_total",
		Help:      "Remote records applied to the local store",
	})

	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memsync",
		Subsystem: "sync",
		Name:      "conflicts_total",
		Help:      "Conflicting edits resolved, by winning side",
	}, []string{"winner"})

	pushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memsync",
		Subsystem: "sync",
		Name:      "pushed_records_total",
		Help:      "Local records offered to the remote, by verdict",
	}, []string{"result"})

	purgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memsync",
		Subsystem: "sync",
		Name:      "purged_tombstones_total",
		Help:      "Tombstones physically removed from the local store",
	})

	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "memsync",
		Subsystem: "sync",
		Name:      "state",
		Help:      "1 for the current engine state, 0 otherwise",
	}, []string{"state"})
)

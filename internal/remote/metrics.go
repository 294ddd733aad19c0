package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HubPushes counts pushed records by verdict ("accepted" or a reject reason).
	HubPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memsync",
		Subsystem: "hub",
		Name:      "pushed_records_total",
		Help:      "Records offered to the hub, by verdict",
	}, []string{"result"})

	// HubPulled counts records served to devices.
	HubPulled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memsync",
		Subsystem: "hub",
		Name:      "pulled_records_total",
		Help:      "Records served to pulling devices",
	})

	// HubEvictions counts devices removed by a tier change.
	HubEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memsync",
		Subsystem: "hub",
		Name:      "device_evictions_total",
		Help:      "Devices evicted because the account tier shrank",
	})

	// ClientRequestDuration times remote calls made by devices.
	ClientRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "memsync",
		Subsystem: "remote",
		Name:      "request_duration_seconds",
		Help:      "Remote store request latency by operation and outcome",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	// Notifications counts change notifications by outcome.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memsync",
		Subsystem: "hub",
		Name:      "notifications_total",
		Help:      "Change notifications published, by outcome",
	}, []string{"result"})
)

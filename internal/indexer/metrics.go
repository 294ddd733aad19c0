package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsTotal counts ingested source items.
	// Labels: source, result (ingested, skipped, failed, removed)
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memsync",
			Subsystem: "indexer",
			Name:      "items_total",
			Help:      "Source items processed by result",
		},
		[]string{"source", "result"},
	)

	// RecordsWritten counts store writes made by ingestion.
	// Labels: op (put, tombstone)
	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memsync",
			Subsystem: "indexer",
			Name:      "records_written_total",
			Help:      "Records written or tombstoned by ingestion",
		},
		[]string{"op"},
	)

	// SecretsRedacted counts secrets removed from ingested content.
	SecretsRedacted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memsync",
			Subsystem: "indexer",
			Name:      "secrets_redacted_total",
			Help:      "Secrets redacted from ingested content",
		},
	)

	// IngestDuration tracks the duration of a full source run.
	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memsync",
			Subsystem: "indexer",
			Name:      "run_duration_seconds",
			Help:      "Duration of a source ingestion run",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"source"},
	)
)

// Package metrics exposes the aggregator's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dappscope"

// Ingestion
var (
	// EventsTotal counts ingested events by kind and outcome (applied/duplicate/invalid/failed).
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events ingested, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time to apply one event to the aggregates",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"kind"},
	)

	// EntitiesCreated counts get-or-create calls that actually created.
	EntitiesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_created_total",
			Help:      "Aggregates created, by entity kind",
		},
		[]string{"entity"},
	)
)

// Snapshots and the live window
var (
	SnapshotsBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_built_total",
			Help:      "Daily snapshot builds, by result",
		},
		[]string{"result"},
	)

	RealtimeActiveUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_active_users",
			Help:      "Distinct wallets seen in the trailing window",
		},
	)

	RealtimeEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_events",
			Help:      "Events in the trailing window",
		},
	)
)

func RecordEvent(kind, outcome string, elapsed time.Duration) {
	EventsTotal.WithLabelValues(kind, outcome).Inc()
	if outcome == "applied" {
		IngestDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

func RecordCreated(entity string) {
	EntitiesCreated.WithLabelValues(entity).Inc()
}

func RecordSnapshot(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SnapshotsBuilt.WithLabelValues(result).Inc()
}

func RecordRealtime(activeUsers, events uint64) {
	RealtimeActiveUsers.Set(float64(activeUsers))
	RealtimeEvents.Set(float64(events))
}

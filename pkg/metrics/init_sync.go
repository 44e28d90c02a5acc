package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSyncMetrics() {
	r.SyncOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_sync_operations_total",
			Help: "Total number of sync operations",
		},
		[]string{"role", "strategy", "status"}, // role: initiator, responder, receiver
	)

	r.SyncDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphsync_sync_duration_seconds",
			Help:    "Sync operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"role", "strategy"},
	)

	r.SyncFallbacksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_sync_fallbacks_total",
			Help: "Incremental requests answered with a full payload",
		},
		[]string{"reason"},
	)

	r.SyncEntitiesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_sync_entities_total",
			Help: "Entities processed while applying payloads",
		},
		[]string{"entity", "outcome"}, // outcome: applied, skipped, merged, rejected
	)

	r.SyncConflictsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_sync_conflicts_total",
			Help: "Conflicts detected and resolved",
		},
		[]string{"type", "rule"},
	)

	r.SyncPayloadEntities = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphsync_sync_payload_entities",
			Help:    "Entities carried by a sync payload",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"direction", "strategy"}, // sent, received
	)

	r.SyncLastSuccess = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphsync_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful sync per graph",
		},
		[]string{"graph"},
	)

	r.ChangelogAppendsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_changelog_appends_total",
			Help: "Changelog entries appended",
		},
		[]string{"entity", "operation"},
	)

	r.ChangelogPrunedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "graphsync_changelog_pruned_total",
			Help: "Changelog entries removed by retention",
		},
	)

	r.LocalMutationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_local_mutations_total",
			Help: "Local graph mutations",
		},
		[]string{"entity", "operation"},
	)
}

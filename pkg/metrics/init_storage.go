package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStoreMetrics() {
	r.StoreTransactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_store_transactions_total",
			Help: "Total number of store transactions",
		},
		[]string{"mode", "status"}, // view|update, committed|rolled_back
	)

	r.StoreTransactionDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphsync_store_transaction_duration_seconds",
			Help:    "Store transaction duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"mode"},
	)

	r.StoreNodesTotal = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "graphsync_store_live_nodes",
			Help: "Live nodes in a session as of its last sync",
		},
		[]string{"session"},
	)
}

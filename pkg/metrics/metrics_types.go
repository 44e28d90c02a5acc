package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// HTTP Metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Store Metrics
	StoreTransactionsTotal   *prometheus.CounterVec
	StoreTransactionDuration *prometheus.HistogramVec
	StoreNodesTotal          *prometheus.GaugeVec

	// Sync Metrics
	SyncOperationsTotal   *prometheus.CounterVec
	SyncDuration          *prometheus.HistogramVec
	SyncFallbacksTotal    *prometheus.CounterVec
	SyncEntitiesTotal     *prometheus.CounterVec
	SyncConflictsTotal    *prometheus.CounterVec
	SyncPayloadEntities   *prometheus.HistogramVec
	SyncLastSuccess       *prometheus.GaugeVec
	ChangelogAppendsTotal *prometheus.CounterVec
	ChangelogPrunedTotal  prometheus.Counter
	LocalMutationsTotal   *prometheus.CounterVec

	// Transport Metrics
	TransportRequestsTotal   *prometheus.CounterVec
	TransportRequestDuration *prometheus.HistogramVec
	TransportBytesTotal      *prometheus.CounterVec

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initHTTPMetrics()
	r.initStoreMetrics()
	r.initSyncMetrics()
	r.initTransportMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

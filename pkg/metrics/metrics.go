package metrics

import (
	"runtime"
	"time"
)

// Label values shared with callers
const (
	StatusSuccess = "success"
	StatusError   = "error"

	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// StatusOf maps an error to a status label
func StatusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordHTTPRequest records an HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordStoreTransaction records a store transaction
func (r *Registry) RecordStoreTransaction(mode string, err error, duration time.Duration) {
	status := "committed"
	if err != nil {
		status = "rolled_back"
	}
	r.StoreTransactionsTotal.WithLabelValues(mode, status).Inc()
	r.StoreTransactionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordSync records one sync operation from the given role's side
func (r *Registry) RecordSync(role, strategy string, err error, duration time.Duration) {
	r.SyncOperationsTotal.WithLabelValues(role, strategy, StatusOf(err)).Inc()
	r.SyncDuration.WithLabelValues(role, strategy).Observe(duration.Seconds())
}

// RecordSyncSuccess stamps the last successful sync of a graph
func (r *Registry) RecordSyncSuccess(graph string, at time.Time) {
	r.SyncLastSuccess.WithLabelValues(graph).Set(float64(at.Unix()))
}

// RecordFallback records an incremental request answered in full
func (r *Registry) RecordFallback(reason string) {
	r.SyncFallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordEntities adds n entities with the given outcome
func (r *Registry) RecordEntities(entity, outcome string, n int) {
	if n > 0 {
		r.SyncEntitiesTotal.WithLabelValues(entity, outcome).Add(float64(n))
	}
}

// RecordConflict records a resolved conflict
func (r *Registry) RecordConflict(conflictType, rule string) {
	r.SyncConflictsTotal.WithLabelValues(conflictType, rule).Inc()
}

// RecordPayload records the size of a payload sent or received
func (r *Registry) RecordPayload(direction, strategy string, entities int) {
	r.SyncPayloadEntities.WithLabelValues(direction, strategy).Observe(float64(entities))
}

// RecordLocalMutation records a local mutation and its changelog append
func (r *Registry) RecordLocalMutation(entity, operation string) {
	r.LocalMutationsTotal.WithLabelValues(entity, operation).Inc()
	r.ChangelogAppendsTotal.WithLabelValues(entity, operation).Inc()
}

// RecordChangelogAppend records a changelog entry written outside a local
// mutation, such as a relayed remote change
func (r *Registry) RecordChangelogAppend(entity, operation string) {
	r.ChangelogAppendsTotal.WithLabelValues(entity, operation).Inc()
}

// RecordPrune records changelog retention
func (r *Registry) RecordPrune(n int) {
	if n > 0 {
		r.ChangelogPrunedTotal.Add(float64(n))
	}
}

// SetLiveNodes sets the live node gauge of a session
func (r *Registry) SetLiveNodes(session string, n int) {
	r.StoreNodesTotal.WithLabelValues(session).Set(float64(n))
}

// RecordTransportRequest records a protocol request on the client or server side
func (r *Registry) RecordTransportRequest(side, messageType, status string, duration time.Duration) {
	r.TransportRequestsTotal.WithLabelValues(side, messageType, status).Inc()
	r.TransportRequestDuration.WithLabelValues(side, messageType).Observe(duration.Seconds())
}

// RecordTransportBytes records encoded bytes sent or received
func (r *Registry) RecordTransportBytes(direction string, n int) {
	r.TransportBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// UpdateSystemMetrics refreshes the process gauges
func (r *Registry) UpdateSystemMetrics(startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r.UptimeSeconds.Set(time.Since(startedAt).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(ms.Alloc))
	r.MemorySysBytes.Set(float64(ms.Sys))
}

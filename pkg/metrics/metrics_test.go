package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	if r.SyncOperationsTotal == nil {
		t.Error("SyncOperationsTotal not initialized")
	}
	if r.StoreTransactionsTotal == nil {
		t.Error("StoreTransactionsTotal not initialized")
	}
	if r.TransportRequestsTotal == nil {
		t.Error("TransportRequestsTotal not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefaultRegistry(t *testing.T) {
	r1 := DefaultRegistry()
	r2 := DefaultRegistry()

	if r1 != r2 {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	a.RecordPrune(3)

	if v := counterValue(t, b.ChangelogPrunedTotal); v != 0 {
		t.Errorf("Second registry saw %v pruned entries, want 0", v)
	}
}

func TestRecordSync(t *testing.T) {
	r := NewRegistry()

	r.RecordSync("initiator", "incremental", nil, 10*time.Millisecond)
	r.RecordSync("initiator", "incremental", nil, 20*time.Millisecond)
	r.RecordSync("initiator", "full", errors.New("boom"), time.Millisecond)

	ok, err := r.SyncOperationsTotal.GetMetricWithLabelValues("initiator", "incremental", StatusSuccess)
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}
	if v := counterValue(t, ok); v != 2 {
		t.Errorf("Success counter = %v, want 2", v)
	}

	failed, err := r.SyncOperationsTotal.GetMetricWithLabelValues("initiator", "full", StatusError)
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}
	if v := counterValue(t, failed); v != 1 {
		t.Errorf("Error counter = %v, want 1", v)
	}
}

func TestRecordEntitiesAndConflicts(t *testing.T) {
	r := NewRegistry()

	r.RecordEntities("node", "applied", 5)
	r.RecordEntities("node", "applied", 0)
	r.RecordEntities("edge", "rejected", 2)
	r.RecordConflict("concurrent_update", "higher_instance_id")

	tests := []struct {
		name     string
		counter  prometheus.Counter
		expected float64
	}{
		{"applied nodes", r.SyncEntitiesTotal.WithLabelValues("node", "applied"), 5},
		{"rejected edges", r.SyncEntitiesTotal.WithLabelValues("edge", "rejected"), 2},
		{"conflicts", r.SyncConflictsTotal.WithLabelValues("concurrent_update", "higher_instance_id"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := counterValue(t, tt.counter); v != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, v, tt.expected)
			}
		})
	}
}

func TestRecordLocalMutationCountsAppend(t *testing.T) {
	r := NewRegistry()
	r.RecordLocalMutation("node", "create")
	r.RecordChangelogAppend("node", "create")

	if v := counterValue(t, r.LocalMutationsTotal.WithLabelValues("node", "create")); v != 1 {
		t.Errorf("Local mutations = %v, want 1", v)
	}
	if v := counterValue(t, r.ChangelogAppendsTotal.WithLabelValues("node", "create")); v != 2 {
		t.Errorf("Changelog appends = %v, want 2", v)
	}
}

func TestRecordStoreTransaction(t *testing.T) {
	r := NewRegistry()
	r.RecordStoreTransaction("update", nil, time.Millisecond)
	r.RecordStoreTransaction("update", errors.New("abort"), time.Millisecond)

	if v := counterValue(t, r.StoreTransactionsTotal.WithLabelValues("update", "committed")); v != 1 {
		t.Errorf("Committed = %v, want 1", v)
	}
	if v := counterValue(t, r.StoreTransactionsTotal.WithLabelValues("update", "rolled_back")); v != 1 {
		t.Errorf("Rolled back = %v, want 1", v)
	}
}

func TestGauges(t *testing.T) {
	r := NewRegistry()
	at := time.Unix(1_700_000_000, 0)
	r.RecordSyncSuccess("g", at)
	r.SetLiveNodes("s1", 42)

	if v := gaugeValue(t, r.SyncLastSuccess.WithLabelValues("g")); v != float64(at.Unix()) {
		t.Errorf("Last success = %v, want %v", v, at.Unix())
	}
	if v := gaugeValue(t, r.StoreNodesTotal.WithLabelValues("s1")); v != 42 {
		t.Errorf("Live nodes = %v, want 42", v)
	}
}

func TestUpdateSystemMetrics(t *testing.T) {
	r := NewRegistry()
	r.UpdateSystemMetrics(time.Now().Add(-time.Minute))

	if v := gaugeValue(t, r.UptimeSeconds); v < 60 {
		t.Errorf("Uptime = %v, want >= 60", v)
	}
	if v := gaugeValue(t, r.GoRoutines); v < 1 {
		t.Errorf("Goroutines = %v, want >= 1", v)
	}
}

func TestGather(t *testing.T) {
	r := NewRegistry()
	r.RecordTransportRequest("client", "sync_full_request", StatusSuccess, time.Millisecond)
	r.RecordTransportBytes(DirectionSent, 128)
	r.RecordPayload(DirectionReceived, "full", 10)
	r.RecordFallback("watermark")
	r.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)

	families, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "graphsync_") {
			t.Errorf("Metric %s lacks the graphsync_ prefix", mf.GetName())
		}
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"graphsync_transport_requests_total",
		"graphsync_transport_bytes_total",
		"graphsync_sync_payload_entities",
		"graphsync_sync_fallbacks_total",
		"graphsync_http_requests_total",
	} {
		if !found[name] {
			t.Errorf("Metric %s not gathered", name)
		}
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != StatusSuccess {
		t.Error("nil error should map to success")
	}
	if StatusOf(errors.New("x")) != StatusError {
		t.Error("non-nil error should map to error")
	}
}

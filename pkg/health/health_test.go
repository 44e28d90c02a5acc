package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

var ctx = context.Background()

func TestRegisterChecksByKind(t *testing.T) {
	hc := NewHealthChecker()

	var general, ready, live int
	hc.RegisterCheck("general", func(context.Context) Check { general++; return Check{Status: StatusHealthy} })
	hc.RegisterReadinessCheck("ready", func(context.Context) Check { ready++; return Check{Status: StatusHealthy} })
	hc.RegisterLivenessCheck("live", func(context.Context) Check { live++; return Check{Status: StatusHealthy} })

	resp := hc.Check(ctx)
	if _, ok := resp.Checks["general"]; !ok || general != 1 {
		t.Error("general check was not run by Check()")
	}
	if ready != 0 || live != 0 {
		t.Error("Check() must not run readiness or liveness checks")
	}

	if resp := hc.CheckReadiness(ctx); len(resp.Checks) != 1 || ready != 1 {
		t.Errorf("CheckReadiness ran %d checks", len(resp.Checks))
	}
	if resp := hc.CheckLiveness(ctx); len(resp.Checks) != 1 || live != 1 {
		t.Errorf("CheckLiveness ran %d checks", len(resp.Checks))
	}
}

func TestCheckStatusAggregation(t *testing.T) {
	tests := []struct {
		name           string
		checkStatuses  []Status
		expectedStatus Status
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []Status{StatusHealthy, StatusUnhealthy}, StatusUnhealthy},
		{"degraded and unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		{"no checks", nil, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			for i, status := range tt.checkStatuses {
				s := status
				hc.RegisterCheck(string(rune('a'+i)), func(context.Context) Check {
					return Check{Status: s}
				})
			}

			resp := hc.Check(ctx)
			if resp.Status != tt.expectedStatus {
				t.Errorf("expected status %s, got %s", tt.expectedStatus, resp.Status)
			}
			if resp.Uptime < 0 {
				t.Errorf("uptime %v is negative", resp.Uptime)
			}
		})
	}
}

func TestCheckTiming(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck("slow", func(context.Context) Check {
		time.Sleep(5 * time.Millisecond)
		return Check{Status: StatusHealthy}
	})

	before := time.Now()
	check := hc.Check(ctx).Checks["slow"]
	if check.LastChecked.Before(before) {
		t.Error("LastChecked predates the check")
	}
	if check.Duration < 5*time.Millisecond {
		t.Errorf("Duration %v shorter than the check", check.Duration)
	}
}

func TestStoreCheck(t *testing.T) {
	healthy := StoreCheck(func(ctx context.Context) error { return nil }, 0)(ctx)
	if healthy.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", healthy.Status)
	}

	failing := StoreCheck(func(ctx context.Context) error { return errors.New("store closed") }, time.Second)(ctx)
	if failing.Status != StatusUnhealthy || failing.Message != "store closed" {
		t.Errorf("expected unhealthy with message, got %s %q", failing.Status, failing.Message)
	}

	var deadline bool
	StoreCheck(func(probeCtx context.Context) error {
		_, deadline = probeCtx.Deadline()
		return nil
	}, 50*time.Millisecond)(ctx)
	if !deadline {
		t.Error("probe context should carry a deadline")
	}
}

func TestPeerSyncCheck(t *testing.T) {
	now := time.Now()
	fresh := PeerStatus{Addr: "tcp://a:7400", LastSuccess: now}
	old := PeerStatus{Addr: "tcp://b:7400", LastSuccess: now.Add(-time.Hour)}
	never := PeerStatus{Addr: "tcp://c:7400"}
	failing := PeerStatus{Addr: "tcp://d:7400", ConsecutiveFailures: 3, LastError: "communication failure"}

	tests := []struct {
		name           string
		peers          []PeerStatus
		staleAfter     time.Duration
		expectedStatus Status
		expectedMsg    string
	}{
		{"standalone", nil, time.Minute, StatusHealthy, "Standalone mode"},
		{"all fresh", []PeerStatus{fresh}, time.Minute, StatusHealthy, "Peers in sync"},
		{"stale peer", []PeerStatus{fresh, old}, time.Minute, StatusDegraded, "0 failing, 1 stale of 2 peers"},
		{"never synced is stale", []PeerStatus{fresh, never}, time.Minute, StatusDegraded, "0 failing, 1 stale of 2 peers"},
		{"staleness disabled", []PeerStatus{old, never}, 0, StatusHealthy, "Peers in sync"},
		{"some failing", []PeerStatus{fresh, failing}, time.Minute, StatusDegraded, "1 failing, 0 stale of 2 peers"},
		{"all failing", []PeerStatus{failing}, time.Minute, StatusUnhealthy, "All peers failing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := PeerSyncCheck(func() []PeerStatus { return tt.peers }, tt.staleAfter)(ctx)
			if check.Status != tt.expectedStatus {
				t.Errorf("expected status %s, got %s", tt.expectedStatus, check.Status)
			}
			if check.Message != tt.expectedMsg {
				t.Errorf("expected message %q, got %q", tt.expectedMsg, check.Message)
			}
			if len(check.Details) != len(tt.peers) {
				t.Errorf("expected %d peer details, got %d", len(tt.peers), len(check.Details))
			}
		})
	}
}

func TestMemoryCheck(t *testing.T) {
	tests := []struct {
		name           string
		alloc          uint64
		sys            uint64
		expectedStatus Status
	}{
		{"normal usage", 50, 100, StatusHealthy},
		{"at 90 percent", 90, 100, StatusHealthy},
		{"above 90 percent", 91, 100, StatusDegraded},
		{"no sys reading", 10, 0, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := MemoryCheck(func() (uint64, uint64) { return tt.alloc, tt.sys })(ctx)
			if check.Status != tt.expectedStatus {
				t.Errorf("expected status %s, got %s", tt.expectedStatus, check.Status)
			}
		})
	}

	if alloc, sys := RuntimeMemory(); alloc == 0 || sys == 0 {
		t.Errorf("runtime memory reading is empty: %d/%d", alloc, sys)
	}
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name         string
		status       Status
		handler      func(*HealthChecker) http.HandlerFunc
		register     func(*HealthChecker, string, CheckFunc)
		expectedCode int
	}{
		{"health healthy", StatusHealthy, (*HealthChecker).HTTPHandler, (*HealthChecker).RegisterCheck, http.StatusOK},
		{"health degraded", StatusDegraded, (*HealthChecker).HTTPHandler, (*HealthChecker).RegisterCheck, http.StatusOK},
		{"health unhealthy", StatusUnhealthy, (*HealthChecker).HTTPHandler, (*HealthChecker).RegisterCheck, http.StatusServiceUnavailable},
		{"ready healthy", StatusHealthy, (*HealthChecker).ReadinessHandler, (*HealthChecker).RegisterReadinessCheck, http.StatusOK},
		{"ready degraded", StatusDegraded, (*HealthChecker).ReadinessHandler, (*HealthChecker).RegisterReadinessCheck, http.StatusServiceUnavailable},
		{"live healthy", StatusHealthy, (*HealthChecker).LivenessHandler, (*HealthChecker).RegisterLivenessCheck, http.StatusOK},
		{"live unhealthy", StatusUnhealthy, (*HealthChecker).LivenessHandler, (*HealthChecker).RegisterLivenessCheck, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			tt.register(hc, "test", func(context.Context) Check { return Check{Name: "test", Status: tt.status} })

			rec := httptest.NewRecorder()
			tt.handler(hc)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.expectedCode {
				t.Errorf("expected status code %d, got %d", tt.expectedCode, rec.Code)
			}
			if rec.Header().Get("Content-Type") != "application/json" {
				t.Error("expected Content-Type application/json")
			}

			var resp Response
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Status != tt.status {
				t.Errorf("expected response status %s, got %s", tt.status, resp.Status)
			}
			if resp.Checks["test"].Name != "test" {
				t.Error("check missing from response body")
			}
		})
	}
}

func TestConcurrentCheckRegistration(t *testing.T) {
	hc := NewHealthChecker()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			hc.RegisterCheck(string(rune('a'+i)), func(context.Context) Check { return Check{Status: StatusHealthy} })
		}(i)
		go func() {
			defer wg.Done()
			hc.Check(ctx)
		}()
	}
	wg.Wait()

	if got := len(hc.Check(ctx).Checks); got != 20 {
		t.Errorf("expected 20 checks, got %d", got)
	}
}

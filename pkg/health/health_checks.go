package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// DefaultStoreTimeout bounds a store probe
const DefaultStoreTimeout = 2 * time.Second

// StoreCheck creates a health check for the sync store. probe should run a
// cheap read; a closed or unreachable store fails it.
func StoreCheck(probe func(ctx context.Context) error, timeout time.Duration) CheckFunc {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return func(ctx context.Context) Check {
		check := Check{Name: "store"}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := probe(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Store reachable"
		}
		return check
	}
}

// PeerStatus is the sync history of one peer link
type PeerStatus struct {
	Addr                string
	LastSuccess         time.Time
	ConsecutiveFailures int
	LastError           string
}

// PeerSyncCheck creates a health check over the peer links. A node with no
// peers is healthy. It is degraded when some peers fail or have not synced
// within staleAfter, and unhealthy when every peer is failing.
func PeerSyncCheck(getPeers func() []PeerStatus, staleAfter time.Duration) CheckFunc {
	return func(context.Context) Check {
		check := Check{
			Name:    "peer_sync",
			Details: make(map[string]any),
		}

		peers := getPeers()
		now := time.Now()
		var failing, stale int
		for _, p := range peers {
			detail := map[string]any{"consecutive_failures": p.ConsecutiveFailures}
			if !p.LastSuccess.IsZero() {
				detail["last_success"] = p.LastSuccess
			}
			if p.LastError != "" {
				detail["last_error"] = p.LastError
			}
			check.Details[p.Addr] = detail

			switch {
			case p.ConsecutiveFailures > 0:
				failing++
			case staleAfter > 0 && (p.LastSuccess.IsZero() || now.Sub(p.LastSuccess) > staleAfter):
				stale++
			}
		}

		switch {
		case len(peers) == 0:
			check.Status = StatusHealthy
			check.Message = "Standalone mode"
		case failing == len(peers):
			check.Status = StatusUnhealthy
			check.Message = "All peers failing"
		case failing > 0 || stale > 0:
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("%d failing, %d stale of %d peers", failing, stale, len(peers))
		default:
			check.Status = StatusHealthy
			check.Message = "Peers in sync"
		}
		return check
	}
}

// MemoryCheck creates a health check for memory usage
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func(context.Context) Check {
		check := Check{
			Name:    "memory",
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()

		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		var usagePercent float64
		if sys > 0 {
			usagePercent = float64(alloc) / float64(sys) * 100
		}

		if usagePercent > 90 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}

		return check
	}
}

// RuntimeMemory reads heap usage from the Go runtime
func RuntimeMemory() (alloc, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc, m.Sys
}

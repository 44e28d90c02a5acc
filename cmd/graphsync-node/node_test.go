package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-graphsync/pkg/health"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/syncengine"
	"github.com/dd0wney/cluso-graphsync/pkg/transport"
)

const (
	testSession = "s1"
	testGraph   = "notes"
)

var addrSeq atomic.Int64

func inprocAddr(name string) string {
	return fmt.Sprintf("inproc://graphsync-node-%s-%d", name, addrSeq.Add(1))
}

// nodeConfig builds a config from YAML so the test exercises the same
// defaults and validation a real node gets.
func nodeConfig(t *testing.T, instance, listen string, extra string, peers ...string) *Config {
	t.Helper()
	doc := fmt.Sprintf(`
listen: %s
engine: {instance_id: %s}
graphs: [{session: %s, graph: %s}]
%s`, listen, instance, testSession, testGraph, extra)
	if len(peers) > 0 {
		doc += fmt.Sprintf("peers: [%s]\n", strings.Join(peers, ", "))
	}
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	return cfg
}

func startNode(t *testing.T, cfg *Config) *Node {
	t.Helper()
	ctx := context.Background()
	n, err := NewNode(ctx, cfg, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() { n.Close() })
	return n
}

func label(t *testing.T, n *Node, id uint64) string {
	t.Helper()
	node, err := n.Engine().Node(context.Background(), testSession, id)
	if err != nil {
		return ""
	}
	return node.Label
}

func TestNodesSyncOverTransport(t *testing.T) {
	ctx := context.Background()
	addrA, addrB := inprocAddr("a"), inprocAddr("b")
	a := startNode(t, nodeConfig(t, "A", addrA, "", addrB))
	b := startNode(t, nodeConfig(t, "B", addrB, "", addrA))

	_, err := a.Engine().CreateNode(ctx, testSession, syncengine.NodeSpec{ID: 1, Label: "from a"})
	require.NoError(t, err)
	require.NoError(t, a.SyncNow(ctx))
	require.Eventually(t, func() bool { return label(t, b, 1) == "from a" },
		2*time.Second, 10*time.Millisecond)

	relabel := "from b"
	_, err = b.Engine().UpdateNode(ctx, testSession, 1, syncengine.NodeUpdate{Label: &relabel})
	require.NoError(t, err)
	require.NoError(t, b.SyncNow(ctx))
	require.Eventually(t, func() bool { return label(t, a, 1) == "from b" },
		2*time.Second, 10*time.Millisecond)

	status := a.PeerStatus()
	require.Len(t, status, 1)
	assert.Equal(t, addrB, status[0].Addr)
	assert.Zero(t, status[0].ConsecutiveFailures)
	assert.False(t, status[0].LastSuccess.IsZero())

	know, err := a.Engine().Knowledge(ctx, testSession, testGraph)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), know.Get("B"))
}

func TestUnreachablePeerFailsHealth(t *testing.T) {
	ctx := context.Background()
	cfg := nodeConfig(t, "A", inprocAddr("lonely"), "sync: {interval: 1h, timeout: 100ms}\n", inprocAddr("nowhere"))
	n := startNode(t, cfg)

	err := n.SyncNow(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrCommunication)

	status := n.PeerStatus()
	require.Len(t, status, 1)
	assert.GreaterOrEqual(t, status[0].ConsecutiveFailures, 1)
	assert.NotEmpty(t, status[0].LastError)

	rec := httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp health.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, health.StatusUnhealthy, resp.Checks["peer_sync"].Status)
	assert.Equal(t, health.StatusHealthy, resp.Checks["store"].Status)

	rec = httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "readiness only depends on the store")
}

func TestNodeHTTPEndpoints(t *testing.T) {
	cfg := nodeConfig(t, "A", inprocAddr("http"), "http_addr: 127.0.0.1:0\n")
	n := startNode(t, cfg)
	require.NoError(t, n.Maintain(context.Background()))

	require.Eventually(t, func() bool { return n.http.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	base := "http://" + n.http.Addr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "graphsync_uptime_seconds")
	assert.Contains(t, string(body), `graphsync_http_requests_total{method="GET",path="/health",status="200"} 1`)

	resp, err = http.Get(base + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.HTTPRequestsTotal.WithLabelValues("GET", "other", "404")))
}

func TestMaintainPrunesAndPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	listen := inprocAddr("durable")
	extra := fmt.Sprintf("store: {kind: memory, dir: %s, compressed_wal: true}\nmaintenance: {interval: 1h, changelog_retention: 1ns}\n", dir)

	n, err := NewNode(ctx, nodeConfig(t, "A", listen, extra), logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))

	_, err = n.Engine().CreateNode(ctx, testSession, syncengine.NodeSpec{ID: 7, Label: "kept"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, n.Maintain(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.ChangelogPrunedTotal))

	d, err := n.Engine().DecideStrategy(ctx, testSession, testGraph)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Total)
	require.NoError(t, n.Close())

	reopened := startNode(t, nodeConfig(t, "A", listen, extra))
	assert.Equal(t, "kept", label(t, reopened, 7))
}

func TestBoltNodeReopens(t *testing.T) {
	ctx := context.Background()
	extra := fmt.Sprintf("store: {kind: bolt, dir: %s}\n", t.TempDir())
	listen := inprocAddr("bolt")

	n, err := NewNode(ctx, nodeConfig(t, "A", listen, extra), logging.NewNopLogger())
	require.NoError(t, err)
	_, err = n.Engine().CreateNode(ctx, testSession, syncengine.NodeSpec{ID: 3, Label: "on disk"})
	require.NoError(t, err)
	require.NoError(t, n.Close())

	reopened := startNode(t, nodeConfig(t, "A", listen, extra))
	assert.Equal(t, "on disk", label(t, reopened, 3))

	know, err := reopened.Engine().Knowledge(ctx, testSession, testGraph)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), know.Get("A"), "the mutation counter survives a restart")
}

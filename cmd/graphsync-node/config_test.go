package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/transport"
)

const fullConfig = `
log_level: debug
listen: tcp://0.0.0.0:7401
http_addr: 127.0.0.1:9401
store:
  kind: bolt
  dir: /var/lib/graphsync
  no_sync: true
engine:
  instance_id: laptop-1
  full_sync_threshold: 0.25
  min_incremental_nodes: 10
  conflict_policy:
    delete: update_wins
    properties: whole_record
sync:
  interval: 15s
  timeout: 5s
  stale_after: 5m
maintenance:
  changelog_retention: 168h
peers:
  - tcp://desktop:7401
graphs:
  - {session: research, graph: notes}
  - {session: research, graph: citations}
  - {session: teaching, graph: notes}
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, StoreBolt, cfg.Store.Kind)
	assert.True(t, cfg.Store.NoSync)
	assert.Equal(t, "laptop-1", cfg.Engine.InstanceID)
	assert.Equal(t, 0.25, cfg.Engine.FullSyncThreshold)
	assert.Equal(t, 10, cfg.Engine.MinIncrementalNodes)
	assert.Equal(t, conflict.UpdateWins, cfg.Engine.ConflictPolicy.Delete)
	assert.Equal(t, conflict.WholeRecord, cfg.Engine.ConflictPolicy.Properties)
	assert.Equal(t, 15*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Sync.StaleAfter)
	assert.Equal(t, transport.DefaultWorkers, cfg.Sync.Workers)
	assert.Equal(t, 168*time.Hour, cfg.Maintenance.ChangelogRetention)
	assert.Equal(t, defaultMaintenanceInterval, cfg.Maintenance.Interval)
	assert.Len(t, cfg.Graphs, 3)
	assert.Equal(t, []string{"research", "teaching"}, cfg.Sessions())
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, defaultListen, cfg.Listen)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
	assert.False(t, cfg.Store.Durable())
	assert.Equal(t, defaultSyncInterval, cfg.Sync.Interval)
	assert.Equal(t, transport.DefaultTimeout, cfg.Sync.Timeout)
	assert.Empty(t, cfg.Engine.InstanceID, "volatile nodes get an instance id from the engine")
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "listen_addr: tcp://x:1\n"},
		{"unknown store", "store: {kind: sqlite}\n"},
		{"bolt without dir", "engine: {instance_id: a}\nstore: {kind: bolt}\n"},
		{"postgres without url", "engine: {instance_id: a}\nstore: {kind: postgres}\n"},
		{"durable without instance id", "store: {kind: memory, dir: /tmp/x}\n"},
		{"bad instance id", "engine: {instance_id: 'has space'}\n"},
		{"threshold above one", "engine: {full_sync_threshold: 1.5}\n"},
		{"bad conflict policy", "engine: {conflict_policy: {delete: coin_flip}}\n"},
		{"interval too short", "sync: {interval: 1ms}\n"},
		{"negative retention", "maintenance: {changelog_retention: -1h}\n"},
		{"bad log level", "log_level: loud\n"},
		{"peers without graphs", "peers: [tcp://b:7400]\n"},
		{"bad graph name", "graphs: [{session: s, graph: 'a b'}]\n"},
		{"duplicate graph", "graphs: [{session: s, graph: g}, {session: s, graph: g}]\n"},
		{"duplicate peer", "peers: [tcp://b:1, tcp://b:1]\ngraphs: [{session: s, graph: g}]\n"},
		{"self as peer", "listen: tcp://a:1\npeers: [tcp://a:1]\ngraphs: [{session: s, graph: g}]\n"},
		{"not yaml", "listen: [unterminated\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "laptop-1", cfg.Engine.InstanceID)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

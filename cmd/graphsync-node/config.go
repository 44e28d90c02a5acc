package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-graphsync/pkg/syncengine"
	"github.com/dd0wney/cluso-graphsync/pkg/transport"
	"github.com/dd0wney/cluso-graphsync/pkg/validation"
)

const (
	StoreMemory   = "memory"
	StoreBolt     = "bolt"
	StorePostgres = "postgres"

	defaultListen              = "tcp://0.0.0.0:7400"
	defaultSyncInterval        = 30 * time.Second
	defaultMaintenanceInterval = time.Minute
	defaultBoltFile            = "graphsync.db"
)

// Config is the node configuration file
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Listen is the mangos URL the sync server binds, e.g. tcp://0.0.0.0:7400
	Listen string `yaml:"listen"`
	// HTTPAddr serves /metrics and /health. Empty disables HTTP.
	HTTPAddr string `yaml:"http_addr"`

	Store       StoreConfig       `yaml:"store"`
	Engine      syncengine.Config `yaml:"engine"`
	Sync        SyncConfig        `yaml:"sync"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Peers are the sync server URLs of the other replicas
	Peers []string `yaml:"peers"`
	// Graphs are synced with every peer
	Graphs []GraphRef `yaml:"graphs"`
}

// StoreConfig selects and tunes the sync store
type StoreConfig struct {
	Kind string `yaml:"kind"`

	// Dir holds the memory store WAL or the bolt file. A memory store
	// without Dir is volatile.
	Dir             string `yaml:"dir"`
	CompressedWAL   bool   `yaml:"compressed_wal"`
	NoSync          bool   `yaml:"no_sync"`
	CheckpointEvery int    `yaml:"checkpoint_every"`

	PostgresURL string `yaml:"postgres_url"`
	MaxConns    int32  `yaml:"max_conns"`
}

// Durable reports whether the store survives a restart
func (s StoreConfig) Durable() bool {
	return s.Kind != StoreMemory || s.Dir != ""
}

type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Timeout bounds a single request to a peer
	Timeout time.Duration `yaml:"timeout"`
	Workers int           `yaml:"workers"`
	// StaleAfter marks a peer degraded when it has not synced for this
	// long. Zero disables the check.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type MaintenanceConfig struct {
	Interval time.Duration `yaml:"interval"`
	// ChangelogRetention prunes changelog entries older than this. Zero
	// keeps the whole changelog.
	ChangelogRetention time.Duration `yaml:"changelog_retention"`
}

// GraphRef names one session graph
type GraphRef struct {
	Session string `yaml:"session"`
	Graph   string `yaml:"graph"`
}

// LoadConfig reads, defaults and validates a config file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values. The engine instance id is left alone so
// Validate can insist on one for durable stores.
func (c *Config) ApplyDefaults() {
	c.LogLevel = validation.DefaultOr(c.LogLevel, "info")
	c.Listen = validation.DefaultOr(c.Listen, defaultListen)
	c.Store.Kind = validation.DefaultOr(c.Store.Kind, StoreMemory)
	c.Sync.Interval = validation.DefaultOrDuration(c.Sync.Interval, defaultSyncInterval)
	c.Sync.Timeout = validation.DefaultOrDuration(c.Sync.Timeout, transport.DefaultTimeout)
	c.Sync.Workers = validation.DefaultOrInt(c.Sync.Workers, transport.DefaultWorkers)
	c.Maintenance.Interval = validation.DefaultOrDuration(c.Maintenance.Interval, defaultMaintenanceInterval)
}

// Validate checks the configuration. Call ApplyDefaults first.
func (c *Config) Validate() error {
	return validation.NewConfigValidator("NodeConfig").
		Required("Listen", c.Listen).
		OneOf("LogLevel", c.LogLevel, []string{"debug", "info", "warn", "error"}).
		OneOf("Store.Kind", c.Store.Kind, []string{StoreMemory, StoreBolt, StorePostgres}).
		When(c.Store.Kind == StoreBolt, func(v *validation.ConfigValidator) {
			v.Required("Store.Dir", c.Store.Dir)
		}).
		When(c.Store.Kind == StorePostgres, func(v *validation.ConfigValidator) {
			v.Required("Store.PostgresURL", c.Store.PostgresURL)
		}).
		When(c.Store.Durable(), func(v *validation.ConfigValidator) {
			v.Required("Engine.InstanceID", c.Engine.InstanceID)
		}).
		NonNegative("Store.CheckpointEvery", c.Store.CheckpointEvery).
		MinDuration("Sync.Interval", c.Sync.Interval, 100*time.Millisecond).
		MinDuration("Sync.Timeout", c.Sync.Timeout, 10*time.Millisecond).
		Positive("Sync.Workers", c.Sync.Workers).
		MinDuration("Sync.StaleAfter", c.Sync.StaleAfter, 0).
		MinDuration("Maintenance.ChangelogRetention", c.Maintenance.ChangelogRetention, 0).
		Custom("Engine", func() error {
			engine := c.Engine
			engine.ApplyDefaults()
			return engine.Validate()
		}).
		Custom("Graphs", c.validateGraphs).
		Custom("Peers", c.validatePeers).
		Validate()
}

func (c *Config) validateGraphs() error {
	if len(c.Peers) > 0 && len(c.Graphs) == 0 {
		return fmt.Errorf("peers are configured but no graphs are")
	}
	seen := make(map[GraphRef]bool, len(c.Graphs))
	for _, g := range c.Graphs {
		if err := validation.ValidateIdentifier(g.Session); err != nil {
			return fmt.Errorf("session %q: %w", g.Session, err)
		}
		if err := validation.ValidateIdentifier(g.Graph); err != nil {
			return fmt.Errorf("graph %q: %w", g.Graph, err)
		}
		if seen[g] {
			return fmt.Errorf("graph %s/%s listed twice", g.Session, g.Graph)
		}
		seen[g] = true
	}
	return nil
}

func (c *Config) validatePeers() error {
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p == "" {
			return fmt.Errorf("empty peer address")
		}
		if p == c.Listen {
			return fmt.Errorf("peer %s is this node's own listen address", p)
		}
		if seen[p] {
			return fmt.Errorf("peer %s listed twice", p)
		}
		seen[p] = true
	}
	return nil
}

// Sessions returns the distinct sessions of the configured graphs
func (c *Config) Sessions() []string {
	var sessions []string
	seen := make(map[string]bool)
	for _, g := range c.Graphs {
		if !seen[g.Session] {
			seen[g.Session] = true
			sessions = append(sessions, g.Session)
		}
	}
	return sessions
}

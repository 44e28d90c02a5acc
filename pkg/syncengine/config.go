package syncengine

import (
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/metrics"
	"github.com/dd0wney/cluso-graphsync/pkg/validation"
)

const (
	DefaultFullSyncThreshold  = 0.4
	DefaultApplyTimeout       = 30 * time.Second
	DefaultMaxPayloadEntities = 100000

	minApplyTimeout = 100 * time.Millisecond
)

// Config holds sync engine configuration
type Config struct {
	// InstanceID names this replica in vector clocks. Empty picks a random one.
	InstanceID string `yaml:"instance_id"`

	// FullSyncThreshold is the fraction of pending changes to live nodes
	// above which a full sync is cheaper than an incremental one.
	FullSyncThreshold float64 `yaml:"full_sync_threshold"`

	// MinIncrementalNodes makes graphs smaller than this always sync in full
	MinIncrementalNodes int `yaml:"min_incremental_nodes"`

	ConflictPolicy conflict.Policy `yaml:"conflict_policy"`

	ApplyTimeout       time.Duration `yaml:"apply_timeout"`
	MaxPayloadEntities int           `yaml:"max_payload_entities"`
}

// DefaultConfig returns the default configuration with a fresh instance id
func DefaultConfig() Config {
	return Config{
		InstanceID:         uuid.NewString(),
		FullSyncThreshold:  DefaultFullSyncThreshold,
		ConflictPolicy:     conflict.DefaultPolicy(),
		ApplyTimeout:       DefaultApplyTimeout,
		MaxPayloadEntities: DefaultMaxPayloadEntities,
	}
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	c.FullSyncThreshold = validation.DefaultOrFloat(c.FullSyncThreshold, DefaultFullSyncThreshold)
	c.ApplyTimeout = validation.DefaultOrDuration(c.ApplyTimeout, DefaultApplyTimeout)
	c.MaxPayloadEntities = validation.DefaultOrInt(c.MaxPayloadEntities, DefaultMaxPayloadEntities)
	c.ConflictPolicy.ApplyDefaults()
}

// Validate checks the configuration. Call ApplyDefaults first.
func (c Config) Validate() error {
	return validation.NewConfigValidator("SyncConfig").
		Custom("InstanceID", func() error { return validation.ValidateIdentifier(c.InstanceID) }).
		FractionOpenClosed("FullSyncThreshold", c.FullSyncThreshold).
		NonNegative("MinIncrementalNodes", c.MinIncrementalNodes).
		MinDuration("ApplyTimeout", c.ApplyTimeout, minApplyTimeout).
		Positive("MaxPayloadEntities", c.MaxPayloadEntities).
		Custom("ConflictPolicy", c.ConflictPolicy.Validate).
		Validate()
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine's logger
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// WithMetrics records engine activity in reg. The store is wrapped so its
// transactions are counted too.
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = reg }
}

// WithClock overrides the wall clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore/boltstore"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore/memstore"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore/pgstore"
)

// checkpointer is implemented by stores that compact their log on demand
type checkpointer interface {
	Checkpoint() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

func openStore(ctx context.Context, cfg StoreConfig, logger logging.Logger) (syncstore.Store, error) {
	switch cfg.Kind {
	case StoreMemory:
		if cfg.Dir == "" {
			logger.Warn("memory store has no dir, data will not survive a restart")
			return memstore.New(), nil
		}
		return memstore.Open(memstore.Options{
			Dir:             cfg.Dir,
			Compressed:      cfg.CompressedWAL,
			NoSync:          cfg.NoSync,
			CheckpointEvery: cfg.CheckpointEvery,
			Logger:          logger,
		})

	case StoreBolt:
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store dir: %w", err)
		}
		return boltstore.Open(filepath.Join(cfg.Dir, defaultBoltFile), boltstore.Options{
			NoSync: cfg.NoSync,
			Logger: logger,
		})

	case StorePostgres:
		return pgstore.Open(ctx, cfg.PostgresURL, pgstore.Options{
			MaxConns: cfg.MaxConns,
			Logger:   logger,
		})

	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

// probeStore checks a store is usable, pinging it when it has a network
// connection.
func probeStore(st syncstore.Store) func(ctx context.Context) error {
	if p, ok := st.(pinger); ok {
		return p.Ping
	}
	return func(ctx context.Context) error {
		return st.View(ctx, func(syncstore.Tx) error { return nil })
	}
}

// Package boltstore is a syncstore.Store on a single bbolt file. Each
// syncstore transaction maps onto one bbolt transaction.
package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
)

var (
	// top level buckets; per-session data lives in nested buckets
	bucketNodes       = []byte("nodes")
	bucketEdges       = []byte("edges")
	bucketChangelog   = []byte("changelog")
	bucketWatermarks  = []byte("watermarks")
	bucketSyncState   = []byte("sync_state")
	bucketConflicts   = []byte("conflicts")
	bucketConflictIDs = []byte("conflict_ids")

	allBuckets = [][]byte{
		bucketNodes, bucketEdges, bucketChangelog, bucketWatermarks,
		bucketSyncState, bucketConflicts, bucketConflictIDs,
	}
)

// Options configures the bolt store
type Options struct {
	// Timeout bounds the wait for the file lock
	Timeout time.Duration
	NoSync  bool
	Logger  logging.Logger
}

// Store is the bbolt implementation of syncstore.Store
type Store struct {
	db     *bbolt.DB
	closed atomic.Bool
	logger logging.Logger
}

var _ syncstore.Store = (*Store)(nil)

// Open opens or creates the database file at path
func Open(path string, opts Options) (*Store, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: opts.Timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Store{db: db, logger: logging.OrNop(opts.Logger).With(logging.Component("boltstore"))}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	s.logger.Info("boltstore opened", logging.String("path", path))
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// View runs fn in a read-only bbolt transaction
func (s *Store) View(ctx context.Context, fn func(syncstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return syncstore.ErrClosed
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// Update runs fn in a read-write bbolt transaction. bbolt rolls back when
// the function errors, so a cancelled ctx is reported from inside it.
func (s *Store) Update(ctx context.Context, fn func(syncstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return syncstore.ErrClosed
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		if err := fn(&boltTx{tx: btx}); err != nil {
			return err
		}
		return ctx.Err()
	})
}

// Close closes the database file
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

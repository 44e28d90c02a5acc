// Package memstore is an in-memory sync store. Opened with a directory it
// becomes durable: every committed transaction is written to a WAL as one
// record and replayed on open.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
	"github.com/dd0wney/cluso-graphsync/pkg/wal"
)

// Options configures a durable memory store
type Options struct {
	// Dir holds the WAL. Empty means no durability.
	Dir string
	// Compressed selects the snappy-compressed WAL
	Compressed bool
	// NoSync skips the fsync after each commit
	NoSync bool
	// CheckpointEvery compacts the WAL after this many commits; 0 disables it
	CheckpointEvery int
	Logger          logging.Logger
}

// Store is the in-memory implementation of syncstore.Store
type Store struct {
	mu      sync.RWMutex
	st      *state
	log     wal.Log
	opts    Options
	commits int
	logger  logging.Logger
	closed  bool
}

var _ syncstore.Store = (*Store)(nil)

// New creates a volatile store
func New() *Store {
	return &Store{st: newState(), logger: logging.NewNopLogger()}
}

// Open creates a store backed by a WAL in opts.Dir, replaying whatever the
// WAL already holds.
func Open(opts Options) (*Store, error) {
	s := &Store{
		st:     newState(),
		opts:   opts,
		logger: logging.OrNop(opts.Logger).With(logging.Component("memstore")),
	}
	if opts.Dir == "" {
		return s, nil
	}

	log, err := wal.Open(opts.Dir, wal.Options{Compressed: opts.Compressed, NoSync: opts.NoSync, Logger: opts.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open memstore WAL: %w", err)
	}

	replayed := 0
	err = log.Replay(func(e *wal.Entry) error {
		replayed++
		switch e.OpType {
		case wal.OpCheckpoint:
			st, err := decodeImage(e.Data)
			if err != nil {
				return err
			}
			s.st = st
			return nil
		case wal.OpCommit:
			var ops []*op
			if err := json.Unmarshal(e.Data, &ops); err != nil {
				return fmt.Errorf("failed to decode commit: %w", err)
			}
			for _, o := range ops {
				s.st.apply(o)
			}
			return nil
		default:
			return fmt.Errorf("unexpected WAL record %s", e.OpType)
		}
	})
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to replay memstore WAL: %w", err)
	}

	s.log = log
	s.logger.Info("memstore opened",
		logging.String("dir", opts.Dir),
		logging.Int("replayed", replayed),
		logging.Uint64("lsn", log.GetCurrentLSN()))
	return s, nil
}

// View runs fn in a read-only transaction
func (s *Store) View(ctx context.Context, fn func(syncstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncstore.ErrClosed
	}
	return fn(&memTx{st: s.st})
}

// Update runs fn in a read-write transaction. Writes are applied in place
// and undone if fn fails, ctx ends, or the WAL append fails.
func (s *Store) Update(ctx context.Context, fn func(syncstore.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncstore.ErrClosed
	}

	tx := &memTx{st: s.st, writable: true}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	if s.log == nil || len(tx.redo) == 0 {
		return nil
	}

	data, err := json.Marshal(tx.redo)
	if err != nil {
		tx.rollback()
		return syncstore.MarshalError("commit", 0, err)
	}
	if _, err := s.log.Append(wal.OpCommit, data); err != nil {
		tx.rollback()
		return syncstore.NewError("commit").Entity("WAL").Cause(err).Err()
	}

	s.commits++
	if s.opts.CheckpointEvery > 0 && s.commits >= s.opts.CheckpointEvery {
		if err := s.checkpointLocked(); err != nil {
			// the commit itself is durable; a later checkpoint retries
			s.logger.Warn("checkpoint failed", logging.Error(err))
		}
	}
	return nil
}

// Checkpoint compacts the WAL into a single image of the current state
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncstore.ErrClosed
	}
	if s.log == nil {
		return nil
	}
	return s.checkpointLocked()
}

func (s *Store) checkpointLocked() error {
	data, err := json.Marshal(encodeImage(s.st))
	if err != nil {
		return syncstore.MarshalError("checkpoint", 0, err)
	}
	lsn, err := s.log.Checkpoint(data)
	if err != nil {
		return err
	}
	s.commits = 0
	s.logger.Debug("checkpoint written", logging.Uint64("lsn", lsn), logging.Int("bytes", len(data)))
	return nil
}

// Close closes the WAL, if any
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.log != nil {
		return s.log.Close()
	}
	return nil
}

// image is the serialized form of a whole state
type image struct {
	Seq        uint64                        `json:"seq"`
	Nodes      []*changelog.SyncedNode       `json:"nodes"`
	Edges      []*changelog.SyncedEdge       `json:"edges"`
	Changelog  []*changelog.Entry            `json:"changelog"`
	Watermarks map[string]vclock.VectorClock `json:"watermarks"`
	SyncStates []imageState                  `json:"sync_states"`
	Conflicts  []*conflict.Record            `json:"conflicts"`
}

type imageState struct {
	Key   syncstore.StateKey   `json:"key"`
	State *syncstore.SyncState `json:"state"`
}

func encodeImage(st *state) *image {
	img := &image{Seq: st.seq, Watermarks: st.watermarks}
	for _, bySession := range st.nodes {
		for _, n := range bySession {
			img.Nodes = append(img.Nodes, n)
		}
	}
	for _, bySession := range st.edges {
		for _, e := range bySession {
			img.Edges = append(img.Edges, e)
		}
	}
	for _, entries := range st.log {
		img.Changelog = append(img.Changelog, entries...)
	}
	changelog.SortBySeq(img.Changelog)
	for k, v := range st.syncStates {
		img.SyncStates = append(img.SyncStates, imageState{Key: k, State: v})
	}
	sort.Slice(img.SyncStates, func(i, j int) bool {
		return img.SyncStates[i].Key.String() < img.SyncStates[j].Key.String()
	})
	for _, records := range st.conflicts {
		img.Conflicts = append(img.Conflicts, records...)
	}
	return img
}

func decodeImage(data []byte) (*state, error) {
	var img image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	st := newState()
	for _, n := range img.Nodes {
		st.putNode(n)
	}
	for _, e := range img.Edges {
		st.putEdge(e)
	}
	for _, e := range img.Changelog {
		st.appendEntry(e)
	}
	for session, wm := range img.Watermarks {
		st.watermarks[session] = wm
	}
	for _, s := range img.SyncStates {
		st.putSyncState(s.Key, s.State)
	}
	for _, r := range img.Conflicts {
		st.appendConflict(r)
	}
	st.seq = max(st.seq, img.Seq)
	return st, nil
}

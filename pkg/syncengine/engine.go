// Package syncengine replicates session graphs between instances.
//
// Each replica numbers its local mutations per session with a monotonic
// counter and stamps the counter into the vector clock of every entity it
// touches. A replica's knowledge of a graph is the merged clock of every
// entity version it has incorporated, plus its own counter; peers use it
// to select the changelog entries the replica is missing.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/metrics"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/validation"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// Engine runs sync for one replica over a transactional store
type Engine struct {
	store    syncstore.Store
	cfg      Config
	resolver *conflict.Resolver
	locks    *keyLocks
	logger   logging.Logger
	metrics  *metrics.Registry
	now      func() time.Time
}

// New creates an engine over store. The store is not closed by the engine.
func New(store syncstore.Store, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("syncengine: store is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		store:  store,
		cfg:    cfg,
		locks:  newKeyLocks(),
		logger: logging.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.resolver = conflict.NewResolver(cfg.ConflictPolicy, e.now)
	if e.metrics != nil {
		e.store = syncstore.Observe(store, e.metrics.RecordStoreTransaction)
	}
	e.logger = e.logger.With(logging.Component("syncengine"), logging.Instance(cfg.InstanceID))
	return e, nil
}

// InstanceID returns the replica's identity
func (e *Engine) InstanceID() string {
	return e.cfg.InstanceID
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Knowledge returns everything this replica holds for a graph: its sync
// state clock merged with its own mutation counter.
func (e *Engine) Knowledge(ctx context.Context, session, graph string) (vclock.VectorClock, error) {
	if err := checkScope(session, graph); err != nil {
		return nil, err
	}
	var clock vclock.VectorClock
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		var err error
		clock, err = e.knowledge(tx, session, graph)
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return clock, nil
}

// SyncState returns the recorded sync state of a graph, or nil if it never
// synced.
func (e *Engine) SyncState(ctx context.Context, session, graph string) (*syncstore.SyncState, error) {
	if err := checkScope(session, graph); err != nil {
		return nil, err
	}
	var state *syncstore.SyncState
	err := e.store.View(ctx, func(tx syncstore.Tx) error {
		var err error
		state, err = tx.SyncState(e.stateKey(session, graph))
		return err
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return state, nil
}

func (e *Engine) stateKey(session, graph string) syncstore.StateKey {
	return syncstore.StateKey{Instance: e.cfg.InstanceID, Session: session, Graph: graph}
}

// counterKey holds the session's mutation counter. Graph names are never
// empty, so it cannot collide with a graph's sync state.
func (e *Engine) counterKey(session string) syncstore.StateKey {
	return syncstore.StateKey{Instance: e.cfg.InstanceID, Session: session}
}

func (e *Engine) counter(tx syncstore.Tx, session string) (uint64, error) {
	state, err := tx.SyncState(e.counterKey(session))
	if err != nil || state == nil {
		return 0, err
	}
	return state.Clock.Get(e.cfg.InstanceID), nil
}

func (e *Engine) putCounter(tx syncstore.Tx, session string, n uint64) error {
	return tx.PutSyncState(e.counterKey(session), &syncstore.SyncState{
		Clock:      vclock.VectorClock{e.cfg.InstanceID: n},
		LastSyncAt: e.now(),
	})
}

// nextCounter allocates the number of a new local mutation
func (e *Engine) nextCounter(tx syncstore.Tx, session string) (uint64, error) {
	n, err := e.counter(tx, session)
	if err != nil {
		return 0, err
	}
	n++
	return n, e.putCounter(tx, session, n)
}

func (e *Engine) knowledge(tx syncstore.Tx, session, graph string) (vclock.VectorClock, error) {
	clock := vclock.New()
	state, err := tx.SyncState(e.stateKey(session, graph))
	if err != nil {
		return nil, err
	}
	if state != nil {
		clock = state.Clock.Clone()
	}
	n, err := e.counter(tx, session)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		clock = clock.Merge(vclock.VectorClock{e.cfg.InstanceID: n})
	}
	return clock, nil
}

func checkScope(session, graph string) error {
	if session == "" || graph == "" {
		return ErrSessionRequired
	}
	if err := validation.ValidateIdentifier(session); err != nil {
		return fmt.Errorf("%w: session: %w", ErrSessionRequired, err)
	}
	if err := validation.ValidateIdentifier(graph); err != nil {
		return fmt.Errorf("%w: graph: %w", ErrSessionRequired, err)
	}
	return nil
}

func checkSession(session string) error {
	if session == "" {
		return ErrSessionRequired
	}
	if err := validation.ValidateIdentifier(session); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionRequired, err)
	}
	return nil
}

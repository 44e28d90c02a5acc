package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore/memstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

const (
	testSession = "session-1"
	testGraph   = "kg"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stepClock hands out strictly increasing timestamps
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: epoch}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type replica struct {
	*Engine
	store *memstore.Store
}

func newReplica(t *testing.T, id string, opts ...Option) *replica {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { store.Close() })
	return newReplicaOn(t, id, store, opts...)
}

func newReplicaOn(t *testing.T, id string, store syncstore.Store, opts ...Option) *replica {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InstanceID = id
	e, err := New(store, cfg, append([]Option{WithClock(newStepClock().Now)}, opts...)...)
	require.NoError(t, err)
	ms, _ := store.(*memstore.Store)
	return &replica{Engine: e, store: ms}
}

func (r *replica) createNode(t *testing.T, id uint64, label string) *changelog.SyncedNode {
	t.Helper()
	n, err := r.CreateNode(context.Background(), testSession, NodeSpec{ID: id, NodeType: "concept", Label: label})
	require.NoError(t, err)
	return n
}

func (r *replica) node(t *testing.T, id uint64) *changelog.SyncedNode {
	t.Helper()
	n, err := r.Node(context.Background(), testSession, id)
	require.NoError(t, err)
	return n
}

func (r *replica) entries(t *testing.T) []*changelog.Entry {
	t.Helper()
	var entries []*changelog.Entry
	require.NoError(t, r.Engine.store.View(context.Background(), func(tx syncstore.Tx) error {
		var err error
		entries, err = tx.ChangelogSince(testSession, time.Time{})
		return err
	}))
	return entries
}

// pushFull sends from's full graph to to and returns what applying it did
func pushFull(t *testing.T, from, to *replica) *ApplyResult {
	t.Helper()
	ctx := context.Background()
	payload, err := from.SyncFull(ctx, testSession, testGraph)
	require.NoError(t, err)
	res, err := to.Apply(ctx, payload)
	require.NoError(t, err)
	return res
}

// pull asks from for what to is missing, the way a peer would
func pull(t *testing.T, from, to *replica) *ApplyResult {
	t.Helper()
	ctx := context.Background()
	since, err := to.Knowledge(ctx, testSession, testGraph)
	require.NoError(t, err)
	resp, err := from.SyncIncremental(ctx, testSession, testGraph, since, nil)
	require.NoError(t, err)
	res, err := to.Apply(ctx, resp.Payload)
	require.NoError(t, err)
	return res
}

func TestNewValidatesConfig(t *testing.T) {
	store := memstore.New()
	defer store.Close()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.FullSyncThreshold = 1.5 }},
		{"negative min nodes", func(c *Config) { c.MinIncrementalNodes = -1 }},
		{"short apply timeout", func(c *Config) { c.ApplyTimeout = time.Millisecond }},
		{"bad instance id", func(c *Config) { c.InstanceID = "has space" }},
		{"unknown delete policy", func(c *Config) { c.ConflictPolicy.Delete = "coin_flip" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(store, cfg)
			assert.Error(t, err)
		})
	}

	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	e, err := New(store, Config{})
	require.NoError(t, err)
	assert.NotEmpty(t, e.InstanceID())
	assert.Equal(t, DefaultFullSyncThreshold, e.Config().FullSyncThreshold)
	assert.Equal(t, DefaultApplyTimeout, e.Config().ApplyTimeout)
	assert.Equal(t, DefaultMaxPayloadEntities, e.Config().MaxPayloadEntities)
}

func TestKnowledgeTracksLocalCounter(t *testing.T) {
	a := newReplica(t, "A")
	ctx := context.Background()

	know, err := a.Knowledge(ctx, testSession, testGraph)
	require.NoError(t, err)
	assert.True(t, know.IsZero())

	a.createNode(t, 1, "one")
	a.createNode(t, 2, "two")

	know, err = a.Knowledge(ctx, testSession, testGraph)
	require.NoError(t, err)
	assert.True(t, know.Equal(vclock.VectorClock{"A": 2}), "knowledge = %v", know)

	state, err := a.SyncState(ctx, testSession, testGraph)
	require.NoError(t, err)
	assert.Nil(t, state, "local mutations must not create a sync state")

	_, err = a.Knowledge(ctx, testSession, "")
	assert.ErrorIs(t, err, ErrSessionRequired)
}

func TestUnknownSessionIsEmpty(t *testing.T) {
	a := newReplica(t, "A")
	payload, err := a.SyncFull(context.Background(), "nobody", testGraph)
	require.NoError(t, err)
	assert.True(t, payload.IsEmpty())
	assert.Equal(t, "A", payload.SenderInstance)
}

func TestSyncStateIsScopedByGraph(t *testing.T) {
	a := newReplica(t, "A")
	b := newReplica(t, "B")
	a.createNode(t, 1, "one")
	pushFull(t, a, b)

	ctx := context.Background()
	state, err := b.SyncState(ctx, testSession, testGraph)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "full", state.LastSyncType)
	assert.True(t, state.Clock.Covers(vclock.VectorClock{"A": 1}))

	other, err := b.SyncState(ctx, testSession, "other-graph")
	require.NoError(t, err)
	assert.Nil(t, other)
}

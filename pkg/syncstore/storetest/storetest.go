// Package storetest is a conformance suite every syncstore.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) syncstore.Store

// Epoch is the base time used by every test record
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var errAbort = errors.New("abort")

// Run runs the whole suite against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s syncstore.Store)
	}{
		{"NodeCRUD", testNodeCRUD},
		{"EdgeCRUD", testEdgeCRUD},
		{"ListFilter", testListFilter},
		{"NextIDs", testNextIDs},
		{"SessionIsolation", testSessionIsolation},
		{"Changelog", testChangelog},
		{"PruneChangelog", testPruneChangelog},
		{"SyncState", testSyncState},
		{"Conflicts", testConflicts},
		{"RollbackOnError", testRollbackOnError},
		{"RollbackOnCancel", testRollbackOnCancel},
		{"ReadOnlyView", testReadOnlyView},
		{"ReturnsCopies", testReturnsCopies},
		{"MarkDeletedAndSyncFlag", testOps},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func update(t *testing.T, s syncstore.Store, fn func(tx syncstore.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func view(t *testing.T, s syncstore.Store, fn func(tx syncstore.Tx) error) {
	t.Helper()
	require.NoError(t, s.View(context.Background(), fn))
}

func testNode(session string, id uint64, label string) *changelog.SyncedNode {
	return changelog.NewNode(session, id, "concept", label, changelog.Properties{"k": changelog.StringValue(label)}, "A", Epoch)
}

func testEdge(session string, id, src, dst uint64) *changelog.SyncedEdge {
	return changelog.NewEdge(session, id, src, dst, "relates", "knows", nil, 1.0, "A", Epoch)
}

func testNodeCRUD(t *testing.T, s syncstore.Store) {
	n := testNode("s1", 1, "alpha")
	update(t, s, func(tx syncstore.Tx) error { return tx.PutNode(n) })

	view(t, s, func(tx syncstore.Tx) error {
		got, err := tx.GetNode("s1", 1)
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.Label)
		assert.True(t, got.VectorClock.Equal(vclock.VectorClock{"A": 1}))
		assert.True(t, got.Properties.Equal(n.Properties))

		_, err = tx.GetNode("s1", 99)
		assert.True(t, syncstore.IsNotFound(err))
		assert.ErrorIs(t, err, syncstore.ErrNodeNotFound)
		return nil
	})

	n.Label = "beta"
	n.Touch("B", Epoch.Add(time.Second))
	update(t, s, func(tx syncstore.Tx) error { return tx.PutNode(n) })

	view(t, s, func(tx syncstore.Tx) error {
		got, err := tx.GetNode("s1", 1)
		require.NoError(t, err)
		assert.Equal(t, "beta", got.Label)
		assert.Equal(t, "B", got.LastModifiedBy)
		assert.True(t, got.VectorClock.Equal(vclock.VectorClock{"A": 1, "B": 1}))
		return nil
	})
}

func testEdgeCRUD(t *testing.T, s syncstore.Store) {
	update(t, s, func(tx syncstore.Tx) error {
		require.NoError(t, tx.PutNode(testNode("s1", 1, "a")))
		require.NoError(t, tx.PutNode(testNode("s1", 2, "b")))
		return tx.PutEdge(testEdge("s1", 5, 1, 2))
	})

	view(t, s, func(tx syncstore.Tx) error {
		got, err := tx.GetEdge("s1", 5)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.SourceID)
		assert.Equal(t, uint64(2), got.TargetID)
		assert.Equal(t, "knows", got.Predicate)

		_, err = tx.GetEdge("s1", 6)
		assert.ErrorIs(t, err, syncstore.ErrEdgeNotFound)
		return nil
	})
}

func testListFilter(t *testing.T, s syncstore.Store) {
	update(t, s, func(tx syncstore.Tx) error {
		live := testNode("s1", 3, "live")
		deleted := testNode("s1", 1, "deleted")
		deleted.MarkDeleted("A", Epoch)
		private := testNode("s1", 2, "private")
		private.SyncEnabled = false
		for _, n := range []*changelog.SyncedNode{live, deleted, private} {
			require.NoError(t, tx.PutNode(n))
		}
		return nil
	})

	view(t, s, func(tx syncstore.Tx) error {
		all, err := tx.ListNodes("s1", syncstore.ListFilter{IncludeDeleted: true})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []uint64{1, 2, 3}, []uint64{all[0].ID, all[1].ID, all[2].ID})

		live, err := tx.ListNodes("s1", syncstore.ListFilter{})
		require.NoError(t, err)
		assert.Len(t, live, 2)

		synced, err := tx.ListNodes("s1", syncstore.ListFilter{SyncEnabledOnly: true, IncludeDeleted: true})
		require.NoError(t, err)
		require.Len(t, synced, 2)
		assert.Equal(t, uint64(1), synced[0].ID)
		assert.Equal(t, uint64(3), synced[1].ID)

		count, err := tx.CountNodes("s1")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		return nil
	})
}

func testNextIDs(t *testing.T, s syncstore.Store) {
	view(t, s, func(tx syncstore.Tx) error {
		id, err := tx.NextNodeID("s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id)
		id, err = tx.NextEdgeID("s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id)
		return nil
	})

	update(t, s, func(tx syncstore.Tx) error {
		require.NoError(t, tx.PutNode(testNode("s1", 7, "a")))
		require.NoError(t, tx.PutNode(testNode("s1", 8, "b")))
		return tx.PutEdge(testEdge("s1", 4, 7, 8))
	})

	view(t, s, func(tx syncstore.Tx) error {
		id, err := tx.NextNodeID("s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(9), id)
		id, err = tx.NextEdgeID("s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(5), id)
		id, err = tx.NextNodeID("s2")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id)
		return nil
	})
}

func testSessionIsolation(t *testing.T, s syncstore.Store) {
	update(t, s, func(tx syncstore.Tx) error {
		require.NoError(t, tx.PutNode(testNode("s1", 1, "one")))
		return tx.PutNode(testNode("s2", 1, "two"))
	})

	view(t, s, func(tx syncstore.Tx) error {
		a, err := tx.GetNode("s1", 1)
		require.NoError(t, err)
		b, err := tx.GetNode("s2", 1)
		require.NoError(t, err)
		assert.Equal(t, "one", a.Label)
		assert.Equal(t, "two", b.Label)

		nodes, err := tx.ListNodes("s3", syncstore.ListFilter{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Empty(t, nodes)
		return nil
	})
}

func appendNodeEntry(t *testing.T, tx syncstore.Tx, n *changelog.SyncedNode, at time.Time) uint64 {
	t.Helper()
	entry, err := changelog.NewNodeEntry(n, changelog.OpUpdate, at)
	require.NoError(t, err)
	seq, err := tx.AppendChangelog(entry)
	require.NoError(t, err)
	assert.Equal(t, seq, entry.Seq)
	return seq
}

func testChangelog(t *testing.T, s syncstore.Store) {
	var seqs []uint64
	update(t, s, func(tx syncstore.Tx) error {
		for i := 1; i <= 3; i++ {
			n := testNode("s1", uint64(i), "n")
			seqs = append(seqs, appendNodeEntry(t, tx, n, Epoch.Add(time.Duration(i)*time.Second)))
		}
		appendNodeEntry(t, tx, testNode("s2", 1, "other"), Epoch.Add(time.Second))
		return nil
	})
	assert.True(t, seqs[0] < seqs[1] && seqs[1] < seqs[2], "sequence numbers must increase: %v", seqs)

	view(t, s, func(tx syncstore.Tx) error {
		all, err := tx.ChangelogSince("s1", time.Time{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, e := range all {
			assert.Equal(t, seqs[i], e.Seq)
			assert.Equal(t, "s1", e.SessionID)
		}

		after, err := tx.ChangelogSince("s1", Epoch.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, after, 2)
		assert.Equal(t, uint64(2), after[0].EntityID)
		assert.True(t, after[1].CreatedAt.Equal(Epoch.Add(3*time.Second)))

		node, err := after[1].Node()
		require.NoError(t, err)
		assert.Equal(t, uint64(3), node.ID)

		wm, err := tx.ChangelogWatermark("s1")
		require.NoError(t, err)
		assert.True(t, wm.IsZero())
		return nil
	})
}

func testPruneChangelog(t *testing.T, s syncstore.Store) {
	update(t, s, func(tx syncstore.Tx) error {
		early := testNode("s1", 1, "a")
		early.VectorClock = vclock.VectorClock{"A": 2}
		appendNodeEntry(t, tx, early, Epoch)
		other := testNode("s1", 2, "b")
		other.VectorClock = vclock.VectorClock{"B": 3}
		appendNodeEntry(t, tx, other, Epoch.Add(time.Second))
		appendNodeEntry(t, tx, testNode("s1", 3, "c"), Epoch.Add(time.Hour))
		return nil
	})

	update(t, s, func(tx syncstore.Tx) error {
		pruned, err := tx.PruneChangelog("s1", Epoch.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, pruned)

		none, err := tx.PruneChangelog("s1", Epoch.Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, none)
		return nil
	})

	view(t, s, func(tx syncstore.Tx) error {
		rest, err := tx.ChangelogSince("s1", time.Time{})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, uint64(3), rest[0].EntityID)

		wm, err := tx.ChangelogWatermark("s1")
		require.NoError(t, err)
		assert.True(t, wm.Equal(vclock.VectorClock{"A": 2, "B": 3}), "watermark = %v", wm)
		return nil
	})
}

func testSyncState(t *testing.T, s syncstore.Store) {
	key := syncstore.StateKey{Instance: "A", Session: "s1", Graph: "g"}

	view(t, s, func(tx syncstore.Tx) error {
		st, err := tx.SyncState(key)
		require.NoError(t, err)
		assert.Nil(t, st)
		return nil
	})

	update(t, s, func(tx syncstore.Tx) error {
		return tx.PutSyncState(key, &syncstore.SyncState{
			Clock:        vclock.VectorClock{"A": 2, "B": 1},
			LastSyncAt:   Epoch,
			LastSyncType: "full",
		})
	})
	update(t, s, func(tx syncstore.Tx) error {
		other := key
		other.Graph = "h"
		return tx.PutSyncState(other, &syncstore.SyncState{Clock: vclock.VectorClock{"C": 1}, LastSyncAt: Epoch})
	})

	view(t, s, func(tx syncstore.Tx) error {
		st, err := tx.SyncState(key)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.True(t, st.Clock.Equal(vclock.VectorClock{"A": 2, "B": 1}))
		assert.True(t, st.LastSyncAt.Equal(Epoch))
		assert.Equal(t, "full", st.LastSyncType)
		return nil
	})
}

func testConflicts(t *testing.T, s syncstore.Store) {
	record := &conflict.Record{
		ID:         uuid.New(),
		SessionID:  "s1",
		EntityType: changelog.EntityNode,
		EntityID:   1,
		Type:       conflict.ConcurrentUpdate,
		Local:      []byte(`{"id":1}`),
		Remote:     []byte(`{"id":1}`),
		Resolved:   []byte(`{"id":1}`),
		Winner:     "B",
		Rule:       conflict.RuleHigherInstanceID,
		DetectedAt: Epoch,
	}

	update(t, s, func(tx syncstore.Tx) error {
		require.NoError(t, tx.AppendConflict(record))
		return tx.AppendConflict(record)
	})
	update(t, s, func(tx syncstore.Tx) error { return tx.AppendConflict(record) })

	view(t, s, func(tx syncstore.Tx) error {
		got, err := tx.ListConflicts("s1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, record.ID, got[0].ID)
		assert.Equal(t, conflict.ConcurrentUpdate, got[0].Type)
		assert.Equal(t, "B", got[0].Winner)
		assert.JSONEq(t, `{"id":1}`, string(got[0].Resolved))

		none, err := tx.ListConflicts("s2")
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	})
}

func testRollbackOnError(t *testing.T, s syncstore.Store) {
	key := syncstore.StateKey{Instance: "A", Session: "s1", Graph: "g"}
	update(t, s, func(tx syncstore.Tx) error { return tx.PutNode(testNode("s1", 1, "kept")) })

	err := s.Update(context.Background(), func(tx syncstore.Tx) error {
		changed := testNode("s1", 1, "changed")
		require.NoError(t, tx.PutNode(changed))
		require.NoError(t, tx.PutNode(testNode("s1", 2, "new")))
		require.NoError(t, tx.PutEdge(testEdge("s1", 1, 1, 2)))
		appendNodeEntry(t, tx, changed, Epoch)
		require.NoError(t, tx.PutSyncState(key, &syncstore.SyncState{Clock: vclock.VectorClock{"A": 1}}))
		require.NoError(t, tx.AppendConflict(&conflict.Record{ID: uuid.New(), SessionID: "s1", DetectedAt: Epoch}))

		// writes are visible inside the transaction
		got, err := tx.GetNode("s1", 1)
		require.NoError(t, err)
		assert.Equal(t, "changed", got.Label)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	view(t, s, func(tx syncstore.Tx) error {
		got, err := tx.GetNode("s1", 1)
		require.NoError(t, err)
		assert.Equal(t, "kept", got.Label)

		_, err = tx.GetNode("s1", 2)
		assert.True(t, syncstore.IsNotFound(err))
		_, err = tx.GetEdge("s1", 1)
		assert.True(t, syncstore.IsNotFound(err))

		entries, err := tx.ChangelogSince("s1", time.Time{})
		require.NoError(t, err)
		assert.Empty(t, entries)

		st, err := tx.SyncState(key)
		require.NoError(t, err)
		assert.Nil(t, st)

		conflicts, err := tx.ListConflicts("s1")
		require.NoError(t, err)
		assert.Empty(t, conflicts)
		return nil
	})
}

func testRollbackOnCancel(t *testing.T, s syncstore.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	err := s.Update(ctx, func(tx syncstore.Tx) error {
		require.NoError(t, tx.PutNode(testNode("s1", 1, "lost")))
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	view(t, s, func(tx syncstore.Tx) error {
		_, err := tx.GetNode("s1", 1)
		assert.True(t, syncstore.IsNotFound(err))
		return nil
	})

	err = s.Update(ctx, func(tx syncstore.Tx) error {
		t.Fatal("fn must not run with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func testReadOnlyView(t *testing.T, s syncstore.Store) {
	err := s.View(context.Background(), func(tx syncstore.Tx) error {
		return tx.PutNode(testNode("s1", 1, "x"))
	})
	assert.ErrorIs(t, err, syncstore.ErrReadOnly)
}

func testReturnsCopies(t *testing.T, s syncstore.Store) {
	n := testNode("s1", 1, "orig")
	update(t, s, func(tx syncstore.Tx) error { return tx.PutNode(n) })
	n.Label = "mutated after put"

	view(t, s, func(tx syncstore.Tx) error {
		got, err := tx.GetNode("s1", 1)
		require.NoError(t, err)
		assert.Equal(t, "orig", got.Label)
		got.VectorClock["Z"] = 5
		return nil
	})

	view(t, s, func(tx syncstore.Tx) error {
		got, err := tx.GetNode("s1", 1)
		require.NoError(t, err)
		assert.Zero(t, got.VectorClock.Get("Z"))
		return nil
	})
}

func testOps(t *testing.T, s syncstore.Store) {
	update(t, s, func(tx syncstore.Tx) error {
		require.NoError(t, tx.PutNode(testNode("s1", 1, "a")))
		require.NoError(t, tx.PutNode(testNode("s1", 2, "b")))
		return tx.PutEdge(testEdge("s1", 1, 1, 2))
	})

	update(t, s, func(tx syncstore.Tx) error {
		n, err := syncstore.MarkNodeDeleted(tx, "s1", 1, "B", 0, Epoch.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, n.VectorClock.Equal(vclock.VectorClock{"A": 1, "B": 1}))

		_, err = syncstore.MarkEdgeDeleted(tx, "s1", 1, "B", 7, Epoch.Add(time.Minute))
		require.NoError(t, err)

		require.NoError(t, syncstore.UpdateNodeSync(tx, "s1", 2, false))
		_, err = syncstore.MarkNodeDeleted(tx, "s1", 42, "B", 0, Epoch)
		assert.True(t, syncstore.IsNotFound(err))
		return nil
	})

	view(t, s, func(tx syncstore.Tx) error {
		n, err := tx.GetNode("s1", 1)
		require.NoError(t, err)
		assert.True(t, n.IsDeleted)
		assert.Equal(t, "B", n.LastModifiedBy)

		e, err := tx.GetEdge("s1", 1)
		require.NoError(t, err)
		assert.True(t, e.IsDeleted)
		assert.True(t, e.VectorClock.Equal(vclock.VectorClock{"A": 1, "B": 7}), "edge clock = %v", e.VectorClock)

		b, err := tx.GetNode("s1", 2)
		require.NoError(t, err)
		assert.False(t, b.SyncEnabled)
		assert.True(t, b.VectorClock.Equal(vclock.VectorClock{"A": 1}), "toggling sync must not bump the clock")
		return nil
	})
}

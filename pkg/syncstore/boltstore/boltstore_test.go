package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) syncstore.Store {
		s, err := Open(filepath.Join(t.TempDir(), "graphsync.db"), Options{NoSync: true})
		require.NoError(t, err)
		return s
	})
}

func TestOpen_CreatesBuckets(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "graphsync.db"), Options{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, s.Close())
	}()

	err = s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			assert.NotNil(t, tx.Bucket(name), "bucket %s missing", name)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOpen_InvalidPath(t *testing.T) {
	s, err := Open(string([]byte{0}), Options{})
	assert.Error(t, err)
	assert.Nil(t, s)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphsync.db")
	s, err := Open(path, Options{})
	require.NoError(t, err)

	err = s.Update(context.Background(), func(tx syncstore.Tx) error {
		n := changelog.NewNode("s1", 1, "concept", "kept", nil, "A", storetest.Epoch)
		if err := tx.PutNode(n); err != nil {
			return err
		}
		entry, err := changelog.NewNodeEntry(n, changelog.OpCreate, storetest.Epoch)
		if err != nil {
			return err
		}
		_, err = tx.AppendChangelog(entry)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	err = reopened.Update(context.Background(), func(tx syncstore.Tx) error {
		n, err := tx.GetNode("s1", 1)
		require.NoError(t, err)
		assert.Equal(t, "kept", n.Label)

		entry, err := changelog.NewNodeEntry(n, changelog.OpUpdate, storetest.Epoch)
		require.NoError(t, err)
		seq, err := tx.AppendChangelog(entry)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), seq)
		return nil
	})
	require.NoError(t, err)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "graphsync.db"), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.View(context.Background(), func(tx syncstore.Tx) error { return nil })
	assert.ErrorIs(t, err, syncstore.ErrClosed)
}

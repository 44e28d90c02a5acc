package boltstore

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

type boltTx struct {
	tx *bbolt.Tx
}

var _ syncstore.Tx = (*boltTx)(nil)

// session returns the nested bucket for session under parent. In a
// read-only transaction a missing bucket is returned as nil.
func (t *boltTx) session(parent []byte, session string) (*bbolt.Bucket, error) {
	root := t.tx.Bucket(parent)
	if root == nil {
		return nil, fmt.Errorf("%s bucket not found", parent)
	}
	if !t.tx.Writable() {
		return root.Bucket([]byte(session)), nil
	}
	b, err := root.CreateBucketIfNotExists([]byte(session))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s/%s bucket: %w", parent, session, err)
	}
	return b, nil
}

func (t *boltTx) writable() error {
	if !t.tx.Writable() {
		return syncstore.ErrReadOnly
	}
	return nil
}

func (t *boltTx) SyncState(key syncstore.StateKey) (*syncstore.SyncState, error) {
	data := t.tx.Bucket(bucketSyncState).Get([]byte(key.String()))
	if data == nil {
		return nil, nil
	}
	state := &syncstore.SyncState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync state %s: %w", key, err)
	}
	return state, nil
}

func (t *boltTx) PutSyncState(key syncstore.StateKey, state *syncstore.SyncState) error {
	if err := t.writable(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return syncstore.MarshalError("sync state", 0, err)
	}
	return t.tx.Bucket(bucketSyncState).Put([]byte(key.String()), data)
}

func (t *boltTx) CountNodes(session string) (int, error) {
	nodes, err := t.ListNodes(session, syncstore.ListFilter{})
	return len(nodes), err
}

func (t *boltTx) AppendChangelog(entry *changelog.Entry) (uint64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	b, err := t.session(bucketChangelog, entry.SessionID)
	if err != nil {
		return 0, err
	}
	// sequence numbers are global so they order entries across sessions too
	seq, err := t.tx.Bucket(bucketChangelog).NextSequence()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate changelog sequence: %w", err)
	}
	entry.Seq = seq
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, syncstore.MarshalError("changelog", seq, err)
	}
	if err := b.Put(itob(seq), data); err != nil {
		return 0, fmt.Errorf("failed to append changelog entry: %w", err)
	}
	return seq, nil
}

func (t *boltTx) ChangelogSince(session string, since time.Time) ([]*changelog.Entry, error) {
	b, err := t.session(bucketChangelog, session)
	if err != nil || b == nil {
		return nil, err
	}
	var entries []*changelog.Entry
	err = b.ForEach(func(k, v []byte) error {
		entry := &changelog.Entry{}
		if err := json.Unmarshal(v, entry); err != nil {
			return fmt.Errorf("failed to unmarshal changelog entry %d: %w", btoi(k), err)
		}
		if since.IsZero() || entry.CreatedAt.After(since) {
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (t *boltTx) ChangelogWatermark(session string) (vclock.VectorClock, error) {
	data := t.tx.Bucket(bucketWatermarks).Get([]byte(session))
	if data == nil {
		return vclock.New(), nil
	}
	return vclock.Parse(data)
}

func (t *boltTx) PruneChangelog(session string, before time.Time) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	b, err := t.session(bucketChangelog, session)
	if err != nil {
		return 0, err
	}
	watermark, err := t.ChangelogWatermark(session)
	if err != nil {
		return 0, err
	}

	var doomed [][]byte
	err = b.ForEach(func(k, v []byte) error {
		entry := &changelog.Entry{}
		if err := json.Unmarshal(v, entry); err != nil {
			return fmt.Errorf("failed to unmarshal changelog entry %d: %w", btoi(k), err)
		}
		if entry.CreatedAt.Before(before) {
			watermark = watermark.Merge(entry.VectorClock)
			doomed = append(doomed, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil || len(doomed) == 0 {
		return 0, err
	}

	// keys are deleted after iteration; bbolt cursors skip on in-place delete
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return 0, fmt.Errorf("failed to prune changelog entry %d: %w", btoi(k), err)
		}
	}
	data, err := json.Marshal(watermark)
	if err != nil {
		return 0, syncstore.MarshalError("watermark", 0, err)
	}
	if err := t.tx.Bucket(bucketWatermarks).Put([]byte(session), data); err != nil {
		return 0, err
	}
	return len(doomed), nil
}

func (t *boltTx) GetNode(session string, id uint64) (*changelog.SyncedNode, error) {
	b, err := t.session(bucketNodes, session)
	if err != nil {
		return nil, err
	}
	var data []byte
	if b != nil {
		data = b.Get(itob(id))
	}
	if data == nil {
		return nil, syncstore.NodeNotFoundError(session, id)
	}
	node := &changelog.SyncedNode{}
	if err := json.Unmarshal(data, node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node %d: %w", id, err)
	}
	return node, nil
}

func (t *boltTx) ListNodes(session string, filter syncstore.ListFilter) ([]*changelog.SyncedNode, error) {
	b, err := t.session(bucketNodes, session)
	if err != nil || b == nil {
		return nil, err
	}
	var nodes []*changelog.SyncedNode
	err = b.ForEach(func(k, v []byte) error {
		node := &changelog.SyncedNode{}
		if err := json.Unmarshal(v, node); err != nil {
			return fmt.Errorf("failed to unmarshal node %d: %w", btoi(k), err)
		}
		if filter.Match(node.SyncEnabled, node.IsDeleted) {
			nodes = append(nodes, node)
		}
		return nil
	})
	return nodes, err
}

func (t *boltTx) PutNode(node *changelog.SyncedNode) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, err := t.session(bucketNodes, node.SessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return syncstore.MarshalError("node", node.ID, err)
	}
	return b.Put(itob(node.ID), data)
}

func (t *boltTx) NextNodeID(session string) (uint64, error) {
	return t.nextID(bucketNodes, session)
}

func (t *boltTx) nextID(parent []byte, session string) (uint64, error) {
	b, err := t.session(parent, session)
	if err != nil || b == nil {
		return 1, err
	}
	k, _ := b.Cursor().Last()
	if k == nil {
		return 1, nil
	}
	return btoi(k) + 1, nil
}

func (t *boltTx) GetEdge(session string, id uint64) (*changelog.SyncedEdge, error) {
	b, err := t.session(bucketEdges, session)
	if err != nil {
		return nil, err
	}
	var data []byte
	if b != nil {
		data = b.Get(itob(id))
	}
	if data == nil {
		return nil, syncstore.EdgeNotFoundError(session, id)
	}
	edge := &changelog.SyncedEdge{}
	if err := json.Unmarshal(data, edge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edge %d: %w", id, err)
	}
	return edge, nil
}

func (t *boltTx) ListEdges(session string, filter syncstore.ListFilter) ([]*changelog.SyncedEdge, error) {
	b, err := t.session(bucketEdges, session)
	if err != nil || b == nil {
		return nil, err
	}
	var edges []*changelog.SyncedEdge
	err = b.ForEach(func(k, v []byte) error {
		edge := &changelog.SyncedEdge{}
		if err := json.Unmarshal(v, edge); err != nil {
			return fmt.Errorf("failed to unmarshal edge %d: %w", btoi(k), err)
		}
		if filter.Match(edge.SyncEnabled, edge.IsDeleted) {
			edges = append(edges, edge)
		}
		return nil
	})
	return edges, err
}

func (t *boltTx) PutEdge(edge *changelog.SyncedEdge) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, err := t.session(bucketEdges, edge.SessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(edge)
	if err != nil {
		return syncstore.MarshalError("edge", edge.ID, err)
	}
	return b.Put(itob(edge.ID), data)
}

func (t *boltTx) NextEdgeID(session string) (uint64, error) {
	return t.nextID(bucketEdges, session)
}

func (t *boltTx) AppendConflict(record *conflict.Record) error {
	if err := t.writable(); err != nil {
		return err
	}
	ids := t.tx.Bucket(bucketConflictIDs)
	if ids.Get(record.ID[:]) != nil {
		return nil
	}
	b, err := t.session(bucketConflicts, record.SessionID)
	if err != nil {
		return err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return syncstore.MarshalError("conflict", 0, err)
	}
	if err := b.Put(itob(seq), data); err != nil {
		return err
	}
	return ids.Put(record.ID[:], []byte(record.SessionID))
}

func (t *boltTx) ListConflicts(session string) ([]*conflict.Record, error) {
	b, err := t.session(bucketConflicts, session)
	if err != nil || b == nil {
		return nil, err
	}
	var records []*conflict.Record
	err = b.ForEach(func(k, v []byte) error {
		record := &conflict.Record{}
		if err := json.Unmarshal(v, record); err != nil {
			return fmt.Errorf("failed to unmarshal conflict %d: %w", btoi(k), err)
		}
		records = append(records, record)
		return nil
	})
	return records, err
}

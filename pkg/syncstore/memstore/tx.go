package memstore

import (
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

type memTx struct {
	st       *state
	writable bool
	undo     []func()
	redo     []*op
}

var _ syncstore.Tx = (*memTx)(nil)

func (t *memTx) exec(o *op) error {
	if !t.writable {
		return syncstore.ErrReadOnly
	}
	t.undo = append(t.undo, t.st.apply(o))
	t.redo = append(t.redo, o)
	return nil
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo, t.redo = nil, nil
}

func (t *memTx) SyncState(key syncstore.StateKey) (*syncstore.SyncState, error) {
	return t.st.syncStates[key].Clone(), nil
}

func (t *memTx) PutSyncState(key syncstore.StateKey, state *syncstore.SyncState) error {
	return t.exec(&op{Kind: opPutSyncState, Key: &key, State: state.Clone()})
}

func (t *memTx) CountNodes(session string) (int, error) {
	count := 0
	for _, n := range t.st.nodes[session] {
		if !n.IsDeleted {
			count++
		}
	}
	return count, nil
}

func (t *memTx) AppendChangelog(entry *changelog.Entry) (uint64, error) {
	stored := entry.Clone()
	stored.Seq = 0
	if err := t.exec(&op{Kind: opAppendEntry, Entry: stored}); err != nil {
		return 0, err
	}
	entry.Seq = stored.Seq
	return stored.Seq, nil
}

func (t *memTx) ChangelogSince(session string, since time.Time) ([]*changelog.Entry, error) {
	selected := changelog.Since(t.st.log[session], since)
	out := make([]*changelog.Entry, len(selected))
	for i, e := range selected {
		out[i] = e.Clone()
	}
	return out, nil
}

func (t *memTx) ChangelogWatermark(session string) (vclock.VectorClock, error) {
	return t.st.watermarks[session].Clone(), nil
}

func (t *memTx) PruneChangelog(session string, before time.Time) (int, error) {
	if !t.writable {
		return 0, syncstore.ErrReadOnly
	}
	undo, pruned := t.st.prune(session, before)
	if pruned == 0 {
		return 0, nil
	}
	t.undo = append(t.undo, undo)
	t.redo = append(t.redo, &op{Kind: opPrune, Session: session, Before: before.UnixNano()})
	return pruned, nil
}

func (t *memTx) GetNode(session string, id uint64) (*changelog.SyncedNode, error) {
	n, ok := t.st.nodes[session][id]
	if !ok {
		return nil, syncstore.NodeNotFoundError(session, id)
	}
	return n.Clone(), nil
}

func (t *memTx) ListNodes(session string, filter syncstore.ListFilter) ([]*changelog.SyncedNode, error) {
	bySession := t.st.nodes[session]
	out := make([]*changelog.SyncedNode, 0, len(bySession))
	for _, id := range sortedIDs(bySession) {
		n := bySession[id]
		if filter.Match(n.SyncEnabled, n.IsDeleted) {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

func (t *memTx) PutNode(node *changelog.SyncedNode) error {
	return t.exec(&op{Kind: opPutNode, Node: node.Clone()})
}

func (t *memTx) NextNodeID(session string) (uint64, error) {
	return t.st.maxNodeID[session] + 1, nil
}

func (t *memTx) GetEdge(session string, id uint64) (*changelog.SyncedEdge, error) {
	e, ok := t.st.edges[session][id]
	if !ok {
		return nil, syncstore.EdgeNotFoundError(session, id)
	}
	return e.Clone(), nil
}

func (t *memTx) ListEdges(session string, filter syncstore.ListFilter) ([]*changelog.SyncedEdge, error) {
	bySession := t.st.edges[session]
	out := make([]*changelog.SyncedEdge, 0, len(bySession))
	for _, id := range sortedIDs(bySession) {
		e := bySession[id]
		if filter.Match(e.SyncEnabled, e.IsDeleted) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (t *memTx) PutEdge(edge *changelog.SyncedEdge) error {
	return t.exec(&op{Kind: opPutEdge, Edge: edge.Clone()})
}

func (t *memTx) NextEdgeID(session string) (uint64, error) {
	return t.st.maxEdgeID[session] + 1, nil
}

func (t *memTx) AppendConflict(record *conflict.Record) error {
	if _, dup := t.st.conflictIDs[record.ID]; dup {
		return nil
	}
	clone := *record
	return t.exec(&op{Kind: opAppendConflict, Conflict: &clone})
}

func (t *memTx) ListConflicts(session string) ([]*conflict.Record, error) {
	records := t.st.conflicts[session]
	out := make([]*conflict.Record, len(records))
	for i, r := range records {
		clone := *r
		out[i] = &clone
	}
	return out, nil
}

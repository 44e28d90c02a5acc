package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

type pgTx struct {
	ctx      context.Context
	tx       pgx.Tx
	writable bool
}

var _ syncstore.Tx = (*pgTx)(nil)

func (t *pgTx) checkWritable() error {
	if !t.writable {
		return syncstore.ErrReadOnly
	}
	return nil
}

func (t *pgTx) SyncState(key syncstore.StateKey) (*syncstore.SyncState, error) {
	query := `
		SELECT data FROM graphsync_sync_state
		WHERE instance_id = $1 AND session_id = $2 AND graph_name = $3
	`
	var data []byte
	err := t.tx.QueryRow(t.ctx, query, key.Instance, key.Session, key.Graph).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state %s: %w", key, err)
	}
	state := &syncstore.SyncState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync state %s: %w", key, err)
	}
	return state, nil
}

func (t *pgTx) PutSyncState(key syncstore.StateKey, state *syncstore.SyncState) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return syncstore.MarshalError("sync state", 0, err)
	}
	query := `
		INSERT INTO graphsync_sync_state (instance_id, session_id, graph_name, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (instance_id, session_id, graph_name) DO UPDATE SET data = EXCLUDED.data
	`
	if _, err := t.tx.Exec(t.ctx, query, key.Instance, key.Session, key.Graph, data); err != nil {
		return fmt.Errorf("failed to put sync state %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) CountNodes(session string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM graphsync_nodes WHERE session_id = $1 AND NOT is_deleted`
	if err := t.tx.QueryRow(t.ctx, query, session).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

func (t *pgTx) AppendChangelog(entry *changelog.Entry) (uint64, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	// seq lives in its own column; the body is stored without it
	body := entry.Clone()
	body.Seq = 0
	data, err := json.Marshal(body)
	if err != nil {
		return 0, syncstore.MarshalError("changelog", 0, err)
	}
	query := `
		INSERT INTO graphsync_changelog (session_id, created_at, data)
		VALUES ($1, $2, $3)
		RETURNING seq
	`
	var seq int64
	if err := t.tx.QueryRow(t.ctx, query, entry.SessionID, entry.CreatedAt.UnixNano(), data).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to append changelog entry: %w", err)
	}
	entry.Seq = uint64(seq)
	return entry.Seq, nil
}

func (t *pgTx) ChangelogSince(session string, since time.Time) ([]*changelog.Entry, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if since.IsZero() {
		rows, err = t.tx.Query(t.ctx, `
			SELECT seq, data FROM graphsync_changelog
			WHERE session_id = $1
			ORDER BY seq`, session)
	} else {
		rows, err = t.tx.Query(t.ctx, `
			SELECT seq, data FROM graphsync_changelog
			WHERE session_id = $1 AND created_at > $2
			ORDER BY seq`, session, since.UnixNano())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query changelog: %w", err)
	}
	defer rows.Close()

	var entries []*changelog.Entry
	for rows.Next() {
		var (
			seq  int64
			data []byte
		)
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("failed to scan changelog entry: %w", err)
		}
		entry := &changelog.Entry{}
		if err := json.Unmarshal(data, entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changelog entry %d: %w", seq, err)
		}
		entry.Seq = uint64(seq)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (t *pgTx) ChangelogWatermark(session string) (vclock.VectorClock, error) {
	var data []byte
	err := t.tx.QueryRow(t.ctx, `SELECT clock FROM graphsync_watermarks WHERE session_id = $1`, session).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return vclock.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark: %w", err)
	}
	return vclock.Parse(data)
}

func (t *pgTx) PruneChangelog(session string, before time.Time) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	rows, err := t.tx.Query(t.ctx, `
		DELETE FROM graphsync_changelog
		WHERE session_id = $1 AND created_at < $2
		RETURNING data`, session, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune changelog: %w", err)
	}
	var clocks []vclock.VectorClock
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan pruned entry: %w", err)
		}
		entry := &changelog.Entry{}
		if err := json.Unmarshal(data, entry); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to unmarshal pruned entry: %w", err)
		}
		clocks = append(clocks, entry.VectorClock)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to prune changelog: %w", err)
	}
	if len(clocks) == 0 {
		return 0, nil
	}

	watermark, err := t.ChangelogWatermark(session)
	if err != nil {
		return 0, err
	}
	for _, c := range clocks {
		watermark = watermark.Merge(c)
	}
	data, err := json.Marshal(watermark)
	if err != nil {
		return 0, syncstore.MarshalError("watermark", 0, err)
	}
	_, err = t.tx.Exec(t.ctx, `
		INSERT INTO graphsync_watermarks (session_id, clock) VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET clock = EXCLUDED.clock`, session, data)
	if err != nil {
		return 0, fmt.Errorf("failed to store watermark: %w", err)
	}
	return len(clocks), nil
}

func (t *pgTx) GetNode(session string, id uint64) (*changelog.SyncedNode, error) {
	var data []byte
	err := t.tx.QueryRow(t.ctx, `SELECT data FROM graphsync_nodes WHERE session_id = $1 AND id = $2`,
		session, int64(id)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, syncstore.NodeNotFoundError(session, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %d: %w", id, err)
	}
	node := &changelog.SyncedNode{}
	if err := json.Unmarshal(data, node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node %d: %w", id, err)
	}
	return node, nil
}

func (t *pgTx) ListNodes(session string, filter syncstore.ListFilter) ([]*changelog.SyncedNode, error) {
	var nodes []*changelog.SyncedNode
	err := t.list("graphsync_nodes", session, filter, func(data []byte) error {
		node := &changelog.SyncedNode{}
		if err := json.Unmarshal(data, node); err != nil {
			return fmt.Errorf("failed to unmarshal node: %w", err)
		}
		nodes = append(nodes, node)
		return nil
	})
	return nodes, err
}

// list scans one of the entity tables in id order
func (t *pgTx) list(table, session string, filter syncstore.ListFilter, fn func(data []byte) error) error {
	query := fmt.Sprintf(`
		SELECT data FROM %s
		WHERE session_id = $1 AND (NOT $2 OR sync_enabled) AND ($3 OR NOT is_deleted)
		ORDER BY id`, table)
	rows, err := t.tx.Query(t.ctx, query, session, filter.SyncEnabledOnly, filter.IncludeDeleted)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *pgTx) PutNode(node *changelog.SyncedNode) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return syncstore.MarshalError("node", node.ID, err)
	}
	return t.put("graphsync_nodes", node.SessionID, node.ID, data, node.IsDeleted, node.SyncEnabled)
}

func (t *pgTx) put(table, session string, id uint64, data []byte, deleted, syncEnabled bool) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, id, data, is_deleted, sync_enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, id) DO UPDATE
		SET data = EXCLUDED.data, is_deleted = EXCLUDED.is_deleted, sync_enabled = EXCLUDED.sync_enabled`, table)
	if _, err := t.tx.Exec(t.ctx, query, session, int64(id), data, deleted, syncEnabled); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", table, id, err)
	}
	return nil
}

func (t *pgTx) NextNodeID(session string) (uint64, error) {
	return t.nextID("graphsync_nodes", session)
}

func (t *pgTx) nextID(table, session string) (uint64, error) {
	var next int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(id), 0) + 1 FROM %s WHERE session_id = $1`, table)
	if err := t.tx.QueryRow(t.ctx, query, session).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to allocate id from %s: %w", table, err)
	}
	return uint64(next), nil
}

func (t *pgTx) GetEdge(session string, id uint64) (*changelog.SyncedEdge, error) {
	var data []byte
	err := t.tx.QueryRow(t.ctx, `SELECT data FROM graphsync_edges WHERE session_id = $1 AND id = $2`,
		session, int64(id)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, syncstore.EdgeNotFoundError(session, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edge %d: %w", id, err)
	}
	edge := &changelog.SyncedEdge{}
	if err := json.Unmarshal(data, edge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edge %d: %w", id, err)
	}
	return edge, nil
}

func (t *pgTx) ListEdges(session string, filter syncstore.ListFilter) ([]*changelog.SyncedEdge, error) {
	var edges []*changelog.SyncedEdge
	err := t.list("graphsync_edges", session, filter, func(data []byte) error {
		edge := &changelog.SyncedEdge{}
		if err := json.Unmarshal(data, edge); err != nil {
			return fmt.Errorf("failed to unmarshal edge: %w", err)
		}
		edges = append(edges, edge)
		return nil
	})
	return edges, err
}

func (t *pgTx) PutEdge(edge *changelog.SyncedEdge) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	data, err := json.Marshal(edge)
	if err != nil {
		return syncstore.MarshalError("edge", edge.ID, err)
	}
	return t.put("graphsync_edges", edge.SessionID, edge.ID, data, edge.IsDeleted, edge.SyncEnabled)
}

func (t *pgTx) NextEdgeID(session string) (uint64, error) {
	return t.nextID("graphsync_edges", session)
}

func (t *pgTx) AppendConflict(record *conflict.Record) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return syncstore.MarshalError("conflict", 0, err)
	}
	query := `
		INSERT INTO graphsync_conflicts (id, session_id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := t.tx.Exec(t.ctx, query, record.ID, record.SessionID, data); err != nil {
		return fmt.Errorf("failed to append conflict %s: %w", record.ID, err)
	}
	return nil
}

func (t *pgTx) ListConflicts(session string) ([]*conflict.Record, error) {
	rows, err := t.tx.Query(t.ctx, `SELECT data FROM graphsync_conflicts WHERE session_id = $1 ORDER BY seq`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var records []*conflict.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		record := &conflict.Record{}
		if err := json.Unmarshal(data, record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflict: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

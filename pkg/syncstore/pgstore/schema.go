package pgstore

import "context"

// Record bodies are BYTEA rather than JSONB: JSONB rewrites key order and
// whitespace, and snapshot bytes take part in conflict tie-breaks.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS graphsync_nodes (
		session_id TEXT NOT NULL,
		id BIGINT NOT NULL,
		data BYTEA NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (session_id, id)
	);

	CREATE TABLE IF NOT EXISTS graphsync_edges (
		session_id TEXT NOT NULL,
		id BIGINT NOT NULL,
		data BYTEA NOT NULL,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (session_id, id)
	);

	CREATE TABLE IF NOT EXISTS graphsync_changelog (
		seq BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		data BYTEA NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_graphsync_changelog_session ON graphsync_changelog(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_graphsync_changelog_created ON graphsync_changelog(session_id, created_at);

	CREATE TABLE IF NOT EXISTS graphsync_watermarks (
		session_id TEXT PRIMARY KEY,
		clock BYTEA NOT NULL
	);

	CREATE TABLE IF NOT EXISTS graphsync_sync_state (
		instance_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		graph_name TEXT NOT NULL,
		data BYTEA NOT NULL,
		PRIMARY KEY (instance_id, session_id, graph_name)
	);

	CREATE TABLE IF NOT EXISTS graphsync_conflicts (
		id UUID PRIMARY KEY,
		seq BIGSERIAL,
		session_id TEXT NOT NULL,
		data BYTEA NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_graphsync_conflicts_session ON graphsync_conflicts(session_id, seq);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

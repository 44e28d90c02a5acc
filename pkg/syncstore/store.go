// Package syncstore defines the storage capability the sync engine runs on.
// Every read and write happens inside a transaction; a transaction whose
// function returns an error leaves no trace.
package syncstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// StateKey scopes a sync state
type StateKey struct {
	Instance string `json:"instance_id"`
	Session  string `json:"session_id"`
	Graph    string `json:"graph_name"`
}

func (k StateKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Instance, k.Session, k.Graph)
}

// SyncState is everything a replica has incorporated for one graph
type SyncState struct {
	Clock        vclock.VectorClock `json:"clock"`
	LastSyncAt   time.Time          `json:"last_sync_at"`
	LastSyncType string             `json:"last_sync_type,omitempty"`
}

// Clone creates a deep copy of the state
func (s *SyncState) Clone() *SyncState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Clock = s.Clock.Clone()
	return &clone
}

// ListFilter narrows node and edge listings
type ListFilter struct {
	SyncEnabledOnly bool
	IncludeDeleted  bool
}

// Match reports whether a record passes the filter
func (f ListFilter) Match(syncEnabled, deleted bool) bool {
	if f.SyncEnabledOnly && !syncEnabled {
		return false
	}
	if !f.IncludeDeleted && deleted {
		return false
	}
	return true
}

// Store is a transactional sync store
type Store interface {
	// View runs fn in a read-only transaction
	View(ctx context.Context, fn func(Tx) error) error
	// Update runs fn in a read-write transaction. The transaction commits
	// only if fn returns nil and ctx is still live.
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the set of operations available inside a transaction. Records
// returned are copies; mutating them has no effect until written back.
type Tx interface {
	// SyncState returns nil, nil when no state was recorded for key
	SyncState(key StateKey) (*SyncState, error)
	PutSyncState(key StateKey, state *SyncState) error

	// CountNodes counts live (not deleted) nodes in a session
	CountNodes(session string) (int, error)

	// AppendChangelog assigns the entry the next sequence number
	AppendChangelog(entry *changelog.Entry) (uint64, error)
	// ChangelogSince returns entries created strictly after since, in
	// sequence order. A zero since returns the whole log.
	ChangelogSince(session string, since time.Time) ([]*changelog.Entry, error)
	// ChangelogWatermark is the merged clock of every pruned entry
	ChangelogWatermark(session string) (vclock.VectorClock, error)
	// PruneChangelog drops entries created before the cutoff and folds
	// their clocks into the watermark
	PruneChangelog(session string, before time.Time) (int, error)

	GetNode(session string, id uint64) (*changelog.SyncedNode, error)
	ListNodes(session string, filter ListFilter) ([]*changelog.SyncedNode, error)
	PutNode(node *changelog.SyncedNode) error
	NextNodeID(session string) (uint64, error)

	GetEdge(session string, id uint64) (*changelog.SyncedEdge, error)
	ListEdges(session string, filter ListFilter) ([]*changelog.SyncedEdge, error)
	PutEdge(edge *changelog.SyncedEdge) error
	NextEdgeID(session string) (uint64, error)

	// AppendConflict ignores a record whose ID is already stored
	AppendConflict(record *conflict.Record) error
	ListConflicts(session string) ([]*conflict.Record, error)
}

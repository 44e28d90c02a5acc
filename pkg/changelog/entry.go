package changelog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// Operation is the kind of mutation a changelog entry records
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Entry is one immutable, append-only changelog record.
//
// Seq and CreatedAt are local bookkeeping used to window incremental
// transfer; VectorClock is authoritative for causal ordering.
type Entry struct {
	Seq         uint64             `json:"seq"`
	SessionID   string             `json:"session_id"`
	InstanceID  string             `json:"instance_id"`
	EntityType  EntityType         `json:"entity_type"`
	EntityID    uint64             `json:"entity_id"`
	Operation   Operation          `json:"operation"`
	VectorClock vclock.VectorClock `json:"vector_clock"`
	Data        json.RawMessage    `json:"data,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Tombstone marks an entity as deleted for propagation
type Tombstone struct {
	EntityType  EntityType         `json:"entity_type" validate:"required,oneof=node edge"`
	EntityID    uint64             `json:"entity_id" validate:"required"`
	SessionID   string             `json:"session_id" validate:"required"`
	VectorClock vclock.VectorClock `json:"vector_clock"`
	DeletedBy   string             `json:"deleted_by"`
	DeletedAt   int64              `json:"deleted_at"`
}

// Ref returns the entity the tombstone refers to
func (t Tombstone) Ref() EntityRef {
	return EntityRef{Type: t.EntityType, ID: t.EntityID}
}

// NewNodeEntry builds a changelog entry snapshotting the node's new state
func NewNodeEntry(n *SyncedNode, op Operation, now time.Time) (*Entry, error) {
	data, err := n.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot node %d: %w", n.ID, err)
	}
	return &Entry{
		SessionID:   n.SessionID,
		InstanceID:  n.LastModifiedBy,
		EntityType:  EntityNode,
		EntityID:    n.ID,
		Operation:   op,
		VectorClock: n.VectorClock.Clone(),
		Data:        data,
		CreatedAt:   now,
	}, nil
}

// NewEdgeEntry builds a changelog entry snapshotting the edge's new state
func NewEdgeEntry(e *SyncedEdge, op Operation, now time.Time) (*Entry, error) {
	data, err := e.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot edge %d: %w", e.ID, err)
	}
	return &Entry{
		SessionID:   e.SessionID,
		InstanceID:  e.LastModifiedBy,
		EntityType:  EntityEdge,
		EntityID:    e.ID,
		Operation:   op,
		VectorClock: e.VectorClock.Clone(),
		Data:        data,
		CreatedAt:   now,
	}, nil
}

// Ref returns the entity the entry refers to
func (e *Entry) Ref() EntityRef {
	return EntityRef{Type: e.EntityType, ID: e.EntityID}
}

// HasSnapshot reports whether the entry carries the entity's state
func (e *Entry) HasSnapshot() bool {
	return len(e.Data) > 0
}

// Node decodes the node snapshot carried by the entry
func (e *Entry) Node() (*SyncedNode, error) {
	if e.EntityType != EntityNode {
		return nil, fmt.Errorf("changelog entry %d is a %s entry, not a node entry", e.Seq, e.EntityType)
	}
	if !e.HasSnapshot() {
		return nil, fmt.Errorf("changelog entry %d has no snapshot", e.Seq)
	}
	return NodeFromSnapshot(e.Data)
}

// Edge decodes the edge snapshot carried by the entry
func (e *Entry) Edge() (*SyncedEdge, error) {
	if e.EntityType != EntityEdge {
		return nil, fmt.Errorf("changelog entry %d is a %s entry, not an edge entry", e.Seq, e.EntityType)
	}
	if !e.HasSnapshot() {
		return nil, fmt.Errorf("changelog entry %d has no snapshot", e.Seq)
	}
	return EdgeFromSnapshot(e.Data)
}

// Tombstone derives a tombstone from a delete entry. The deletion time is
// taken from the snapshot when there is one so every replica derives the
// same tombstone from the same entry.
func (e *Entry) Tombstone() Tombstone {
	t := Tombstone{
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		SessionID:   e.SessionID,
		VectorClock: e.VectorClock.Clone(),
		DeletedBy:   e.InstanceID,
	}
	switch e.EntityType {
	case EntityNode:
		if n, err := e.Node(); err == nil {
			t.DeletedAt = n.UpdatedAt
		}
	case EntityEdge:
		if edge, err := e.Edge(); err == nil {
			t.DeletedAt = edge.UpdatedAt
		}
	}
	return t
}

// Clone creates a deep copy of the entry
func (e *Entry) Clone() *Entry {
	clone := *e
	clone.VectorClock = e.VectorClock.Clone()
	if e.Data != nil {
		clone.Data = append(json.RawMessage(nil), e.Data...)
	}
	return &clone
}

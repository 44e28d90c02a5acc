package changelog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// EntityType identifies what kind of graph entity a record describes
type EntityType string

const (
	EntityNode EntityType = "node"
	EntityEdge EntityType = "edge"
)

// EntityRef identifies a single entity within a session
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   uint64     `json:"id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.ID)
}

// Versioned is implemented by every replicated record
type Versioned interface {
	Ref() EntityRef
	Clock() vclock.VectorClock
	ModifiedBy() string
	Deleted() bool
}

// SyncedNode is a graph vertex together with its replication metadata.
type SyncedNode struct {
	ID             uint64             `json:"id" validate:"required"`
	SessionID      string             `json:"session_id" validate:"required"`
	NodeType       string             `json:"node_type"`
	Label          string             `json:"label"`
	Properties     Properties         `json:"properties,omitempty"`
	EmbeddingRef   string             `json:"embedding_ref,omitempty"`
	VectorClock    vclock.VectorClock `json:"vector_clock"`
	LastModifiedBy string             `json:"last_modified_by"`
	IsDeleted      bool               `json:"is_deleted"`
	SyncEnabled    bool               `json:"sync_enabled"`
	CreatedAt      int64              `json:"created_at"`
	UpdatedAt      int64              `json:"updated_at"`
}

// SyncedEdge is a graph relationship together with its replication metadata.
type SyncedEdge struct {
	ID             uint64             `json:"id" validate:"required"`
	SessionID      string             `json:"session_id" validate:"required"`
	SourceID       uint64             `json:"source_id" validate:"required"`
	TargetID       uint64             `json:"target_id" validate:"required"`
	EdgeType       string             `json:"edge_type"`
	Predicate      string             `json:"predicate,omitempty"`
	Properties     Properties         `json:"properties,omitempty"`
	Weight         float64            `json:"weight"`
	VectorClock    vclock.VectorClock `json:"vector_clock"`
	LastModifiedBy string             `json:"last_modified_by"`
	IsDeleted      bool               `json:"is_deleted"`
	SyncEnabled    bool               `json:"sync_enabled"`
	CreatedAt      int64              `json:"created_at"`
	UpdatedAt      int64              `json:"updated_at"`
}

// NewNode creates a node owned by instanceID with clock {instanceID: 1}
func NewNode(sessionID string, id uint64, nodeType, label string, properties Properties, instanceID string, now time.Time) *SyncedNode {
	ts := now.UnixNano()
	if properties == nil {
		properties = make(Properties)
	}
	return &SyncedNode{
		ID:             id,
		SessionID:      sessionID,
		NodeType:       nodeType,
		Label:          label,
		Properties:     properties,
		VectorClock:    vclock.New().Increment(instanceID),
		LastModifiedBy: instanceID,
		SyncEnabled:    true,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}

// NewEdge creates an edge owned by instanceID with clock {instanceID: 1}
func NewEdge(sessionID string, id, sourceID, targetID uint64, edgeType, predicate string, properties Properties, weight float64, instanceID string, now time.Time) *SyncedEdge {
	ts := now.UnixNano()
	if properties == nil {
		properties = make(Properties)
	}
	return &SyncedEdge{
		ID:             id,
		SessionID:      sessionID,
		SourceID:       sourceID,
		TargetID:       targetID,
		EdgeType:       edgeType,
		Predicate:      predicate,
		Properties:     properties,
		Weight:         weight,
		VectorClock:    vclock.New().Increment(instanceID),
		LastModifiedBy: instanceID,
		SyncEnabled:    true,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
}

func (n *SyncedNode) Ref() EntityRef            { return EntityRef{Type: EntityNode, ID: n.ID} }
func (n *SyncedNode) Clock() vclock.VectorClock { return n.VectorClock }
func (n *SyncedNode) ModifiedBy() string        { return n.LastModifiedBy }
func (n *SyncedNode) Deleted() bool             { return n.IsDeleted }

func (e *SyncedEdge) Ref() EntityRef            { return EntityRef{Type: EntityEdge, ID: e.ID} }
func (e *SyncedEdge) Clock() vclock.VectorClock { return e.VectorClock }
func (e *SyncedEdge) ModifiedBy() string        { return e.LastModifiedBy }
func (e *SyncedEdge) Deleted() bool             { return e.IsDeleted }

// Touch records a local mutation: the owner's clock component is bumped and
// the record is re-stamped as last modified by instanceID.
func (n *SyncedNode) Touch(instanceID string, now time.Time) {
	n.VectorClock = n.VectorClock.Increment(instanceID)
	n.LastModifiedBy = instanceID
	n.UpdatedAt = now.UnixNano()
}

// Stamp records a local mutation numbered counter in instanceID's
// replica-wide sequence. The owner's component never moves backwards.
func (n *SyncedNode) Stamp(instanceID string, counter uint64, now time.Time) {
	n.Touch(instanceID, now)
	n.VectorClock = n.VectorClock.Merge(vclock.VectorClock{instanceID: counter})
}

// MarkDeleted turns the node into a tombstone. The record is kept so the
// delete can be causally ordered and propagated.
func (n *SyncedNode) MarkDeleted(instanceID string, now time.Time) {
	n.IsDeleted = true
	n.Touch(instanceID, now)
}

// Tombstone derives the wire tombstone for a deleted node
func (n *SyncedNode) Tombstone() Tombstone {
	return Tombstone{
		EntityType:  EntityNode,
		EntityID:    n.ID,
		SessionID:   n.SessionID,
		VectorClock: n.VectorClock.Clone(),
		DeletedBy:   n.LastModifiedBy,
		DeletedAt:   n.UpdatedAt,
	}
}

// ApplyTombstone marks the node deleted with the tombstone's clock and deleter
func (n *SyncedNode) ApplyTombstone(t Tombstone) {
	n.IsDeleted = true
	n.VectorClock = t.VectorClock.Clone()
	n.LastModifiedBy = t.DeletedBy
	if t.DeletedAt > n.UpdatedAt {
		n.UpdatedAt = t.DeletedAt
	}
}

// Clone creates a deep copy of a node
func (n *SyncedNode) Clone() *SyncedNode {
	clone := *n
	clone.Properties = n.Properties.Clone()
	clone.VectorClock = n.VectorClock.Clone()
	return &clone
}

// Snapshot serializes the node's current state
func (n *SyncedNode) Snapshot() ([]byte, error) {
	return json.Marshal(n)
}

// NodeFromSnapshot decodes a node snapshot
func NodeFromSnapshot(data []byte) (*SyncedNode, error) {
	var n SyncedNode
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to decode node snapshot: %w", err)
	}
	if n.VectorClock == nil {
		n.VectorClock = vclock.New()
	}
	return &n, nil
}

// Touch records a local mutation on the edge
func (e *SyncedEdge) Touch(instanceID string, now time.Time) {
	e.VectorClock = e.VectorClock.Increment(instanceID)
	e.LastModifiedBy = instanceID
	e.UpdatedAt = now.UnixNano()
}

// Stamp records a local mutation numbered counter on the edge
func (e *SyncedEdge) Stamp(instanceID string, counter uint64, now time.Time) {
	e.Touch(instanceID, now)
	e.VectorClock = e.VectorClock.Merge(vclock.VectorClock{instanceID: counter})
}

// MarkDeleted turns the edge into a tombstone
func (e *SyncedEdge) MarkDeleted(instanceID string, now time.Time) {
	e.IsDeleted = true
	e.Touch(instanceID, now)
}

// Tombstone derives the wire tombstone for a deleted edge
func (e *SyncedEdge) Tombstone() Tombstone {
	return Tombstone{
		EntityType:  EntityEdge,
		EntityID:    e.ID,
		SessionID:   e.SessionID,
		VectorClock: e.VectorClock.Clone(),
		DeletedBy:   e.LastModifiedBy,
		DeletedAt:   e.UpdatedAt,
	}
}

// ApplyTombstone marks the edge deleted with the tombstone's clock and deleter
func (e *SyncedEdge) ApplyTombstone(t Tombstone) {
	e.IsDeleted = true
	e.VectorClock = t.VectorClock.Clone()
	e.LastModifiedBy = t.DeletedBy
	if t.DeletedAt > e.UpdatedAt {
		e.UpdatedAt = t.DeletedAt
	}
}

// Clone creates a deep copy of an edge
func (e *SyncedEdge) Clone() *SyncedEdge {
	clone := *e
	clone.Properties = e.Properties.Clone()
	clone.VectorClock = e.VectorClock.Clone()
	return &clone
}

// Snapshot serializes the edge's current state
func (e *SyncedEdge) Snapshot() ([]byte, error) {
	return json.Marshal(e)
}

// EdgeFromSnapshot decodes an edge snapshot
func EdgeFromSnapshot(data []byte) (*SyncedEdge, error) {
	var e SyncedEdge
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode edge snapshot: %w", err)
	}
	if e.VectorClock == nil {
		e.VectorClock = vclock.New()
	}
	return &e, nil
}

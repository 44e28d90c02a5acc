package protocol

import (
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/conflict"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// SyncType selects how a payload was built
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

// SyncFullRequest asks a peer for its entire sync-enabled graph
type SyncFullRequest struct {
	SessionID string `json:"session_id" validate:"required,identifier"`
	GraphName string `json:"graph_name" validate:"required,identifier"`
}

// SyncIncrementalRequest asks a peer for what the requester has not seen.
// SinceTime only narrows the changelog scan; SinceClock decides.
type SyncIncrementalRequest struct {
	SessionID  string             `json:"session_id" validate:"required,identifier"`
	GraphName  string             `json:"graph_name" validate:"required,identifier"`
	SinceClock vclock.VectorClock `json:"since_clock"`
	SinceTime  *time.Time         `json:"since_time,omitempty"`
}

// GraphSyncPayload carries entity state between replicas
type GraphSyncPayload struct {
	SyncType       SyncType                `json:"sync_type" validate:"required,oneof=full incremental"`
	SessionID      string                  `json:"session_id" validate:"required,identifier"`
	GraphName      string                  `json:"graph_name" validate:"required,identifier"`
	SenderInstance string                  `json:"sender_instance" validate:"required,identifier"`
	Nodes          []*changelog.SyncedNode `json:"nodes" validate:"dive,required"`
	Edges          []*changelog.SyncedEdge `json:"edges" validate:"dive,required"`
	Tombstones     []changelog.Tombstone   `json:"tombstones" validate:"dive"`
	SenderClock    vclock.VectorClock      `json:"sender_clock"`
}

// NewPayload creates an empty payload
func NewPayload(syncType SyncType, sessionID, graphName, sender string) *GraphSyncPayload {
	return &GraphSyncPayload{
		SyncType:       syncType,
		SessionID:      sessionID,
		GraphName:      graphName,
		SenderInstance: sender,
		Nodes:          []*changelog.SyncedNode{},
		Edges:          []*changelog.SyncedEdge{},
		Tombstones:     []changelog.Tombstone{},
		SenderClock:    vclock.New(),
	}
}

// AddEdge adds an edge record. A deleted edge whose endpoints are unknown
// was only ever seen as a tombstone and travels as one.
func (p *GraphSyncPayload) AddEdge(e *changelog.SyncedEdge) {
	if e.IsDeleted && (e.SourceID == 0 || e.TargetID == 0) {
		p.Tombstones = append(p.Tombstones, e.Tombstone())
		return
	}
	p.Edges = append(p.Edges, e)
}

// EntityCount is the number of entity records the payload carries
func (p *GraphSyncPayload) EntityCount() int {
	return len(p.Nodes) + len(p.Edges) + len(p.Tombstones)
}

// IsEmpty reports whether the payload carries no entities
func (p *GraphSyncPayload) IsEmpty() bool {
	return p.EntityCount() == 0
}

// SyncResponse answers a sync request
type SyncResponse struct {
	SyncType       SyncType          `json:"sync_type" validate:"required,oneof=full incremental"`
	Payload        *GraphSyncPayload `json:"payload" validate:"required"`
	FallbackReason string            `json:"fallback_reason,omitempty"`
}

// SyncAck reports the outcome of applying a payload.
//
// AppliedCount counts every entity the receiver processed, whatever the
// outcome; ConflictCount and RejectedCount break out the resolved and
// refused ones.
type SyncAck struct {
	SessionID        string             `json:"session_id" validate:"required,identifier"`
	GraphName        string             `json:"graph_name" validate:"required,identifier"`
	ReceiverInstance string             `json:"receiver_instance" validate:"required,identifier"`
	ReceiverClock    vclock.VectorClock `json:"receiver_clock"`
	ReceivedCount    int                `json:"received_count" validate:"min=0"`
	AppliedCount     int                `json:"applied_count" validate:"min=0"`
	ConflictCount    int                `json:"conflict_count" validate:"min=0"`
	RejectedCount    int                `json:"rejected_count" validate:"min=0"`
}

// ConflictReport forwards resolved conflicts to a peer for audit
type ConflictReport struct {
	SessionID        string             `json:"session_id" validate:"required,identifier"`
	GraphName        string             `json:"graph_name" validate:"required,identifier"`
	ReporterInstance string             `json:"reporter_instance" validate:"required,identifier"`
	Conflicts        []*conflict.Record `json:"conflicts"`
}

// ConflictAck answers a conflict report
type ConflictAck struct {
	Received int `json:"received" validate:"min=0"`
	Stored   int `json:"stored" validate:"min=0"`
}

// ErrorBody is the body of an error message
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package conflict

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/validation"
)

// Type classifies a detected conflict
type Type string

const (
	ConcurrentUpdate         Type = "concurrent_update"
	ConcurrentUpdateDisjoint Type = "concurrent_update_disjoint"
	DeleteVsUpdate           Type = "delete_vs_update"
	ConcurrentDelete         Type = "concurrent_delete"
)

// DeletePolicy decides a delete racing with an update
type DeletePolicy string

const (
	DeleteWins DeletePolicy = "delete_wins"
	UpdateWins DeletePolicy = "update_wins"
)

// PropertyPolicy decides how two concurrent updates are combined
type PropertyPolicy string

const (
	// MergeProperties unions keys changed on one side only and takes the
	// tie-break winner's value for keys changed on both.
	MergeProperties PropertyPolicy = "merge"
	// WholeRecord keeps the tie-break winner's record as is.
	WholeRecord PropertyPolicy = "whole_record"
)

// Policy is the configurable part of conflict resolution. Every replica of a
// graph must run the same policy or convergence is lost.
type Policy struct {
	Delete     DeletePolicy   `json:"delete" yaml:"delete"`
	Properties PropertyPolicy `json:"properties" yaml:"properties"`
}

// DefaultPolicy is delete-wins with property merging
func DefaultPolicy() Policy {
	return Policy{Delete: DeleteWins, Properties: MergeProperties}
}

// ApplyDefaults fills unset fields
func (p *Policy) ApplyDefaults() {
	def := DefaultPolicy()
	p.Delete = validation.DefaultOr(p.Delete, def.Delete)
	p.Properties = validation.DefaultOr(p.Properties, def.Properties)
}

// Validate checks the policy values
func (p Policy) Validate() error {
	return validation.NewConfigValidator("ConflictPolicy").
		OneOf("Delete", string(p.Delete), []string{string(DeleteWins), string(UpdateWins)}).
		OneOf("Properties", string(p.Properties), []string{string(MergeProperties), string(WholeRecord)}).
		Validate()
}

// Rules recorded on a Record describing what decided the outcome
const (
	RuleDeleteWins       = "delete_wins"
	RuleUpdateWins       = "update_wins"
	RuleHigherClockSum   = "higher_clock_sum"
	RuleHigherInstanceID = "higher_instance_id"
	RuleGreaterContent   = "greater_content"
	RuleIdentical        = "identical"
)

// Record is the audit trail of one resolved conflict. ID is derived from the
// entity and both versions, so the two replicas that resolve the same
// conflict record it under the same ID.
type Record struct {
	ID         uuid.UUID            `json:"id"`
	SessionID  string               `json:"session_id"`
	EntityType changelog.EntityType `json:"entity_type"`
	EntityID   uint64               `json:"entity_id"`
	Type       Type                 `json:"type"`
	Local      json.RawMessage      `json:"local"`
	Remote     json.RawMessage      `json:"remote"`
	Resolved   json.RawMessage      `json:"resolved"`
	Winner     string               `json:"winner"`
	Rule       string               `json:"rule"`
	DetectedAt time.Time            `json:"detected_at"`
}

// Ref returns the conflicted entity
func (r *Record) Ref() changelog.EntityRef {
	return changelog.EntityRef{Type: r.EntityType, ID: r.EntityID}
}

// NodeResolution is the outcome of resolving two node versions
type NodeResolution struct {
	Node   *changelog.SyncedNode
	Record *Record
}

// EdgeResolution is the outcome of resolving two edge versions
type EdgeResolution struct {
	Edge   *changelog.SyncedEdge
	Record *Record
}

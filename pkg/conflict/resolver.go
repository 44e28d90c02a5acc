package conflict

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
)

var recordNamespace = uuid.MustParse("8d4c2f0e-6b1a-5c3e-9f47-2a1d0b7e4c93")

// Resolver deterministically combines two concurrent versions of an entity.
// The result depends only on the two versions and the policy, never on which
// side is local, so every replica resolving the same pair ends up with
// byte-identical state.
type Resolver struct {
	policy Policy
	now    func() time.Time
}

// NewResolver creates a resolver. A nil now uses time.Now for DetectedAt.
func NewResolver(policy Policy, now func() time.Time) *Resolver {
	policy.ApplyDefaults()
	if now == nil {
		now = time.Now
	}
	return &Resolver{policy: policy, now: now}
}

// Policy returns the resolver's policy
func (r *Resolver) Policy() Policy {
	return r.policy
}

// ResolveNode resolves two concurrent versions of the same node
func (r *Resolver) ResolveNode(local, remote *changelog.SyncedNode) NodeResolution {
	localSnap, remoteSnap := snapshot(local), snapshot(remote)
	winner, loser, rule := pickWinner(local, remote, localSnap, remoteSnap)

	var resolved *changelog.SyncedNode
	var typ Type
	switch {
	case local.IsDeleted && remote.IsDeleted:
		typ = ConcurrentDelete
		resolved = winner.Clone()
	case local.IsDeleted != remote.IsDeleted:
		typ = DeleteVsUpdate
		winner, loser, rule = r.deleteVsUpdateNode(local, remote)
		resolved = winner.Clone()
	default:
		resolved = winner.Clone()
		conflicting := winner.NodeType != loser.NodeType ||
			winner.Label != loser.Label ||
			winner.EmbeddingRef != loser.EmbeddingRef
		var overlap bool
		resolved.Properties, overlap = mergeProperties(winner.Properties, loser.Properties, r.policy.Properties == MergeProperties)
		typ = updateType(conflicting || overlap)
	}

	resolved.VectorClock = local.VectorClock.Merge(remote.VectorClock)
	resolved.LastModifiedBy = winner.LastModifiedBy
	resolved.CreatedAt = min(local.CreatedAt, remote.CreatedAt)
	resolved.UpdatedAt = max(local.UpdatedAt, remote.UpdatedAt)

	return NodeResolution{
		Node:   resolved,
		Record: r.record(local.SessionID, local.Ref(), typ, localSnap, remoteSnap, snapshot(resolved), winner.LastModifiedBy, rule),
	}
}

// ResolveEdge resolves two concurrent versions of the same edge
func (r *Resolver) ResolveEdge(local, remote *changelog.SyncedEdge) EdgeResolution {
	localSnap, remoteSnap := snapshot(local), snapshot(remote)
	winner, loser, rule := pickWinner(local, remote, localSnap, remoteSnap)

	var resolved *changelog.SyncedEdge
	var typ Type
	switch {
	case local.IsDeleted && remote.IsDeleted:
		typ = ConcurrentDelete
		resolved = winner.Clone()
	case local.IsDeleted != remote.IsDeleted:
		typ = DeleteVsUpdate
		winner, loser, rule = r.deleteVsUpdateEdge(local, remote)
		resolved = winner.Clone()
	default:
		resolved = winner.Clone()
		conflicting := winner.SourceID != loser.SourceID ||
			winner.TargetID != loser.TargetID ||
			winner.EdgeType != loser.EdgeType ||
			winner.Predicate != loser.Predicate ||
			winner.Weight != loser.Weight
		var overlap bool
		resolved.Properties, overlap = mergeProperties(winner.Properties, loser.Properties, r.policy.Properties == MergeProperties)
		typ = updateType(conflicting || overlap)
	}

	resolved.VectorClock = local.VectorClock.Merge(remote.VectorClock)
	resolved.LastModifiedBy = winner.LastModifiedBy
	resolved.CreatedAt = min(local.CreatedAt, remote.CreatedAt)
	resolved.UpdatedAt = max(local.UpdatedAt, remote.UpdatedAt)

	return EdgeResolution{
		Edge:   resolved,
		Record: r.record(local.SessionID, local.Ref(), typ, localSnap, remoteSnap, snapshot(resolved), winner.LastModifiedBy, rule),
	}
}

func (r *Resolver) deleteVsUpdateNode(a, b *changelog.SyncedNode) (winner, loser *changelog.SyncedNode, rule string) {
	deleted, live := a, b
	if b.IsDeleted {
		deleted, live = b, a
	}
	if r.policy.Delete == UpdateWins {
		return live, deleted, RuleUpdateWins
	}
	return deleted, live, RuleDeleteWins
}

func (r *Resolver) deleteVsUpdateEdge(a, b *changelog.SyncedEdge) (winner, loser *changelog.SyncedEdge, rule string) {
	deleted, live := a, b
	if b.IsDeleted {
		deleted, live = b, a
	}
	if r.policy.Delete == UpdateWins {
		return live, deleted, RuleUpdateWins
	}
	return deleted, live, RuleDeleteWins
}

func (r *Resolver) record(sessionID string, ref changelog.EntityRef, typ Type, local, remote, resolved []byte, winner, rule string) *Record {
	return &Record{
		ID:         recordID(sessionID, ref, local, remote),
		SessionID:  sessionID,
		EntityType: ref.Type,
		EntityID:   ref.ID,
		Type:       typ,
		Local:      local,
		Remote:     remote,
		Resolved:   resolved,
		Winner:     winner,
		Rule:       rule,
		DetectedAt: r.now().UTC(),
	}
}

func updateType(conflicting bool) Type {
	if conflicting {
		return ConcurrentUpdate
	}
	return ConcurrentUpdateDisjoint
}

// mergeProperties starts from the winner's properties and, when union is set,
// adds keys only the loser has. The second result reports whether any key is
// present on both sides with different values.
func mergeProperties(winner, loser changelog.Properties, union bool) (changelog.Properties, bool) {
	out := winner.Clone()
	if out == nil {
		out = make(changelog.Properties)
	}
	overlap := false
	for k, lv := range loser {
		wv, ok := winner[k]
		if !ok {
			if union {
				out[k] = lv.Clone()
			}
			continue
		}
		if !wv.Equal(lv) {
			overlap = true
		}
	}
	return out, overlap
}

// pickWinner orders two versions by the tie-break: higher clock sum, then
// lexicographically higher last writer, then greater canonical snapshot.
func pickWinner[T changelog.Versioned](a, b T, aSnap, bSnap []byte) (winner, loser T, rule string) {
	if as, bs := a.Clock().Sum(), b.Clock().Sum(); as != bs {
		if as > bs {
			return a, b, RuleHigherClockSum
		}
		return b, a, RuleHigherClockSum
	}
	if ab, bb := a.ModifiedBy(), b.ModifiedBy(); ab != bb {
		if ab > bb {
			return a, b, RuleHigherInstanceID
		}
		return b, a, RuleHigherInstanceID
	}
	switch bytes.Compare(aSnap, bSnap) {
	case 1:
		return a, b, RuleGreaterContent
	case -1:
		return b, a, RuleGreaterContent
	default:
		return a, b, RuleIdentical
	}
}

type snapshotter interface {
	Snapshot() ([]byte, error)
}

func snapshot(v snapshotter) []byte {
	data, err := v.Snapshot()
	if err != nil {
		return nil
	}
	return data
}

// recordID hashes both versions in a side-independent order
func recordID(sessionID string, ref changelog.EntityRef, a, b []byte) uuid.UUID {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	var buf bytes.Buffer
	buf.WriteString(sessionID)
	buf.WriteByte(0)
	buf.WriteString(string(ref.Type))
	_ = binary.Write(&buf, binary.BigEndian, ref.ID)
	buf.Write(a)
	buf.WriteByte(0)
	buf.Write(b)
	return uuid.NewSHA1(recordNamespace, buf.Bytes())
}

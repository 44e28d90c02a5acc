package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestResolver(policy Policy) *Resolver {
	return NewResolver(policy, func() time.Time { return fixedNow })
}

func node(label, writer string, clock vclock.VectorClock, props changelog.Properties) *changelog.SyncedNode {
	n := changelog.NewNode("session-1", 1, "concept", label, props, writer, fixedNow)
	n.VectorClock = clock
	return n
}

func TestResolveNode_DraftFinal(t *testing.T) {
	r := newTestResolver(DefaultPolicy())
	a := node("draft", "A", vclock.VectorClock{"A": 1}, nil)
	b := node("final", "B", vclock.VectorClock{"B": 1}, nil)

	onA := r.ResolveNode(a, b)
	onB := r.ResolveNode(b, a)

	for _, res := range []NodeResolution{onA, onB} {
		assert.Equal(t, "final", res.Node.Label)
		assert.Equal(t, "B", res.Node.LastModifiedBy)
		assert.True(t, res.Node.VectorClock.Equal(vclock.VectorClock{"A": 1, "B": 1}))
		assert.Equal(t, ConcurrentUpdate, res.Record.Type)
		assert.Equal(t, RuleHigherInstanceID, res.Record.Rule)
		assert.Equal(t, "B", res.Record.Winner)
	}

	snapA, err := onA.Node.Snapshot()
	require.NoError(t, err)
	snapB, err := onB.Node.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(snapA), string(snapB))
	assert.Equal(t, onA.Record.ID, onB.Record.ID)
}

func TestResolveNode_HigherSumWins(t *testing.T) {
	r := newTestResolver(DefaultPolicy())
	a := node("a-label", "A", vclock.VectorClock{"A": 3}, nil)
	b := node("b-label", "B", vclock.VectorClock{"A": 1, "B": 1}, nil)

	res := r.ResolveNode(b, a)
	assert.Equal(t, "a-label", res.Node.Label)
	assert.Equal(t, RuleHigherClockSum, res.Record.Rule)
	assert.True(t, res.Node.VectorClock.Equal(vclock.VectorClock{"A": 3, "B": 1}))
}

func TestResolveNode_DisjointPropertiesMerge(t *testing.T) {
	r := newTestResolver(DefaultPolicy())
	a := node("same", "A", vclock.VectorClock{"A": 2}, changelog.Properties{
		"shared": changelog.StringValue("v"),
		"x":      changelog.IntValue(1),
	})
	b := node("same", "B", vclock.VectorClock{"A": 1, "B": 1}, changelog.Properties{
		"shared": changelog.StringValue("v"),
		"y":      changelog.IntValue(2),
	})

	res := r.ResolveNode(a, b)
	assert.Equal(t, ConcurrentUpdateDisjoint, res.Record.Type)
	assert.Len(t, res.Node.Properties, 3)
	x, err := res.Node.Properties["x"].AsInt()
	require.NoError(t, err)
	assert.EqualValues(t, 1, x)
	y, err := res.Node.Properties["y"].AsInt()
	require.NoError(t, err)
	assert.EqualValues(t, 2, y)
}

func TestResolveNode_OverlappingKeyTakesWinner(t *testing.T) {
	r := newTestResolver(DefaultPolicy())
	a := node("same", "A", vclock.VectorClock{"A": 1}, changelog.Properties{"k": changelog.StringValue("from-a"), "only_a": changelog.BoolValue(true)})
	b := node("same", "B", vclock.VectorClock{"B": 1}, changelog.Properties{"k": changelog.StringValue("from-b")})

	res := r.ResolveNode(a, b)
	assert.Equal(t, ConcurrentUpdate, res.Record.Type)
	k, _ := res.Node.Properties["k"].AsString()
	assert.Equal(t, "from-b", k)
	assert.Contains(t, res.Node.Properties, "only_a")
}

func TestResolveNode_WholeRecordPolicy(t *testing.T) {
	r := newTestResolver(Policy{Delete: DeleteWins, Properties: WholeRecord})
	a := node("same", "A", vclock.VectorClock{"A": 1}, changelog.Properties{"only_a": changelog.BoolValue(true)})
	b := node("same", "B", vclock.VectorClock{"B": 1}, changelog.Properties{"only_b": changelog.BoolValue(true)})

	res := r.ResolveNode(a, b)
	assert.NotContains(t, res.Node.Properties, "only_a")
	assert.Contains(t, res.Node.Properties, "only_b")
}

func TestResolveNode_DeleteWins(t *testing.T) {
	r := newTestResolver(DefaultPolicy())
	deleted := node("gone", "A", vclock.VectorClock{"A": 2}, nil)
	deleted.IsDeleted = true
	updated := node("updated", "B", vclock.VectorClock{"A": 1, "B": 5}, nil)

	for _, res := range []NodeResolution{r.ResolveNode(deleted, updated), r.ResolveNode(updated, deleted)} {
		assert.True(t, res.Node.IsDeleted)
		assert.Equal(t, "A", res.Node.LastModifiedBy)
		assert.Equal(t, DeleteVsUpdate, res.Record.Type)
		assert.Equal(t, RuleDeleteWins, res.Record.Rule)
		assert.True(t, res.Node.VectorClock.Equal(vclock.VectorClock{"A": 2, "B": 5}))
	}
}

func TestResolveNode_UpdateWinsPolicy(t *testing.T) {
	r := newTestResolver(Policy{Delete: UpdateWins, Properties: MergeProperties})
	deleted := node("gone", "A", vclock.VectorClock{"A": 2}, nil)
	deleted.IsDeleted = true
	updated := node("updated", "B", vclock.VectorClock{"A": 1, "B": 1}, nil)

	res := r.ResolveNode(deleted, updated)
	assert.False(t, res.Node.IsDeleted)
	assert.Equal(t, "updated", res.Node.Label)
	assert.Equal(t, RuleUpdateWins, res.Record.Rule)
}

func TestResolveNode_ConcurrentDelete(t *testing.T) {
	r := newTestResolver(DefaultPolicy())
	a := node("x", "A", vclock.VectorClock{"A": 2}, nil)
	a.IsDeleted = true
	b := node("x", "B", vclock.VectorClock{"B": 2}, nil)
	b.IsDeleted = true

	res := r.ResolveNode(a, b)
	assert.True(t, res.Node.IsDeleted)
	assert.Equal(t, ConcurrentDelete, res.Record.Type)
	assert.Equal(t, "B", res.Node.LastModifiedBy)
}

func TestResolveNode_Timestamps(t *testing.T) {
	r := newTestResolver(DefaultPolicy())
	a := node("a", "A", vclock.VectorClock{"A": 1}, nil)
	a.CreatedAt, a.UpdatedAt = 10, 50
	b := node("b", "B", vclock.VectorClock{"B": 1}, nil)
	b.CreatedAt, b.UpdatedAt = 20, 30

	res := r.ResolveNode(a, b)
	assert.EqualValues(t, 10, res.Node.CreatedAt)
	assert.EqualValues(t, 50, res.Node.UpdatedAt)
	assert.Equal(t, fixedNow, res.Record.DetectedAt)
}

func TestResolveNode_DoesNotMutateInputs(t *testing.T) {
	r := newTestResolver(DefaultPolicy())
	a := node("a", "A", vclock.VectorClock{"A": 1}, changelog.Properties{"x": changelog.IntValue(1)})
	b := node("b", "B", vclock.VectorClock{"B": 1}, changelog.Properties{"y": changelog.IntValue(2)})

	r.ResolveNode(a, b)
	assert.Len(t, a.Properties, 1)
	assert.Len(t, b.Properties, 1)
	assert.True(t, a.VectorClock.Equal(vclock.VectorClock{"A": 1}))
}

func TestResolveEdge(t *testing.T) {
	r := newTestResolver(DefaultPolicy())
	a := changelog.NewEdge("session-1", 9, 1, 2, "relates", "knows", nil, 0.5, "A", fixedNow)
	b := changelog.NewEdge("session-1", 9, 1, 2, "relates", "likes", nil, 0.5, "B", fixedNow)

	onA := r.ResolveEdge(a, b)
	onB := r.ResolveEdge(b, a)

	assert.Equal(t, "likes", onA.Edge.Predicate)
	assert.Equal(t, ConcurrentUpdate, onA.Record.Type)
	assert.Equal(t, changelog.EntityEdge, onA.Record.EntityType)
	assert.Equal(t, onA.Record.ID, onB.Record.ID)

	snapA, _ := onA.Edge.Snapshot()
	snapB, _ := onB.Edge.Snapshot()
	assert.Equal(t, string(snapA), string(snapB))
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{Delete: "sometimes", Properties: MergeProperties}.Validate())

	var p Policy
	p.ApplyDefaults()
	assert.Equal(t, DefaultPolicy(), p)
}

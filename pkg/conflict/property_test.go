package conflict

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dd0wney/cluso-graphsync/pkg/changelog"
	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

var propertyKeys = []string{"name", "status", "score"}

func genNode() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("A", "B", "C"),
		gen.UInt64Range(0, 3),
		gen.UInt64Range(0, 3),
		gen.OneConstOf("draft", "final", "review"),
		gen.Bool(),
		gen.SliceOfN(len(propertyKeys), gen.IntRange(0, 2)),
		gen.Int64Range(1, 100),
	).Map(func(v []interface{}) *changelog.SyncedNode {
		writer := v[0].(string)
		props := make(changelog.Properties)
		for i, x := range v[5].([]int) {
			if x > 0 {
				props[propertyKeys[i]] = changelog.IntValue(int64(x))
			}
		}
		n := changelog.NewNode("session-1", 1, "concept", v[3].(string), props, writer, fixedNow)
		n.VectorClock = vclock.VectorClock{"A": v[1].(uint64), "B": v[2].(uint64)}.Clone().Increment(writer)
		n.IsDeleted = v[4].(bool)
		n.UpdatedAt = v[6].(int64)
		return n
	})
}

func TestResolverProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	for _, policy := range []Policy{
		DefaultPolicy(),
		{Delete: UpdateWins, Properties: WholeRecord},
	} {
		r := newTestResolver(policy)

		properties.Property(string(policy.Delete)+"/"+string(policy.Properties)+": resolution is side independent", prop.ForAll(
			func(a, b *changelog.SyncedNode) bool {
				x, _ := r.ResolveNode(a, b).Node.Snapshot()
				y, _ := r.ResolveNode(b, a).Node.Snapshot()
				return bytes.Equal(x, y)
			},
			genNode(), genNode(),
		))

		properties.Property(string(policy.Delete)+"/"+string(policy.Properties)+": record id is side independent", prop.ForAll(
			func(a, b *changelog.SyncedNode) bool {
				return r.ResolveNode(a, b).Record.ID == r.ResolveNode(b, a).Record.ID
			},
			genNode(), genNode(),
		))

		properties.Property(string(policy.Delete)+"/"+string(policy.Properties)+": resolved clock descends both", prop.ForAll(
			func(a, b *changelog.SyncedNode) bool {
				c := r.ResolveNode(a, b).Node.VectorClock
				return c.Descends(a.VectorClock) && c.Descends(b.VectorClock)
			},
			genNode(), genNode(),
		))
	}

	r := newTestResolver(DefaultPolicy())
	properties.Property("delete wins whenever either side is deleted", prop.ForAll(
		func(a, b *changelog.SyncedNode) bool {
			return r.ResolveNode(a, b).Node.IsDeleted == (a.IsDeleted || b.IsDeleted)
		},
		genNode(), genNode(),
	))

	properties.Property("resolving is idempotent", prop.ForAll(
		func(a, b *changelog.SyncedNode) bool {
			once := r.ResolveNode(a, b).Node
			twice := r.ResolveNode(once, once).Node
			x, _ := once.Snapshot()
			y, _ := twice.Snapshot()
			return bytes.Equal(x, y)
		},
		genNode(), genNode(),
	))

	properties.TestingRun(t)
}

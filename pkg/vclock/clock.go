package vclock

import (
	"sort"
	"strconv"
	"strings"
)

// VectorClock maps replica instance IDs to logical counters.
//
// All methods treat the clock as a value: they never modify the receiver and
// always return a fresh map, so a clock can be shared between records
// without aliasing surprises. A missing key is equivalent to a zero counter.
type VectorClock map[string]uint64

// New creates an empty vector clock
func New() VectorClock {
	return make(VectorClock)
}

// Of builds a clock from (instance, counter) pairs. Zero counters are dropped.
func Of(pairs ...Pair) VectorClock {
	vc := make(VectorClock, len(pairs))
	for _, p := range pairs {
		if p.InstanceID == "" || p.Counter == 0 {
			continue
		}
		if p.Counter > vc[p.InstanceID] {
			vc[p.InstanceID] = p.Counter
		}
	}
	return vc
}

// Clone creates a copy of the clock
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, c := range vc {
		if c > 0 {
			out[id] = c
		}
	}
	return out
}

// Get returns the counter for an instance (0 if absent)
func (vc VectorClock) Get(instanceID string) uint64 {
	return vc[instanceID]
}

// Len returns the number of non-zero components
func (vc VectorClock) Len() int {
	n := 0
	for _, c := range vc {
		if c > 0 {
			n++
		}
	}
	return n
}

// IsZero reports whether the clock carries no causal history.
func (vc VectorClock) IsZero() bool {
	return vc.Len() == 0
}

// Increment returns a copy with the instance's own component bumped by one.
// The component is created at 1 when absent. An empty instance ID leaves
// the clock unchanged.
func (vc VectorClock) Increment(instanceID string) VectorClock {
	out := vc.Clone()
	if instanceID == "" {
		return out
	}
	out[instanceID]++
	return out
}

// Merge returns the pointwise maximum over the union of both key sets.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for id, c := range other {
		if c > out[id] {
			out[id] = c
		}
	}
	return out
}

// Compare returns the causal order of vc relative to other.
// Runs in O(n) over the union of keys; asymmetric key sets are handled by
// treating missing keys as zero.
func (vc VectorClock) Compare(other VectorClock) ClockOrder {
	less, greater := false, false

	for id, c := range vc {
		o := other[id]
		if c > o {
			greater = true
		} else if c < o {
			less = true
		}
	}
	for id, o := range other {
		if _, seen := vc[id]; seen {
			continue
		}
		if o > 0 {
			less = true
		}
	}

	switch {
	case !less && !greater:
		return Equal
	case less && !greater:
		return Before
	case greater && !less:
		return After
	default:
		return Concurrent
	}
}

// Descends reports whether vc has seen everything other has (After or Equal).
func (vc VectorClock) Descends(other VectorClock) bool {
	order := vc.Compare(other)
	return order == After || order == Equal
}

// Covers is an alias of Descends that reads better at call sites filtering
// changelog windows.
func (vc VectorClock) Covers(other VectorClock) bool {
	return vc.Descends(other)
}

// Equal reports whether both clocks carry identical counters.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == Equal
}

// Sum returns the total of all counters: the amount of causal history the
// clock has observed. Used as the primary conflict tie-break.
func (vc VectorClock) Sum() uint64 {
	var total uint64
	for _, c := range vc {
		total += c
	}
	return total
}

// Instances returns the instance IDs with non-zero counters in sorted order.
func (vc VectorClock) Instances() []string {
	ids := make([]string, 0, len(vc))
	for id, c := range vc {
		if c > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// String renders the clock as {a:1,b:2} with sorted keys
func (vc VectorClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range vc.Instances() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(id)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(vc[id], 10))
	}
	b.WriteByte('}')
	return b.String()
}

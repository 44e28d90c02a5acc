package changelog

import (
	"sort"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/vclock"
)

// NotCoveredBy returns the entries whose clock is not dominated by clock,
// preserving input order. A timestamp window only yields candidates; this is
// the filter that decides what a peer is actually missing.
func NotCoveredBy(entries []*Entry, clock vclock.VectorClock) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if clock.Covers(e.VectorClock) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// SortBySeq orders entries by local sequence number
func SortBySeq(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Seq < entries[j].Seq
	})
}

// Since returns entries created strictly after since, in sequence order.
// A zero since selects everything.
func Since(entries []*Entry, since time.Time) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if since.IsZero() || e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	SortBySeq(out)
	return out
}

// MergedClock folds every entry's clock into one
func MergedClock(entries []*Entry) vclock.VectorClock {
	merged := vclock.New()
	for _, e := range entries {
		merged = merged.Merge(e.VectorClock)
	}
	return merged
}

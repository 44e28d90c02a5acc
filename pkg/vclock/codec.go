package vclock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedClock is returned when a serialized clock has invalid structure.
// A payload carrying such a clock must be rejected as a whole.
var ErrMalformedClock = errors.New("malformed vector clock")

// Pair is one (instance, counter) element of the wire form
type Pair struct {
	InstanceID string `json:"instance_id"`
	Counter    uint64 `json:"counter"`
}

// Pairs returns the clock as pairs sorted by instance ID.
func (vc VectorClock) Pairs() []Pair {
	ids := vc.Instances()
	pairs := make([]Pair, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, Pair{InstanceID: id, Counter: vc[id]})
	}
	return pairs
}

// FromPairs builds a clock from its wire form, rejecting empty or duplicate
// instance IDs. Zero counters are dropped since they carry no history.
func FromPairs(pairs []Pair) (VectorClock, error) {
	vc := make(VectorClock, len(pairs))
	seen := make(map[string]struct{}, len(pairs))
	for i, p := range pairs {
		if p.InstanceID == "" {
			return nil, fmt.Errorf("%w: pair %d has empty instance id", ErrMalformedClock, i)
		}
		if _, dup := seen[p.InstanceID]; dup {
			return nil, fmt.Errorf("%w: duplicate instance id %q", ErrMalformedClock, p.InstanceID)
		}
		seen[p.InstanceID] = struct{}{}
		if p.Counter > 0 {
			vc[p.InstanceID] = p.Counter
		}
	}
	return vc, nil
}

// MarshalJSON encodes the clock as a sorted list of pairs, never a JSON
// object, so the output is stable and diffable.
func (vc VectorClock) MarshalJSON() ([]byte, error) {
	return json.Marshal(vc.Pairs())
}

// UnmarshalJSON decodes the pair-list form. A JSON null decodes to an empty clock.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*vc = New()
		return nil
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return fmt.Errorf("%w: expected a list of pairs", ErrMalformedClock)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedClock, err)
	}

	pairs := make([]Pair, 0, len(raw))
	for i, elem := range raw {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(elem, &fields); err != nil {
			return fmt.Errorf("%w: pair %d is not an object", ErrMalformedClock, i)
		}
		idRaw, okID := fields["instance_id"]
		counterRaw, okCounter := fields["counter"]
		if !okID || !okCounter {
			return fmt.Errorf("%w: pair %d is missing instance_id or counter", ErrMalformedClock, i)
		}

		var p Pair
		if err := json.Unmarshal(idRaw, &p.InstanceID); err != nil {
			return fmt.Errorf("%w: pair %d instance_id: %v", ErrMalformedClock, i, err)
		}
		if err := json.Unmarshal(counterRaw, &p.Counter); err != nil {
			return fmt.Errorf("%w: pair %d counter: %v", ErrMalformedClock, i, err)
		}
		pairs = append(pairs, p)
	}

	clock, err := FromPairs(pairs)
	if err != nil {
		return err
	}
	*vc = clock
	return nil
}

// Parse decodes a clock from its JSON wire form.
func Parse(data []byte) (VectorClock, error) {
	var vc VectorClock
	if err := json.Unmarshal(data, &vc); err != nil {
		if errors.Is(err, ErrMalformedClock) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedClock, err)
	}
	return vc, nil
}

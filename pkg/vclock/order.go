package vclock

// ClockOrder is the causal relationship of one clock relative to another
type ClockOrder uint8

const (
	// Equal means both clocks carry identical counters
	Equal ClockOrder = iota
	// Before means every component is <= and at least one is <
	Before
	// After means every component is >= and at least one is >
	After
	// Concurrent means neither clock dominates the other
	Concurrent
)

// String returns the string representation of a clock order
func (o ClockOrder) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Inverse returns the order seen from the other clock's side.
func (o ClockOrder) Inverse() ClockOrder {
	switch o {
	case Before:
		return After
	case After:
		return Before
	default:
		return o
	}
}

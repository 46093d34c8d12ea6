// Package status tracks run lifecycles in per-run append-only log files.
// The log is the sole source of truth: the current state is whatever the
// last record says, and nothing is ever rewritten in place.
package status

// State is a run lifecycle state.
type State string

const (
	StateCreated   State = "CREATED"
	StateScheduled State = "SCHEDULED"
	StateBuilding  State = "BUILDING"
	StateRunning   State = "RUNNING"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// stateOrder defines the forward direction of the lifecycle. Skipping ahead
// is allowed (BUILDING is optional, cancellation can happen at any point);
// moving to a lower ordinal is not.
var stateOrder = map[State]int{
	StateCreated:   0,
	StateScheduled: 1,
	StateBuilding:  2,
	StateRunning:   3,
	StateComplete:  4,
	StateFailed:    4,
	StateCancelled: 4,
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	_, ok := stateOrder[s]
	return ok
}

// Terminal reports whether s ends the lifecycle.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

func (s State) ordinal() int {
	if ord, ok := stateOrder[s]; ok {
		return ord
	}
	return -1
}

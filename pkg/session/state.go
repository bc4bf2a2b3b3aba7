package session

import "encoding/json"

// State is the lifecycle position of a session.
type State int32

const (
	StateResolving State = iota
	StateStarting
	StatePiping
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateStarting:
		return "starting"
	case StatePiping:
		return "piping"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// canTransition reports whether from may move to to. Transitions only move
// forward; any live state may end directly in Closed or Failed.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	return to > from
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

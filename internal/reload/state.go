package reload

import "slices"

// State represents the lifecycle state of a reload attempt
type State string

const (
	StateIdle              State = "IDLE"
	StateAwaitingReadiness State = "AWAITING_READINESS"
	StateSwapping          State = "SWAPPING"
	StateValidating        State = "VALIDATING"
	StateInitializing      State = "INITIALIZING"
	StateRollingBack       State = "ROLLING_BACK"
	StateRestartRequired   State = "RESTART_REQUIRED"
	StateCompleted         State = "COMPLETED"
	StateFailed            State = "FAILED"
)

// transitions lists the states reachable from each state. States only move
// forward; RollingBack always resolves to Failed.
var transitions = map[State][]State{
	StateIdle:              {StateAwaitingReadiness, StateFailed},
	StateAwaitingReadiness: {StateSwapping, StateFailed},
	StateSwapping:          {StateValidating, StateFailed},
	StateValidating:        {StateInitializing, StateRollingBack, StateFailed},
	StateInitializing:      {StateCompleted, StateRollingBack, StateFailed},
	StateRollingBack:       {StateFailed},
	StateCompleted:         {StateRestartRequired},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRestartRequired:
		return true
	}
	return false
}

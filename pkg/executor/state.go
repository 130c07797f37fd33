package executor

import (
	"github.com/harun/toolrun/pkg/recovery"
	"github.com/rs/zerolog/log"
)

// State is a step of a call's lifecycle.
type State string

const (
	StateValidating  State = "validating"
	StateResolving   State = "resolving"
	StateDispatching State = "dispatching"
	StateRecovering  State = "recovering"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateDone        State = "done"
)

var transitions = map[State][]State{
	StateValidating:  {StateResolving, StateFailed},
	StateResolving:   {StateDispatching, StateFailed},
	StateDispatching: {StateSucceeded, StateRecovering, StateFailed},
	StateRecovering:  {StateSucceeded, StateFailed},
	StateSucceeded:   {StateDone},
	StateFailed:      {StateDone},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the call.
func (s State) Terminal() bool {
	return s == StateDone
}

// machine drives one call's ExecutionContext through the lifecycle.
type machine struct {
	ec *recovery.ExecutionContext
}

func newMachine(toolName, callID, sessionID string) *machine {
	return &machine{ec: recovery.NewExecutionContext(toolName, callID, sessionID, string(StateValidating))}
}

func (m *machine) state() State {
	return State(m.ec.State())
}

// move records next, refusing transitions the lifecycle does not allow.
func (m *machine) move(next State) bool {
	current := m.state()
	if !current.CanTransition(next) {
		log.Error().
			Str("execution_id", m.ec.ID).
			Str("from", string(current)).
			Str("to", string(next)).
			Msg("Invalid execution state transition")
		return false
	}
	m.ec.Move(string(next))
	return true
}

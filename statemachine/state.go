// Package statemachine implements the capture state machine of a
// slow-motion recording cycle.
package statemachine

import (
	"fmt"

	"github.com/xaionaro-go/slowmo/types"
)

type State int

const (
	StateUndefined = State(iota)
	StateBypass
	StateRecord
	StateRecordToProcess
	StateProcess
	StateDestroy
	EndOfState
)

func (s State) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateBypass:
		return "bypass"
	case StateRecord:
		return "record"
	case StateRecordToProcess:
		return "record-to-process"
	case StateProcess:
		return "process"
	case StateDestroy:
		return "destroy"
	default:
		return fmt.Sprintf("unknown_state_%d", int(s))
	}
}

// CanTransition returns true if the machine may go from s to "to".
func (s State) CanTransition(to State) bool {
	if s == StateDestroy {
		return false
	}
	if to == StateDestroy {
		return true
	}
	switch s {
	case StateBypass:
		return to == StateRecord
	case StateRecord:
		return to == StateRecordToProcess
	case StateRecordToProcess:
		return to == StateProcess
	case StateProcess:
		return to == StateBypass
	}
	return false
}

// Machine is the current state plus the transition rules. It is not safe
// for concurrent use.
type Machine struct {
	state State
}

func New() *Machine {
	return &Machine{state: StateBypass}
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) Is(s State) bool {
	return m.state == s
}

func (m *Machine) Transition(to State) error {
	if !m.state.CanTransition(to) {
		return types.ErrInvalidTransition{From: m.state, To: to}
	}
	m.state = to
	return nil
}

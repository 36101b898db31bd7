package lifecycle

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the supervised engine process.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

// ErrInvalidTransition is returned when a transition is not permitted from the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState converts the textual form back into a State.
func ParseState(s string) (State, error) {
	switch s {
	case "stopped":
		return StateStopped, nil
	case "starting":
		return StateStarting, nil
	case "running":
		return StateRunning, nil
	case "stopping":
		return StateStopping, nil
	case "error":
		return StateError, nil
	}
	return StateStopped, fmt.Errorf("unknown state %q", s)
}

// CanTransition reports whether from -> to is allowed.
//
//	starting: only from stopped or error
//	running:  only from starting
//	stopping, stopped, error: from any state
func CanTransition(from, to State) bool {
	switch to {
	case StateStarting:
		return from == StateStopped || from == StateError
	case StateRunning:
		return from == StateStarting
	case StateStopping, StateStopped, StateError:
		return true
	default:
		return false
	}
}

package session

import "fmt"

// State is the session lifecycle state.
type State int

const (
	// StateNotStarted is the initial state; also restored after a failed Start.
	StateNotStarted State = iota
	// StateStarting covers the Start sequence.
	StateStarting
	// StateReady means both channels are up and the target is halted at reset.
	StateReady
	// StateRunning means the target is executing.
	StateRunning
	// StateStopped means the target halted after running.
	StateStopped
	// StateTerminated is final: torn down or the simulator died.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// usable reports whether session operations may proceed.
func (s State) usable() bool {
	return s >= StateReady && s < StateTerminated
}

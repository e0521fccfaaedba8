package runner

// State is a runner or worker lifecycle state.
type State string

const (
	StateInit     State = "init"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	// StateMissing only applies to workers tracked by a coordinator.
	StateMissing State = "missing"
)

var transitions = map[State][]State{
	StateInit:     {StateStarting, StateStopped},
	StateStarting: {StateStarting, StateRunning, StateStopped},
	StateRunning:  {StateStarting, StateRunning, StateStopped},
	StateStopped:  {StateStarting, StateStopped, StateInit},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateInit, StateStarting, StateRunning, StateStopped, StateMissing:
		return true
	}
	return false
}

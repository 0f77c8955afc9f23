package model

// State is the lifecycle state of an acquisition session.
type State string

const (
	StateIdle      State = "Idle"
	StateRunning   State = "Running"
	StatePaused    State = "Paused"
	StateStopped   State = "Stopped"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateSucceeded || s == StateFailed
}

// IsActive returns true while a worker may still be doing work.
func (s State) IsActive() bool {
	return s == StateRunning || s == StatePaused
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateRunning
	case StateRunning:
		return to == StatePaused || to == StateStopped || to == StateSucceeded || to == StateFailed
	case StatePaused:
		// assembly may finish or fail while a pause request is pending
		return to == StateRunning || to == StateStopped || to == StateSucceeded || to == StateFailed
	}
	return false
}

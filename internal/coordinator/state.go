package coordinator

// State is the coordinator-owned lifecycle state of a task.
type State int

const (
	StatePending    State = iota // waiting for dependencies
	StateDispatched              // workspace allocated, agent started
	StateRunning                 // first liveness signal observed
	StateCompleted               // agent reported success
	StateFailed                  // agent error, allocation fault, or idle-timeout
	StateBlocked                 // a dependency failed; terminal, distinct from Failed
)

// String returns the report name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatched:
		return "dispatched"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateBlocked
}

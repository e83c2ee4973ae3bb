package component

// State is the lifecycle state of a component as tracked by the manager
type State int

const (
	// StateRegistered indicates the component is known to the manager
	StateRegistered State = iota
	// StateConfigured indicates Configure ran, or the component was stopped
	StateConfigured
	// StateRunning indicates the component goroutine is dispatching handlers
	StateRunning
)

// String returns a string representation of the component state
func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

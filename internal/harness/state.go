package harness

// State tracks the harness lifecycle. Serving is the only state in which user
// commands are processed.
type State int

const (
	// StateStarting covers connect retries and the post-connect probe.
	StateStarting State = iota
	// StateConnected means the instrument session is up but the serve loop
	// has not started yet.
	StateConnected
	// StateServing means commands are being processed.
	StateServing
	// StateShuttingDown means an orderly teardown is in progress; no further
	// commands are accepted.
	StateShuttingDown
	// StateStopped is the terminal state after an orderly shutdown.
	StateStopped
	// StateFailed is the terminal state reached when connect retries exhaust.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateServing:
		return "serving"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the harness can never leave s.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

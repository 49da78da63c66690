package connection

import "time"

// State is the connection lifecycle state. Exactly one is active at a time
// and only the Manager changes it.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange is emitted to observers on every transition.
type StateChange struct {
	From    State
	To      State
	Attempt int           // Reconnect attempts spent when the change happened
	Delay   time.Duration // Scheduled delay, set on transitions into StateReconnecting
	Err     error         // Cause, if the transition was driven by a failure
}

// Budget is the reconnect bookkeeping owned by the Manager.
type Budget struct {
	Attempts int           // Automatic attempts scheduled since the last successful open
	Delay    time.Duration // Most recently scheduled delay
}

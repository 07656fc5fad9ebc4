package connection

// State represents the lifecycle state of a session.
type State int

// Session states. The happy path runs Disconnected → Connecting →
// Registering → Ready → Running → Closing → Disconnected; Faulted is
// reachable from Connecting, Registering and Running on unrecoverable
// transport errors and leads either back to Ready (reconnect succeeded) or to
// Disconnected (attempt budget exhausted).
const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateReady
	StateRunning
	StateClosing
	StateFaulted
)

// String returns a string representation of the session state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

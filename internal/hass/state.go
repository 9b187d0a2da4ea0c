package hass

// State is the lifecycle state of the hub connection.
type State int32

// Connection states.
//
//	Disconnected -> Connecting -> Authenticating -> Ready -> Reconnecting -> Connecting ...
//
// Closed is the terminal state entered on Close. Authentication failure
// leaves the session in Disconnected permanently.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// attempting reports whether a connection attempt is in progress.
func (s State) attempting() bool {
	return s == StateConnecting || s == StateAuthenticating
}

package feed

// State is the live feed channel's connection state machine.
//
// Disconnected -> Connecting -> Connected -> Degraded -> Reconnecting(n)
//
// Connected resets the backoff attempt counter to 0. Degraded/Reconnecting
// is entered on transport error, watchdog timeout, or an explicit recovery
// signal while not already Connected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

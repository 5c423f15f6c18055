package websocket

// State is the connection lifecycle state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

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
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the legal successor states. Closed is terminal.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateDisconnected, StateClosed},
	StateConnected:    {StateReconnecting, StateClosed},
	StateReconnecting: {StateReconnecting, StateConnected, StateClosed},
	StateClosed:       {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

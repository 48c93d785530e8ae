package websocket

// State is the connection/session handshake position. Values are ordered:
// a later state implies the earlier steps completed on this connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAwaitingSession
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAwaitingSession:
		return "awaiting_session"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Package lifecycle keeps the active radio connected: it connects, probes the
// link on a heartbeat, and reconnects with backoff when the link is lost.
package lifecycle

// State is the connection state of the active radio.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateShuttingDown is terminal
	StateShuttingDown
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
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

package session

// State is the lifecycle state of a Session.
type State int32

const (
	// Disconnected: no connection; the initial state and the state
	// after Close.
	Disconnected State = iota
	// Connecting: a dial is in flight.
	Connecting
	// Connected: messages can be sent and received.
	Connected
	// Failed: the last connect or the live connection failed; see Err.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// active reports whether the session holds (or is acquiring) a
// connection handle.
func (s State) active() bool {
	return s == Connecting || s == Connected
}

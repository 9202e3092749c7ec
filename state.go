package obniz

// ConnState is the connection lifecycle state.
// closed -> connecting -> connected -> closing -> closed
type ConnState uint32

const (
	StateClosed ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// wsReadyState mirrors websocket readiness of one transport candidate.
type wsReadyState uint32

const (
	wsConnecting wsReadyState = iota
	wsOpen
	wsClosing
	wsClosed
)

func (s wsReadyState) String() string {
	switch s {
	case wsConnecting:
		return "connecting"
	case wsOpen:
		return "open"
	case wsClosing:
		return "closing"
	case wsClosed:
		return "closed"
	}
	return "unknown"
}

package obniz

import "fmt"

var (
	// ErrOffline is returned synchronously by Send and PingWait while the
	// connection is not in connected state.
	ErrOffline = fmt.Errorf("obniz: not connected")

	// ErrClosing is returned when an operation is interrupted by shutdown.
	ErrClosing = fmt.Errorf("obniz: closing")

	errStale     = fmt.Errorf("stale transport candidate")
	errRedirect  = fmt.Errorf("server redirect")
	errHeartbeat = fmt.Errorf("heartbeat timeout")
)

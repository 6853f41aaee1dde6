// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// ManagerCloseTimeout is the default bound on manager teardown. A single
	// unresponsive socket must not stall the cap-enforcement path.
	ManagerCloseTimeout = 5 * time.Second

	// ShutdownTimeout is the maximum time to wait for graceful process
	// shutdown, including draining every active manager.
	ShutdownTimeout = 30 * time.Second
)

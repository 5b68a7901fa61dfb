package haptics

import "errors"

var (
	// ErrInitializationTimeout means the loop kept running but never became ready.
	ErrInitializationTimeout = errors.New("haptics: device not ready before timeout")
	// ErrLoopStopped means the loop stopped before becoming ready, usually
	// because the device could not be acquired. The acquisition error is
	// wrapped alongside when known.
	ErrLoopStopped = errors.New("haptics: control loop stopped")
)

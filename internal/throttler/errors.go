package throttler

import (
	"errors"
	"math"
)

// Sentinel errors for common failure modes.
var (
	// ErrShuttingDown is returned when the group is draining or dead, or a
	// bin was shut down while the caller was waiting. Callers should release
	// whatever they still hold and abandon the work unit.
	ErrShuttingDown = errors.New("throttle group is shutting down")

	// ErrQuotaExceeded is returned when a connection reservation could not
	// be granted immediately. Connection acquisition never blocks; callers
	// retry from their own backpressure loop.
	ErrQuotaExceeded = errors.New("connection quota exceeded")
)

// OverQuotaShutdown is the value OverQuotaCount returns when the group is
// shutting down. Chosen so that callers using the count as a "release if
// positive" heuristic trivially do the right thing.
const OverQuotaShutdown = uint32(math.MaxUint32)

package engine

import "time"

// Clock supplies wall-clock time to the engine.
//
// All time-dependent decisions (backoff, due selection, retention, stale
// detection) read the injected clock so tests can drive them without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

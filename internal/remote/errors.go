package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned by every call of a Client without a base URL.
	ErrNotConfigured = errors.New("remote not configured")

	// ErrMalformedResponse is returned when a 2xx response does not carry a
	// recognizable confirmation.
	ErrMalformedResponse = errors.New("malformed response")
)

// PermanentError is an explicit, durable rejection by the remote system.
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("rejected: %s", e.Message)
	}
	return fmt.Sprintf("rejected (HTTP %d): %s", e.StatusCode, e.Message)
}

// StatusError is a transient HTTP failure such as a 5xx, 408 or 429.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether err, or any error it wraps, is a
// PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

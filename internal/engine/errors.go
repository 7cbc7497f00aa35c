package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/posync/internal/remote"
)

// SyncError represents a failure of one sync or processing attempt, or a
// request the engine refuses to act on.
//
// SyncError includes structured fields for diagnostics and status views.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// ID identifies the affected transaction or queue item.
	ID string

	// Permanent is set when retrying cannot succeed.
	Permanent bool

	// Err is the underlying cause, if any.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeRemoteRejected indicates the remote durably rejected the operation.
	ErrCodeRemoteRejected SyncErrorCode = "REMOTE_REJECTED"

	// ErrCodeRemoteUnavailable indicates a transient failure reaching the remote.
	ErrCodeRemoteUnavailable SyncErrorCode = "REMOTE_UNAVAILABLE"

	// ErrCodeDeadLetter indicates the record is dead-lettered and will not be attempted.
	ErrCodeDeadLetter SyncErrorCode = "DEAD_LETTER"

	// ErrCodeArchived indicates the queue item was archived by overflow handling.
	ErrCodeArchived SyncErrorCode = "ARCHIVED"

	// ErrCodeInFlight indicates another worker is processing the record.
	ErrCodeInFlight SyncErrorCode = "IN_FLIGHT"

	// ErrCodeInvalidRequest indicates the caller supplied unusable input.
	ErrCodeInvalidRequest SyncErrorCode = "INVALID_REQUEST"
)

// ErrDeadLetter is matched by errors.Is for any SyncError with
// ErrCodeDeadLetter.
var ErrDeadLetter = errors.New("dead letter")

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.ID != "" {
		return fmt.Sprintf("%s: %s (id=%s)", e.Code, msg, e.ID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrDeadLetter) match dead-letter SyncErrors.
func (e *SyncError) Is(target error) bool {
	return target == ErrDeadLetter && e.Code == ErrCodeDeadLetter
}

// IsPermanent reports whether err is a permanent failure, either a
// SyncError marked permanent or a remote rejection.
// Uses errors.As to handle wrapped errors.
func IsPermanent(err error) bool {
	var se *SyncError
	if errors.As(err, &se) && se.Permanent {
		return true
	}
	return remote.IsPermanent(err)
}

// IsInvalidRequest reports whether err rejects caller input.
func IsInvalidRequest(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeInvalidRequest
	}
	return false
}

// classifyRemoteError wraps a remote failure for a record.
func classifyRemoteError(id string, err error) *SyncError {
	if remote.IsPermanent(err) {
		return &SyncError{Code: ErrCodeRemoteRejected, ID: id, Permanent: true, Err: err}
	}
	return &SyncError{Code: ErrCodeRemoteUnavailable, ID: id, Err: err}
}

func deadLetterError(id string) *SyncError {
	return &SyncError{
		Code:      ErrCodeDeadLetter,
		Message:   "record is dead-lettered and requires operator action",
		ID:        id,
		Permanent: true,
	}
}

func invalidRequest(format string, args ...any) *SyncError {
	return &SyncError{Code: ErrCodeInvalidRequest, Message: fmt.Sprintf(format, args...), Permanent: true}
}

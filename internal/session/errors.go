package session

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks requests with missing or malformed fields.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks actions on an unknown session or participant.
	ErrNotFound = errors.New("not found")
	// ErrMerge marks updates a replica refused to apply.
	ErrMerge = errors.New("merge failed")
	// ErrTransport marks a failed delivery to a participant.
	ErrTransport = errors.New("transport failed")
	// ErrPersistence marks a failed save. Use *PersistenceError to learn
	// whether it can be retried.
	ErrPersistence = errors.New("persistence failed")
	// ErrSessionFull is returned when a join would exceed the participant limit.
	ErrSessionFull = errors.New("session is full")
)

// PersistenceError is returned by Save when the store call fails.
type PersistenceError struct {
	Retryable bool
	Err       error
}

func (e *PersistenceError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%v (%s): %v", ErrPersistence, kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Error codes carried by error frames and REST error bodies.
const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeMerge       = "merge"
	CodeCapacity    = "capacity"
	CodePersistence = "persistence"
	CodeTransport   = "transport"
	CodeInternal    = "internal"
)

// ErrorCode classifies err for clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrMerge):
		return CodeMerge
	case errors.Is(err, ErrSessionFull):
		return CodeCapacity
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrTransport):
		return CodeTransport
	default:
		return CodeInternal
	}
}

// IsRetryable reports whether the request that failed with err may succeed
// if sent again unchanged.
func IsRetryable(err error) bool {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, ErrTransport)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

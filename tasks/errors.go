package tasks

import (
	"errors"

	"github.com/ggoodman/mcp-state-go/sessions"
)

var (
	// ErrTaskNotFound is returned by mutations of an unknown or expired task.
	// Lookups report absence with a boolean instead.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskContextNotFound is returned when the owning task context is
	// unknown or expired.
	ErrTaskContextNotFound = errors.New("task context not found")
	// ErrCancelled matches every CancelledError.
	ErrCancelled = errors.New("task cancelled")
	// ErrTimeout is returned by BlockUntil when the deadline passes. It is the
	// same value as sessions.ErrTimeout.
	ErrTimeout = sessions.ErrTimeout
	// ErrInvalidMessage is returned for a message that is not a JSON-RPC
	// request, notification or response.
	ErrInvalidMessage = errors.New("invalid task message")
)

// CancelledError is the interruption seen by a body running under
// ExecuteCancellable and the error ExecuteCancellable returns once the task
// is cancelled.
type CancelledError struct {
	Reason string
	cause  error
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return ErrCancelled.Error()
	}
	return ErrCancelled.Error() + ": " + e.Reason
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

func (e *CancelledError) Unwrap() error { return e.cause }

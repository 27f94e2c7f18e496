package sessions

import "errors"

var (
	// ErrSessionNotFound is returned when a session is unknown or has expired
	// and the API has no boolean channel to report it.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTimeout is returned by BlockUntil when the predicate did not hold
	// before the deadline.
	ErrTimeout = errors.New("timed out waiting for session value")
	// ErrConflict is returned when a backend exhausts its compute retries.
	// It indicates a locking bug rather than routine contention.
	ErrConflict = errors.New("session value compute conflict")
	// ErrInvalidKey is returned for an empty value type or name.
	ErrInvalidKey = errors.New("invalid session value key")
)

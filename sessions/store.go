package sessions

import (
	"context"
	"time"

	"github.com/ggoodman/mcp-state-go/pagination"
)

// Registry manages session lifecycle.
type Registry interface {
	// CreateSession registers a session. A ttl <= 0 means the session never
	// expires on its own. Creating an existing session resets its expiry.
	CreateSession(ctx context.Context, sessionID string, ttl time.Duration) error
	// ValidateSession reports whether the session exists. Expired sessions
	// are removed as a side effect and reported as absent.
	ValidateSession(ctx context.Context, sessionID string) (bool, error)
	// TouchSession extends the expiry of a live session to now+ttl.
	TouchSession(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	// DeleteSession removes the session and every value it owns. Deleting an
	// unknown session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error
	// ListSessions pages through live session ids in ascending order.
	ListSessions(ctx context.Context, pageSize int, cursor string) (pagination.Page[string], error)
}

// ComputeFunc maps the current value of a key to its next value. ok reports
// whether a value was present. Returning keep=false deletes the value. A
// non-nil error aborts the compute without writing anything.
type ComputeFunc func(cur []byte, ok bool) (next []byte, keep bool, err error)

// Entry is one listed session value.
type Entry struct {
	Name  string
	Value []byte
}

// Store is a session-scoped key/value store. Values are addressed by
// (sessionID, typ, name). All boolean results report whether the session
// exists; they are never errors.
type Store interface {
	Registry

	GetValue(ctx context.Context, sessionID, typ, name string) ([]byte, bool, error)
	SetValue(ctx context.Context, sessionID, typ, name string, value []byte) (bool, error)
	DeleteValue(ctx context.Context, sessionID, typ, name string) (bool, error)

	// ComputeValue atomically reads, transforms and writes a value. It is
	// linearizable with respect to other mutations of the same key.
	ComputeValue(ctx context.Context, sessionID, typ, name string, fn ComputeFunc) (bool, error)

	// ListValues pages through the values of one type in ascending name order,
	// starting after cursor.
	ListValues(ctx context.Context, sessionID, typ string, pageSize int, cursor string) (pagination.Page[Entry], error)

	// BlockUntilValue waits until pred holds for the current value or timeout
	// elapses, in which case it returns ErrTimeout. Context cancellation is
	// returned as the context's error.
	BlockUntilValue(ctx context.Context, sessionID, typ, name string, timeout time.Duration, pred func(value []byte, ok bool) bool) error

	Close() error
}

// ValidateKey checks that a value type and name are usable.
func ValidateKey(typ, name string) error {
	if typ == "" || name == "" {
		return ErrInvalidKey
	}
	return nil
}

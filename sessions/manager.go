package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-state-go/pagination"
	"github.com/google/uuid"
)

const identityType = "session"

var identityKey = Key[json.RawMessage]{Type: identityType, Name: "identity"}

// Manager mints session ids and attaches the caller's identity to the
// session. The identity is stored as opaque JSON; Manager never inspects it.
type Manager struct {
	store Store
	ttl   time.Duration
	log   *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSessionTTL sets a sliding expiry for sessions created by the Manager.
// Each successful Load extends it. Zero disables expiry.
func WithSessionTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithManagerLogger sets the logger used for lifecycle events.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager returns a Manager backed by store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Create registers a new session and attaches identity to it.
func (m *Manager) Create(ctx context.Context, identity any) (string, error) {
	raw, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("encode identity: %w", err)
	}
	id := uuid.NewString()
	if err := m.store.CreateSession(ctx, id, m.ttl); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	ok, err := Set(ctx, m.store, id, identityKey, json.RawMessage(raw))
	if err != nil {
		return "", fmt.Errorf("store identity: %w", err)
	}
	if !ok {
		return "", ErrSessionNotFound
	}
	m.log.InfoContext(ctx, "sessions.create.ok", slog.String("session_id", id))
	return id, nil
}

// Load validates the session and extends its expiry. Unknown or expired
// sessions yield ErrSessionNotFound.
func (m *Manager) Load(ctx context.Context, sessionID string) error {
	var (
		ok  bool
		err error
	)
	if m.ttl > 0 {
		ok, err = m.store.TouchSession(ctx, sessionID, m.ttl)
	} else {
		ok, err = m.store.ValidateSession(ctx, sessionID)
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Identity decodes the identity attached at creation into dst.
func (m *Manager) Identity(ctx context.Context, sessionID string, dst any) (bool, error) {
	raw, ok, err := Get(ctx, m.store, sessionID, identityKey)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode identity: %w", err)
	}
	return true, nil
}

// Delete removes the session and all of its values.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.log.InfoContext(ctx, "sessions.delete.ok", slog.String("session_id", sessionID))
	return nil
}

// List pages through live session ids.
func (m *Manager) List(ctx context.Context, pageSize int, cursor string) (pagination.Page[string], error) {
	return m.store.ListSessions(ctx, pageSize, cursor)
}

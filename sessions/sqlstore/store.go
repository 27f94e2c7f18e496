// Package sqlstore is a sessions.Store on database/sql, shared by every
// server instance pointed at the same database. SQLite (modernc.org/sqlite)
// and Postgres (pgx) are supported.
//
// Compute runs in a transaction that first locks the owning session row
// (SELECT ... FOR UPDATE on Postgres, a no-op UPDATE on SQLite). BlockUntil
// polls at a fixed interval.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ggoodman/mcp-state-go/internal/metrics"
	"github.com/ggoodman/mcp-state-go/pagination"
	"github.com/ggoodman/mcp-state-go/sessions"
)

// DefaultPollInterval is how often BlockUntilValue re-reads the value.
const DefaultPollInterval = 100 * time.Millisecond

// computeAttempts is one try plus one retry on a detected insert race.
const computeAttempts = 2

var _ sessions.Store = (*Store)(nil)

// Store implements sessions.Store over a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	ownsDB  bool

	poll    time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets the BlockUntilValue polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithLogger sets the logger used for retry and conflict events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics records compute conflicts and wait timeouts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Open connects to the database named by driver ("sqlite" or "pgx") and dsn,
// applies migrations and returns a Store that owns the connection pool.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	d, err := ParseDriver(driver)
	if err != nil {
		return nil, err
	}
	if d == DialectSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d, err)
	}
	s, err := New(ctx, db, d, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New wraps an existing pool and applies migrations. Close does not close a
// pool passed to New.
func New(ctx context.Context, db *sql.DB, d Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:      db,
		dialect: d,
		poll:    DefaultPollInterval,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", d, err)
	}
	if err := migrate(ctx, db, d); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) q(query string) string { return s.dialect.rebind(query) }

func (s *Store) nowMillis() int64 { return s.now().UnixMilli() }

func (s *Store) expiry(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true}
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

const liveSession = "(expires_at IS NULL OR expires_at > ?)"

// --- Registry ---

func (s *Store) CreateSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer rollback(tx)

	now := s.nowMillis()
	// An expired row with the same id is replaced, values included.
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM session_values WHERE session_id = ? AND session_id IN (SELECT session_id FROM sessions WHERE session_id = ? AND expires_at IS NOT NULL AND expires_at <= ?)`), sessionID, sessionID, now); err != nil {
		return fmt.Errorf("clear expired session values: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE session_id = ? AND expires_at IS NOT NULL AND expires_at <= ?`), sessionID, now); err != nil {
		return fmt.Errorf("clear expired session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO sessions (session_id, created_at, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET expires_at = excluded.expires_at`), sessionID, now, s.expiry(ttl)); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

func (s *Store) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT expires_at FROM sessions WHERE session_id = ?`), sessionID).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("validate session: %w", err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.nowMillis() {
		if err := s.deleteSession(ctx, sessionID, true); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) TouchSession(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET expires_at = ? WHERE session_id = ? AND `+liveSession),
		s.expiry(ttl), sessionID, s.nowMillis())
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.deleteSession(ctx, sessionID, false)
}

// deleteSession removes values and the session row in one transaction. When
// onlyExpired is set a concurrently touched session survives.
func (s *Store) deleteSession(ctx context.Context, sessionID string, onlyExpired bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer rollback(tx)

	cond, args := "session_id = ?", []any{sessionID}
	if onlyExpired {
		cond += " AND expires_at IS NOT NULL AND expires_at <= ?"
		args = append(args, s.nowMillis())
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE `+cond), args...)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 || !onlyExpired {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM session_values WHERE session_id = ?`), sessionID); err != nil {
			return fmt.Errorf("delete session values: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, pageSize int, cursor string) (pagination.Page[string], error) {
	pageSize = pagination.Size(pageSize)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT session_id FROM sessions WHERE session_id > ? AND `+liveSession+` ORDER BY session_id LIMIT ?`),
		cursor, s.nowMillis(), pageSize)
	if err != nil {
		return pagination.Page[string]{}, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0, pageSize)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return pagination.Page[string]{}, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[string]{}, fmt.Errorf("list sessions: %w", err)
	}
	return pagination.FromItems(ids, pageSize, func(id string) string { return id }), nil
}

// --- Values ---

func (s *Store) GetValue(ctx context.Context, sessionID, typ, name string) ([]byte, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT v.value FROM session_values v
		JOIN sessions s ON s.session_id = v.session_id
		WHERE v.session_id = ? AND v.type = ? AND v.name = ? AND (s.expires_at IS NULL OR s.expires_at > ?)`),
		sessionID, typ, name, s.nowMillis()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get session value: %w", err)
	}
	return []byte(value), true, nil
}

// lockSession takes the session row lock inside tx and reports whether the
// session exists and is live.
func (s *Store) lockSession(ctx context.Context, tx *sql.Tx, sessionID string) (bool, error) {
	now := s.nowMillis()
	if s.dialect == DialectPostgres {
		var one int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM sessions WHERE session_id = ? AND `+liveSession+` FOR UPDATE`), sessionID, now).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("lock session: %w", err)
		}
		return true, nil
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE sessions SET expires_at = expires_at WHERE session_id = ? AND `+liveSession), sessionID, now)
	if err != nil {
		return false, fmt.Errorf("lock session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lock session: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SetValue(ctx context.Context, sessionID, typ, name string, value []byte) (bool, error) {
	if err := sessions.ValidateKey(typ, name); err != nil {
		return false, err
	}
	return s.inSessionTx(ctx, sessionID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO session_values (session_id, type, name, value, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (session_id, type, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
			sessionID, typ, name, string(value), s.nowMillis())
		if err != nil {
			return fmt.Errorf("upsert session value: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteValue(ctx context.Context, sessionID, typ, name string) (bool, error) {
	if err := sessions.ValidateKey(typ, name); err != nil {
		return false, err
	}
	return s.inSessionTx(ctx, sessionID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM session_values WHERE session_id = ? AND type = ? AND name = ?`), sessionID, typ, name); err != nil {
			return fmt.Errorf("delete session value: %w", err)
		}
		return nil
	})
}

// inSessionTx runs fn in a transaction holding the session row lock. It
// returns false without calling fn when the session is absent.
func (s *Store) inSessionTx(ctx context.Context, sessionID string, fn func(tx *sql.Tx) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin session tx: %w", err)
	}
	defer rollback(tx)

	ok, err := s.lockSession(ctx, tx, sessionID)
	if err != nil || !ok {
		return false, err
	}
	if err := fn(tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit session tx: %w", err)
	}
	return true, nil
}

func (s *Store) ComputeValue(ctx context.Context, sessionID, typ, name string, fn sessions.ComputeFunc) (bool, error) {
	if err := sessions.ValidateKey(typ, name); err != nil {
		return false, err
	}
	for attempt := 1; attempt <= computeAttempts; attempt++ {
		ok, err := s.inSessionTx(ctx, sessionID, func(tx *sql.Tx) error {
			return s.computeLocked(ctx, tx, sessionID, typ, name, fn)
		})
		if err == nil || !isUniqueViolation(err) {
			return ok, err
		}
		s.metrics.ComputeConflict("sql")
		s.log.WarnContext(ctx, "sqlstore.compute.conflict",
			slog.String("session_id", sessionID),
			slog.String("type", typ),
			slog.String("name", name),
			slog.Int("attempt", attempt),
			slog.String("err", err.Error()))
	}
	s.log.ErrorContext(ctx, "sqlstore.compute.conflict_exhausted",
		slog.String("session_id", sessionID),
		slog.String("type", typ),
		slog.String("name", name))
	return false, fmt.Errorf("compute %s/%s in session %s: %w", typ, name, sessionID, sessions.ErrConflict)
}

func (s *Store) computeLocked(ctx context.Context, tx *sql.Tx, sessionID, typ, name string, fn sessions.ComputeFunc) error {
	var (
		cur     []byte
		present bool
		raw     string
	)
	err := tx.QueryRowContext(ctx, s.q(`SELECT value FROM session_values WHERE session_id = ? AND type = ? AND name = ?`), sessionID, typ, name).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read session value: %w", err)
	default:
		cur, present = []byte(raw), true
	}

	next, keep, err := fn(cur, present)
	if err != nil {
		return err
	}
	now := s.nowMillis()
	switch {
	case keep && present:
		_, err = tx.ExecContext(ctx, s.q(`UPDATE session_values SET value = ?, updated_at = ? WHERE session_id = ? AND type = ? AND name = ?`),
			string(next), now, sessionID, typ, name)
	case keep:
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO session_values (session_id, type, name, value, updated_at) VALUES (?, ?, ?, ?, ?)`),
			sessionID, typ, name, string(next), now)
	case present:
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM session_values WHERE session_id = ? AND type = ? AND name = ?`), sessionID, typ, name)
	}
	if err != nil {
		return fmt.Errorf("write session value: %w", err)
	}
	return nil
}

func (s *Store) ListValues(ctx context.Context, sessionID, typ string, pageSize int, cursor string) (pagination.Page[sessions.Entry], error) {
	pageSize = pagination.Size(pageSize)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT v.name, v.value FROM session_values v
		JOIN sessions s ON s.session_id = v.session_id
		WHERE v.session_id = ? AND v.type = ? AND v.name > ? AND (s.expires_at IS NULL OR s.expires_at > ?)
		ORDER BY v.name LIMIT ?`),
		sessionID, typ, cursor, s.nowMillis(), pageSize)
	if err != nil {
		return pagination.Page[sessions.Entry]{}, fmt.Errorf("list session values: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]sessions.Entry, 0, pageSize)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return pagination.Page[sessions.Entry]{}, fmt.Errorf("scan session value: %w", err)
		}
		entries = append(entries, sessions.Entry{Name: name, Value: []byte(value)})
	}
	if err := rows.Err(); err != nil {
		return pagination.Page[sessions.Entry]{}, fmt.Errorf("list session values: %w", err)
	}
	return pagination.FromItems(entries, pageSize, func(e sessions.Entry) string { return e.Name }), nil
}

func (s *Store) BlockUntilValue(ctx context.Context, sessionID, typ, name string, timeout time.Duration, pred func([]byte, bool) bool) error {
	if err := sessions.ValidateKey(typ, name); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		v, ok, err := s.GetValue(ctx, sessionID, typ, name)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if pred(v, ok) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.metrics.BlockTimeout("sqlstore")
			return sessions.ErrTimeout
		case <-ticker.C:
		}
	}
}

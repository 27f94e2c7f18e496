package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/mcp-state-go/sessions"
	"github.com/ggoodman/mcp-state-go/sessions/storetest"
)

func openSQLite(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(t.Context(), "sqlite", path, WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		return openSQLite(t, filepath.Join(t.TempDir(), "sessions.db"))
	})
}

func TestSQLiteSharedAcrossInstances(t *testing.T) {
	storetest.RunSharedStoreTests(t, func(t *testing.T) (sessions.Store, sessions.Store) {
		path := filepath.Join(t.TempDir(), "shared.db")
		a := openSQLite(t, path)
		b := openSQLite(t, path)
		return a, b
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MCP_STATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MCP_STATE_TEST_POSTGRES_DSN not set")
	}
	storetest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		s, err := Open(t.Context(), "pgx", dsn, WithPollInterval(20*time.Millisecond))
		if err != nil {
			t.Fatalf("open postgres store: %v", err)
		}
		if _, err := s.DB().ExecContext(t.Context(), `TRUNCATE session_values, sessions`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y > ? LIMIT ?`
	if got := DialectSQLite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `SELECT a FROM t WHERE x = $1 AND y > $2 LIMIT $3`
	if got := DialectPostgres.rebind(q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestSQLiteDSN(t *testing.T) {
	got := sqliteDSN("/tmp/x.db")
	want := "file:/tmp/x.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	if got != want {
		t.Fatalf("sqliteDSN = %s", got)
	}
	custom := "file:x.db?_pragma=busy_timeout(5)&_txlock=deferred"
	if got := sqliteDSN(custom); got != custom+"&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)" {
		t.Fatalf("sqliteDSN with overrides = %s", got)
	}
}

func TestParseDriver(t *testing.T) {
	for in, want := range map[string]Dialect{"sqlite": DialectSQLite, "pgx": DialectPostgres, "postgres": DialectPostgres} {
		got, err := ParseDriver(in)
		if err != nil || got != want {
			t.Fatalf("ParseDriver(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDriver("mysql"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestUniqueViolationDetected(t *testing.T) {
	s := openSQLite(t, filepath.Join(t.TempDir(), "uv.db"))
	ctx := t.Context()
	if err := s.CreateSession(ctx, "sess", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	insert := `INSERT INTO session_values (session_id, type, name, value, updated_at) VALUES ('sess', 't', 'n', '1', 0)`
	if _, err := s.DB().ExecContext(ctx, insert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := s.DB().ExecContext(ctx, insert)
	if !isUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestExpiredSessionRecreatedEmpty(t *testing.T) {
	s := openSQLite(t, filepath.Join(t.TempDir(), "exp.db"))
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.CreateSession(ctx, "sess", time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := s.SetValue(ctx, "sess", "t", "n", []byte(`1`)); err != nil || !ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}
	now = now.Add(2 * time.Minute)
	if err := s.CreateSession(ctx, "sess", time.Minute); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if _, ok, err := s.GetValue(ctx, "sess", "t", "n"); err != nil || ok {
		t.Fatalf("value survived expiry: ok=%v err=%v", ok, err)
	}
	var n int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM session_values`).Scan(&n); err != nil || n != 0 {
		t.Fatalf("orphaned rows: n=%d err=%v", n, err)
	}
}

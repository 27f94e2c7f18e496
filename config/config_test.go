package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ggoodman/mcp-state-go/sessions/memorystore"
	"github.com/ggoodman/mcp-state-go/sessions/sqlstore"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MCP_STATE_BACKEND", "memory")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" || cfg.KeyPrefix != "mcp:state:" || cfg.SQLDriver != "sqlite" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.PollInterval != 100*time.Millisecond || cfg.CancelPoll != 250*time.Millisecond || cfg.EventWindow != 100 {
		t.Fatalf("unexpected tuning defaults: %+v", cfg)
	}
	if cfg.SessionTTL != time.Hour || cfg.TaskTTL != time.Hour {
		t.Fatalf("unexpected ttl defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MCP_STATE_BACKEND", "sql")
	t.Setenv("MCP_STATE_SQL_DSN", "file.db")
	t.Setenv("MCP_STATE_SESSION_TTL", "5m")
	t.Setenv("MCP_STATE_EVENT_WINDOW", "7")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendSQL || cfg.SQLDSN != "file.db" || cfg.SessionTTL != 5*time.Minute || cfg.EventWindow != 7 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]Config{
		"unknown backend": {Backend: "etcd"},
		"sql without dsn": {Backend: BackendSQL, SQLDriver: "sqlite"},
		"bad driver":      {Backend: BackendSQL, SQLDriver: "mysql", SQLDSN: "x"},
		"negative window": {Backend: BackendMemory, EventWindow: -1},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestOpenBackends(t *testing.T) {
	mem, err := Open(t.Context(), Config{Backend: BackendMemory}, nil, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer mem.Close()
	if _, ok := mem.(*memorystore.Store); !ok {
		t.Fatalf("memory backend returned %T", mem)
	}

	cfg := Config{Backend: BackendSQL, SQLDriver: "sqlite", SQLDSN: filepath.Join(t.TempDir(), "state.db"), PollInterval: 20 * time.Millisecond}
	sql, err := Open(t.Context(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("open sql: %v", err)
	}
	defer sql.Close()
	if _, ok := sql.(*sqlstore.Store); !ok {
		t.Fatalf("sql backend returned %T", sql)
	}
}

func TestBuildWiresComponents(t *testing.T) {
	reg := prometheus.NewRegistry()
	rt, err := Build(t.Context(), Config{Backend: BackendMemory, EventWindow: 3, CancelPoll: 10 * time.Millisecond, TaskTTL: time.Minute}, nil, reg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer rt.Close()

	ctx := t.Context()
	sid, err := rt.Sessions.Create(ctx, map[string]string{"sub": "user-1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for range 5 {
		if _, err := rt.Notifier.Log(ctx, sid, "error", "test", "boom"); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	w, _, err := rt.Stream.Window(ctx, sid)
	if err != nil || len(w.Messages) != 3 || w.LastSeq != 5 {
		t.Fatalf("window not bounded by config: %+v err=%v", w, err)
	}
	if rt.Cancellations.PollInterval() != 10*time.Millisecond || rt.Tasks.Registry() != rt.Cancellations {
		t.Fatalf("cancellation registry not shared")
	}
	if _, err := Build(t.Context(), Config{Backend: BackendMemory}, nil, reg); err == nil {
		t.Fatalf("expected duplicate metrics registration to fail")
	}
}

// Package config assembles the state layer from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ggoodman/mcp-state-go/cancellation"
	"github.com/ggoodman/mcp-state-go/eventlog"
	"github.com/ggoodman/mcp-state-go/internal/metrics"
	"github.com/ggoodman/mcp-state-go/notifications"
	"github.com/ggoodman/mcp-state-go/sessions"
	"github.com/ggoodman/mcp-state-go/sessions/memorystore"
	"github.com/ggoodman/mcp-state-go/sessions/redisstore"
	"github.com/ggoodman/mcp-state-go/sessions/sqlstore"
	"github.com/ggoodman/mcp-state-go/tasks"
)

// Backend names accepted by MCP_STATE_BACKEND.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// Config selects and tunes the session store backend and the components
// built on it.
type Config struct {
	// Backend is one of memory, sql or redis. ENV: MCP_STATE_BACKEND
	Backend string `env:"MCP_STATE_BACKEND,default=memory"`

	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all Redis keys. ENV: MCP_STATE_KEY_PREFIX
	KeyPrefix string `env:"MCP_STATE_KEY_PREFIX,default=mcp:state:"`

	// SQLDriver is sqlite or pgx. ENV: MCP_STATE_SQL_DRIVER
	SQLDriver string `env:"MCP_STATE_SQL_DRIVER,default=sqlite"`
	// SQLDSN is the driver-specific data source. ENV: MCP_STATE_SQL_DSN
	SQLDSN string `env:"MCP_STATE_SQL_DSN"`

	// PollInterval is how often persisted backends re-read a value while
	// blocking. ENV: MCP_STATE_POLL_INTERVAL
	PollInterval time.Duration `env:"MCP_STATE_POLL_INTERVAL,default=100ms"`
	// SessionTTL is the sliding session expiry. ENV: MCP_STATE_SESSION_TTL
	SessionTTL time.Duration `env:"MCP_STATE_SESSION_TTL,default=1h"`
	// TaskTTL is the retention of completed tasks. ENV: MCP_STATE_TASK_TTL
	TaskTTL time.Duration `env:"MCP_STATE_TASK_TTL,default=1h"`
	// EventWindow is the per-session replay window size. ENV: MCP_STATE_EVENT_WINDOW
	EventWindow int `env:"MCP_STATE_EVENT_WINDOW,default=100"`
	// CancelPoll is the cancellation watcher interval. ENV: MCP_STATE_CANCEL_POLL
	CancelPoll time.Duration `env:"MCP_STATE_CANCEL_POLL,default=250ms"`
}

// Load decodes Config from the environment, applying defaults.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration that cannot produce a working store.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQL:
		if c.SQLDSN == "" {
			return errors.New("config: MCP_STATE_SQL_DSN is required for the sql backend")
		}
		if _, err := sqlstore.ParseDriver(c.SQLDriver); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.EventWindow < 0 {
		return errors.New("config: MCP_STATE_EVENT_WINDOW must not be negative")
	}
	return nil
}

// Open returns the configured store, ready for use.
func Open(ctx context.Context, cfg Config, log *slog.Logger, m *metrics.Metrics) (sessions.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	switch cfg.Backend {
	case BackendSQL:
		s, err := sqlstore.Open(ctx, cfg.SQLDriver, cfg.SQLDSN,
			sqlstore.WithPollInterval(cfg.PollInterval),
			sqlstore.WithLogger(log),
			sqlstore.WithMetrics(m),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		s, err := redisstore.New(redisstore.Config{RedisAddr: cfg.RedisAddr, KeyPrefix: cfg.KeyPrefix},
			redisstore.WithPollInterval(cfg.PollInterval),
			redisstore.WithLogger(log),
			redisstore.WithMetrics(m),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return memorystore.New(), nil
	}
}

// Runtime is the set of components one server instance shares across
// requests.
type Runtime struct {
	Store         sessions.Store
	Sessions      *sessions.Manager
	Stream        *eventlog.Stream
	Cancellations *cancellation.Registry
	Tasks         *tasks.Manager
	Notifier      *notifications.Notifier
	Metrics       *metrics.Metrics
}

// Build opens the store and constructs every component over it. Metrics are
// registered with reg when it is non-nil.
func Build(ctx context.Context, cfg Config, log *slog.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	m := metrics.New()
	if reg != nil {
		if err := m.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	store, err := Open(ctx, cfg, log, m)
	if err != nil {
		return nil, err
	}
	streamOpts := []eventlog.Option{eventlog.WithLogger(log), eventlog.WithMetrics(m)}
	if cfg.EventWindow > 0 {
		streamOpts = append(streamOpts, eventlog.WithMaxMessages(cfg.EventWindow))
	}
	stream := eventlog.NewStream(store, streamOpts...)
	registry := cancellation.NewRegistry(
		cancellation.WithPollInterval(cfg.CancelPoll),
		cancellation.WithLogger(log),
		cancellation.WithMetrics(m),
	)
	return &Runtime{
		Store:         store,
		Sessions:      sessions.NewManager(store, sessions.WithSessionTTL(cfg.SessionTTL), sessions.WithManagerLogger(log)),
		Stream:        stream,
		Cancellations: registry,
		Tasks: tasks.NewManager(store,
			tasks.WithRegistry(registry),
			tasks.WithTaskTTL(cfg.TaskTTL),
			tasks.WithContextTTL(cfg.SessionTTL),
			tasks.WithLogger(log),
			tasks.WithMetrics(m),
		),
		Notifier: notifications.NewNotifier(store, stream, notifications.WithLogger(log)),
		Metrics:  m,
	}, nil
}

// Run drives the background loops of the runtime until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	return r.Tasks.Run(ctx)
}

func (r *Runtime) Close() error {
	return r.Store.Close()
}

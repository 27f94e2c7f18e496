package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-state-go/cancellation"
	"github.com/ggoodman/mcp-state-go/internal/logctx"
	"github.com/ggoodman/mcp-state-go/internal/metrics"
	"github.com/ggoodman/mcp-state-go/pagination"
	"github.com/ggoodman/mcp-state-go/sessions"
)

const (
	taskType = "task"

	// DefaultTaskTTL is how long a completed task is retained when neither the
	// task nor the manager says otherwise.
	DefaultTaskTTL = time.Hour
	// DefaultPollInterval is the re-check interval advertised to clients and
	// used by BlockUntil when the caller passes zero.
	DefaultPollInterval = time.Second
)

func taskKey(taskID string) sessions.Key[Task] {
	return sessions.NewKey[Task](taskType, taskID)
}

// Manager owns task contexts. A task context is a session in the backing
// store; its tasks are values of that session.
type Manager struct {
	store    sessions.Store
	contexts *sessions.Manager
	registry *cancellation.Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
	taskTTL  time.Duration
	poll     time.Duration
	now      func() time.Time
}

type Option func(*Manager)

// WithContextTTL expires idle task contexts after ttl. Zero keeps them until
// deleted.
func WithContextTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.contexts = sessions.NewManager(m.store, sessions.WithSessionTTL(ttl)) }
}

// WithTaskTTL sets the retention of completed tasks that carry no ttl of
// their own.
func WithTaskTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.taskTTL = ttl }
}

// WithPollInterval sets the advertised and default BlockUntil poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithRegistry shares a cancellation registry with other components of the
// same process.
func WithRegistry(r *cancellation.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(mm *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mm }
}

// NewManager constructs a Manager over store.
func NewManager(store sessions.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		taskTTL: DefaultTaskTTL,
		poll:    DefaultPollInterval,
		log:     slog.Default(),
		now:     time.Now,
	}
	m.contexts = sessions.NewManager(store)
	for _, opt := range opts {
		opt(m)
	}
	m.log = logctx.Wrap(m.log)
	if m.registry == nil {
		m.registry = cancellation.NewRegistry(cancellation.WithLogger(m.log), cancellation.WithMetrics(m.metrics))
	}
	return m
}

// Registry exposes the cancellation registry executions are tracked in.
func (m *Manager) Registry() *cancellation.Registry { return m.registry }

// PollInterval is the interval advertised to clients polling task status.
func (m *Manager) PollInterval() time.Duration { return m.poll }

// Run drives the cancellation watcher until ctx is done. Executions started
// through ExecuteCancellable only observe cancellations requested on other
// instances while Run is active.
func (m *Manager) Run(ctx context.Context) error {
	return m.registry.Run(ctx)
}

// CreateTaskContext creates a new, empty task context bound to identity.
func (m *Manager) CreateTaskContext(ctx context.Context, identity any) (string, error) {
	id, err := m.contexts.Create(ctx, identity)
	if err != nil {
		return "", fmt.Errorf("create task context: %w", err)
	}
	m.log.InfoContext(logctx.WithTaskData(ctx, &logctx.TaskData{ContextID: id}), "tasks.context.create.ok")
	return id, nil
}

// ValidateTaskContext reports whether the context exists and extends its
// expiry. Completed tasks past their ttl are swept as a side effect.
func (m *Manager) ValidateTaskContext(ctx context.Context, contextID string) (bool, error) {
	if err := m.contexts.Load(ctx, contextID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	n, err := m.sweep(ctx, contextID)
	if err != nil {
		m.log.WarnContext(logctx.WithTaskData(ctx, &logctx.TaskData{ContextID: contextID}), "tasks.sweep.err", slog.String("err", err.Error()))
	} else if n > 0 {
		m.metrics.TasksSwept(n)
		m.log.DebugContext(logctx.WithTaskData(ctx, &logctx.TaskData{ContextID: contextID}), "tasks.sweep.ok", slog.Int("count", n))
	}
	return true, nil
}

// Identity decodes the identity the context was created with into dst.
func (m *Manager) Identity(ctx context.Context, contextID string, dst any) (bool, error) {
	return m.contexts.Identity(ctx, contextID, dst)
}

// DeleteTaskContext removes the context and every task in it.
func (m *Manager) DeleteTaskContext(ctx context.Context, contextID string) error {
	if err := m.contexts.Delete(ctx, contextID); err != nil {
		return fmt.Errorf("delete task context: %w", err)
	}
	return nil
}

// Tasks returns the task operations scoped to one context. It does not check
// that the context exists.
func (m *Manager) Tasks(contextID string) *Tasks {
	return &Tasks{m: m, contextID: contextID}
}

func (m *Manager) sweep(ctx context.Context, contextID string) (int, error) {
	items, err := pagination.All(ctx, func(ctx context.Context, cursor string) (pagination.Page[sessions.Item[Task]], error) {
		return sessions.List[Task](ctx, m.store, contextID, taskType, 0, cursor)
	})
	if err != nil {
		return 0, err
	}
	now := m.now()
	swept := 0
	for _, it := range items {
		if !it.Value.expired(now, m.taskTTL) {
			continue
		}
		removed := false
		_, err := sessions.Compute(ctx, m.store, contextID, taskKey(it.Name), func(cur Task, ok bool) (Task, bool, error) {
			if !ok {
				return cur, false, nil
			}
			if !cur.expired(now, m.taskTTL) {
				return cur, true, nil
			}
			removed = true
			return cur, false, nil
		})
		if err != nil {
			return swept, err
		}
		if removed {
			swept++
		}
	}
	return swept, nil
}

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ggoodman/mcp-state-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-state-go/internal/logctx"
	"github.com/ggoodman/mcp-state-go/pagination"
	"github.com/ggoodman/mcp-state-go/sessions"
)

// Tasks is the set of task operations for a single task context. Every
// operation is isolated to that context.
type Tasks struct {
	m         *Manager
	contextID string
}

// ContextID is the id of the owning task context.
func (t *Tasks) ContextID() string { return t.contextID }

// CreateOptions tune a new task.
type CreateOptions struct {
	// TTL overrides the manager's retention after completion.
	TTL  time.Duration
	Meta map[string]any
	// SessionID is the session the request arrived on. Cancellation
	// notifications recorded there for the request cancel the task.
	SessionID string
}

// CreateTask creates a task in the working state for the request that
// spawned it.
func (t *Tasks) CreateTask(ctx context.Context, requestID string, opts CreateOptions) (Task, error) {
	now := t.m.now()
	task := Task{
		TaskID:    ulid.Make().String(),
		RequestID: requestID,
		SessionID: opts.SessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Meta:      mergeMeta(nil, opts.Meta),
	}
	if opts.TTL > 0 {
		task.TTLMillis = opts.TTL.Milliseconds()
	}
	ok, err := sessions.Compute(ctx, t.m.store, t.contextID, taskKey(task.TaskID), func(cur Task, exists bool) (Task, bool, error) {
		if exists {
			return cur, true, fmt.Errorf("task id collision: %s", task.TaskID)
		}
		return task, true, nil
	})
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	if !ok {
		return Task{}, ErrTaskContextNotFound
	}
	t.m.log.InfoContext(t.logCtx(ctx, task.TaskID, requestID), "tasks.create.ok")
	return task, nil
}

// GetTask loads a task. Unknown and expired tasks are reported as absent.
func (t *Tasks) GetTask(ctx context.Context, taskID string) (Task, bool, error) {
	task, ok, err := sessions.Get(ctx, t.m.store, t.contextID, taskKey(taskID))
	if err != nil || !ok {
		return Task{}, false, err
	}
	if task.expired(t.m.now(), t.m.taskTTL) {
		return Task{}, false, nil
	}
	return task, true, nil
}

// ListTasks pages through the context's tasks in creation order. Pages may be
// shorter than pageSize when expired tasks are filtered out; the cursor
// still advances.
func (t *Tasks) ListTasks(ctx context.Context, pageSize int, cursor string) (pagination.Page[Task], error) {
	ok, err := t.m.store.ValidateSession(ctx, t.contextID)
	if err != nil {
		return pagination.Page[Task]{}, err
	}
	if !ok {
		return pagination.Page[Task]{}, ErrTaskContextNotFound
	}
	page, err := sessions.List[Task](ctx, t.m.store, t.contextID, taskType, pageSize, cursor)
	if err != nil {
		return pagination.Page[Task]{}, fmt.Errorf("list tasks: %w", err)
	}
	now := t.m.now()
	items := make([]Task, 0, len(page.Items))
	for _, it := range page.Items {
		if it.Value.expired(now, t.m.taskTTL) {
			continue
		}
		items = append(items, it.Value)
	}
	out := pagination.NewPage(items)
	out.NextCursor = page.NextCursor
	return out, nil
}

// SetTaskMessage records the latest message produced by the task. A request
// moves the task to input_required until a matching response arrives. A
// result or error response completes the task. Terminal tasks ignore the
// call and are returned unchanged.
func (t *Tasks) SetTaskMessage(ctx context.Context, taskID string, message json.RawMessage, meta map[string]any) (Task, error) {
	kind, msg, err := jsonrpc.Classify(message)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return t.update(ctx, taskID, func(task *Task, now time.Time) bool {
		if task.IsTerminal() {
			return false
		}
		task.Message = append(json.RawMessage(nil), message...)
		task.Meta = mergeMeta(task.Meta, meta)
		switch kind {
		case jsonrpc.KindRequest:
			task.PendingRequestID = msg.ID.String()
		case jsonrpc.KindResult, jsonrpc.KindError:
			task.PendingRequestID = ""
			task.CompletedAt = &now
		}
		return true
	})
}

// AddServerToClientResponse records the client's answer to the task's pending
// request and returns the task to working. Responses that do not match the
// pending request, or that were already recorded, are ignored.
func (t *Tasks) AddServerToClientResponse(ctx context.Context, taskID string, response json.RawMessage) (Task, error) {
	kind, msg, err := jsonrpc.Classify(response)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !kind.IsResponse() {
		return Task{}, fmt.Errorf("%w: expected a response, got %s", ErrInvalidMessage, kind)
	}
	rid := msg.ID.String()
	return t.update(ctx, taskID, func(task *Task, _ time.Time) bool {
		if task.IsTerminal() || task.PendingRequestID == "" || task.PendingRequestID != rid {
			return false
		}
		if _, seen := task.Responses[rid]; seen {
			return false
		}
		if task.Responses == nil {
			task.Responses = make(map[string]json.RawMessage)
		}
		task.Responses[rid] = append(json.RawMessage(nil), response...)
		task.PendingRequestID = ""
		return true
	})
}

// Completion describes how a task ended.
type Completion struct {
	// Cancelled marks a cancellation-triggered termination.
	Cancelled bool
	// Reason is a human-readable status message.
	Reason string
}

// CompleteTask moves the task to a terminal state. result, when present, is
// the final JSON-RPC response; an error response yields failed. The first
// terminal transition wins; later calls return the task unchanged.
func (t *Tasks) CompleteTask(ctx context.Context, taskID string, result json.RawMessage, c Completion, meta map[string]any) (Task, error) {
	if len(result) > 0 {
		kind, _, err := jsonrpc.Classify(result)
		if err != nil {
			return Task{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if !kind.IsResponse() {
			return Task{}, fmt.Errorf("%w: expected a response, got %s", ErrInvalidMessage, kind)
		}
	}
	task, err := t.update(ctx, taskID, func(task *Task, now time.Time) bool {
		if task.IsTerminal() {
			return false
		}
		if len(result) > 0 {
			task.Message = append(json.RawMessage(nil), result...)
		}
		task.Meta = mergeMeta(task.Meta, meta)
		task.PendingRequestID = ""
		task.Cancelled = c.Cancelled
		if c.Reason != "" {
			task.StatusMessage = c.Reason
		}
		task.CompletedAt = &now
		return true
	})
	if err != nil {
		return Task{}, err
	}
	t.m.log.InfoContext(t.logCtx(ctx, taskID, task.RequestID), "tasks.complete.ok", slog.String("status", string(task.Status())))
	return task, nil
}

// RequestTaskCancellation durably flags the task for cancellation and
// interrupts it immediately when it is executing in this process. Instances
// running a Manager.Run loop pick the flag up on their next poll. Terminal
// tasks are returned unchanged.
func (t *Tasks) RequestTaskCancellation(ctx context.Context, taskID, reason string) (Task, error) {
	task, err := t.update(ctx, taskID, func(task *Task, _ time.Time) bool {
		if task.IsTerminal() || task.CancelRequested {
			return false
		}
		task.CancelRequested = true
		task.CancelReason = reason
		return true
	})
	if err != nil {
		return Task{}, err
	}
	if !task.IsTerminal() {
		t.m.registry.Interrupt(t.executionKey(taskID), task.CancelReason)
	}
	t.m.log.InfoContext(t.logCtx(ctx, taskID, task.RequestID), "tasks.cancel.requested", slog.String("reason", reason))
	return task, nil
}

// DeleteTask removes a task regardless of its state. It reports whether the
// task existed.
func (t *Tasks) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	existed := false
	ok, err := sessions.Compute(ctx, t.m.store, t.contextID, taskKey(taskID), func(cur Task, exists bool) (Task, bool, error) {
		existed = exists
		return cur, false, nil
	})
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	if !ok {
		return false, ErrTaskContextNotFound
	}
	return existed, nil
}

// BlockUntil waits until pred holds for the task, re-checking at least every
// poll. It returns ErrTimeout once total elapses and ErrTaskNotFound if the
// task disappears.
func (t *Tasks) BlockUntil(ctx context.Context, taskID string, total, poll time.Duration, pred func(Task) bool) error {
	if poll <= 0 {
		poll = t.m.poll
	}
	deadline := time.Now().Add(total)
	for first := true; ; first = false {
		remaining := time.Until(deadline)
		if remaining <= 0 && !first {
			t.m.metrics.BlockTimeout("tasks")
			return ErrTimeout
		}
		wait := min(poll, max(remaining, 0))
		missing := false
		err := sessions.BlockUntil(ctx, t.m.store, t.contextID, taskKey(taskID), wait, func(task Task, ok bool) bool {
			if !ok || task.expired(t.m.now(), t.m.taskTTL) {
				missing = true
				return true
			}
			return pred(task)
		})
		switch {
		case err == nil && missing:
			return ErrTaskNotFound
		case err == nil:
			return nil
		case errors.Is(err, sessions.ErrTimeout):
			continue
		default:
			return err
		}
	}
}

// update applies mutate to the task under the store's compute. mutate reports
// whether it changed anything; unchanged tasks are not rewritten.
func (t *Tasks) update(ctx context.Context, taskID string, mutate func(task *Task, now time.Time) bool) (Task, error) {
	var out Task
	found := false
	ok, err := sessions.Compute(ctx, t.m.store, t.contextID, taskKey(taskID), func(cur Task, exists bool) (Task, bool, error) {
		now := t.m.now()
		if !exists || cur.expired(now, t.m.taskTTL) {
			return cur, exists, nil
		}
		found = true
		if mutate(&cur, now) {
			cur.UpdatedAt = now
		}
		out = cur
		return cur, true, nil
	})
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	if !ok {
		return Task{}, ErrTaskContextNotFound
	}
	if !found {
		return Task{}, ErrTaskNotFound
	}
	return out, nil
}

func (t *Tasks) executionKey(taskID string) string {
	return "task:" + t.contextID + "/" + taskID
}

func (t *Tasks) logCtx(ctx context.Context, taskID, requestID string) context.Context {
	return logctx.WithTaskData(ctx, &logctx.TaskData{ContextID: t.contextID, TaskID: taskID, RequestID: requestID})
}

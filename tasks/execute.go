package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-state-go/cancellation"
	"github.com/ggoodman/mcp-state-go/sessions"
)

// ExecuteCancellable runs body for the task. body's context is cancelled with
// a *CancelledError cause when cancellation is requested, whether on this
// instance or, while Manager.Run is active, on any instance sharing the
// store. A cancellation recorded for the task's request on its session (see
// cancellation.HandleNotification) counts as a request; that record is
// cleared when the execution ends. A cancelled task ends cancelled once body
// returns, unless it already reached a terminal state, and
// ExecuteCancellable returns the CancelledError. Otherwise body's error is
// returned as is.
func (t *Tasks) ExecuteCancellable(ctx context.Context, taskID string, body func(ctx context.Context) error) error {
	task, ok, err := t.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskNotFound
	}
	ctx = t.logCtx(ctx, taskID, task.RequestID)
	if task.IsTerminal() {
		return nil
	}
	defer t.clearFlag(ctx, task)
	if task.CancelRequested {
		return t.finishCancelled(ctx, taskID, task.CancelReason, nil)
	}
	flagged, reason, err := t.flagged(ctx, task)
	if err != nil {
		return err
	}
	if flagged {
		return t.finishCancelled(ctx, taskID, reason, nil)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	interrupt := func(cause error) {
		reason := ""
		var ie *cancellation.InterruptedError
		if errors.As(cause, &ie) {
			reason = ie.Reason
		}
		cancel(&CancelledError{Reason: reason, cause: cause})
	}
	unregister, err := t.m.registry.Register(t.executionKey(taskID), interrupt, t.probe(taskID))
	if err != nil {
		return fmt.Errorf("register task execution: %w", err)
	}

	t.m.log.DebugContext(ctx, "tasks.execute.start")
	bodyErr := body(runCtx)
	unregister()

	var cancelled *CancelledError
	if errors.As(context.Cause(runCtx), &cancelled) {
		return t.finishCancelled(ctx, taskID, cancelled.Reason, cancelled.cause)
	}

	// A request that raced with body's return is still honoured.
	latest, ok, err := t.GetTask(ctx, taskID)
	if err == nil && ok && !latest.IsTerminal() {
		if latest.CancelRequested {
			return t.finishCancelled(ctx, taskID, latest.CancelReason, nil)
		}
		if flagged, reason, err := t.flagged(ctx, latest); err == nil && flagged {
			return t.finishCancelled(ctx, taskID, reason, nil)
		}
	}
	if bodyErr != nil {
		t.m.log.WarnContext(ctx, "tasks.execute.err", slog.String("err", bodyErr.Error()))
	}
	return bodyErr
}

func (t *Tasks) finishCancelled(ctx context.Context, taskID, reason string, cause error) error {
	task, err := t.CompleteTask(context.WithoutCancel(ctx), taskID, nil, Completion{Cancelled: true, Reason: reason}, nil)
	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrTaskContextNotFound):
	case err != nil:
		return err
	case !task.Cancelled:
		// Reached a terminal state on its own before the cancellation landed.
		return nil
	}
	return &CancelledError{Reason: reason, cause: cause}
}

// probe reports the task's durable cancellation state: its own flag or a
// cancellation recorded for its request on the originating session. A task
// or context that vanished counts as cancelled.
func (t *Tasks) probe(taskID string) cancellation.Probe {
	return func(ctx context.Context) (bool, string, error) {
		task, ok, err := sessions.Get(ctx, t.m.store, t.contextID, taskKey(taskID))
		if err != nil {
			return false, "", err
		}
		if !ok {
			return true, "task removed", nil
		}
		if task.IsTerminal() {
			return false, "", nil
		}
		if task.CancelRequested {
			return true, task.CancelReason, nil
		}
		return t.flagged(ctx, task)
	}
}

// flagged reports a cancellation recorded for the task's request on the
// session it arrived on.
func (t *Tasks) flagged(ctx context.Context, task Task) (bool, string, error) {
	if task.SessionID == "" {
		return false, "", nil
	}
	f, ok, err := cancellation.Lookup(ctx, t.m.store, task.SessionID, task.RequestID)
	if err != nil || !ok {
		return false, "", err
	}
	return true, f.Reason, nil
}

func (t *Tasks) clearFlag(ctx context.Context, task Task) {
	if task.SessionID == "" {
		return
	}
	if _, err := cancellation.Clear(context.WithoutCancel(ctx), t.m.store, task.SessionID, task.RequestID); err != nil {
		t.m.log.WarnContext(ctx, "tasks.execute.clear_flag_failed", slog.String("err", err.Error()))
	}
}

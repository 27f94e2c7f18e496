package tasks

import (
	"encoding/json"
	"time"

	"github.com/ggoodman/mcp-state-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-state-go/mcp"
)

// Task is the stored record of one task. Its status is never stored; it is
// derived from the record by Status.
type Task struct {
	TaskID           string                     `json:"taskId"`
	RequestID        string                     `json:"requestId"`
	SessionID        string                     `json:"sessionId,omitempty"`
	CreatedAt        time.Time                  `json:"createdAt"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
	CompletedAt      *time.Time                 `json:"completedAt,omitempty"`
	Message          json.RawMessage            `json:"message,omitempty"`
	PendingRequestID string                     `json:"pendingRequestId,omitempty"`
	Responses        map[string]json.RawMessage `json:"responses,omitempty"`
	CancelRequested  bool                       `json:"cancelRequested,omitempty"`
	CancelReason     string                     `json:"cancelReason,omitempty"`
	Cancelled        bool                       `json:"cancelled,omitempty"`
	StatusMessage    string                     `json:"statusMessage,omitempty"`
	Meta             map[string]any             `json:"meta,omitempty"`
	TTLMillis        int64                      `json:"ttlMs,omitempty"`
}

// Status derives the task's state:
//
//	completed + cancelled       -> cancelled
//	completed + error message   -> failed
//	completed                   -> completed
//	pending sub-request         -> input_required
//	otherwise                   -> working
func (t Task) Status() mcp.TaskStatus {
	switch {
	case t.CompletedAt != nil && t.Cancelled:
		return mcp.TaskStatusCancelled
	case t.CompletedAt != nil && messageKind(t.Message) == jsonrpc.KindError:
		return mcp.TaskStatusFailed
	case t.CompletedAt != nil:
		return mcp.TaskStatusCompleted
	case t.PendingRequestID != "":
		return mcp.TaskStatusInputRequired
	default:
		return mcp.TaskStatusWorking
	}
}

// IsTerminal reports whether the task accepts no further transitions.
func (t Task) IsTerminal() bool { return t.CompletedAt != nil }

// TTL is how long the task is kept after completion.
func (t Task) TTL() time.Duration { return time.Duration(t.TTLMillis) * time.Millisecond }

// expired reports whether a completed task outlived its ttl at now.
func (t Task) expired(now time.Time, fallback time.Duration) bool {
	if t.CompletedAt == nil {
		return false
	}
	ttl := t.TTL()
	if ttl <= 0 {
		ttl = fallback
	}
	if ttl <= 0 {
		return false
	}
	return !now.Before(t.CompletedAt.Add(ttl))
}

// Wire converts the record to its protocol representation.
func (t Task) Wire(pollInterval time.Duration) mcp.Task {
	out := mcp.Task{
		TaskID:        t.TaskID,
		Status:        t.Status(),
		StatusMessage: t.StatusMessage,
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastUpdatedAt: t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.TTLMillis > 0 {
		ttl := t.TTLMillis
		out.TTL = &ttl
	}
	if pollInterval > 0 && !t.IsTerminal() {
		ms := pollInterval.Milliseconds()
		out.PollInterval = &ms
	}
	return out
}

func messageKind(raw json.RawMessage) jsonrpc.Kind {
	if len(raw) == 0 {
		return jsonrpc.KindInvalid
	}
	k, _, err := jsonrpc.Classify(raw)
	if err != nil {
		return jsonrpc.KindInvalid
	}
	return k
}

func mergeMeta(dst map[string]any, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

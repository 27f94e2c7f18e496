package cancellation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-state-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-state-go/mcp"
	"github.com/ggoodman/mcp-state-go/sessions"
)

const flagType = "cancellation"

// Flag is the durable record of a cancellation request for one protocol
// request, stored as a session value so every instance can read it.
type Flag struct {
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

func flagKey(requestID string) sessions.Key[Flag] {
	return sessions.NewKey[Flag](flagType, requestID)
}

// Request records that requestID in sessionID should be cancelled. The first
// reason wins. It returns false when the session no longer exists.
func Request(ctx context.Context, store sessions.Store, sessionID, requestID, reason string) (bool, error) {
	return sessions.Compute(ctx, store, sessionID, flagKey(requestID), func(cur Flag, ok bool) (Flag, bool, error) {
		if ok {
			return cur, true, nil
		}
		return Flag{Reason: reason, RequestedAt: time.Now().UTC()}, true, nil
	})
}

// Clear removes the cancellation record for requestID.
func Clear(ctx context.Context, store sessions.Store, sessionID, requestID string) (bool, error) {
	return sessions.Delete(ctx, store, sessionID, flagKey(requestID))
}

// Lookup reads the cancellation record for requestID, if any.
func Lookup(ctx context.Context, store sessions.Store, sessionID, requestID string) (Flag, bool, error) {
	return sessions.Get(ctx, store, sessionID, flagKey(requestID))
}

// StoreProbe returns a Probe that reports the durable flag recorded by
// Request. A vanished session counts as cancelled.
func StoreProbe(store sessions.Store, sessionID, requestID string) Probe {
	return func(ctx context.Context) (bool, string, error) {
		live, err := store.ValidateSession(ctx, sessionID)
		if err != nil {
			return false, "", err
		}
		if !live {
			return true, "session ended", nil
		}
		f, ok, err := Lookup(ctx, store, sessionID, requestID)
		if err != nil || !ok {
			return false, "", err
		}
		return true, f.Reason, nil
	}
}

// HandleNotification records the cancellation carried by the params of a
// notifications/cancelled message. The instance receiving the notification
// need not be the one running the request.
func HandleNotification(ctx context.Context, store sessions.Store, sessionID string, params json.RawMessage) (bool, error) {
	var n mcp.CancelledNotification
	if err := json.Unmarshal(params, &n); err != nil {
		return false, fmt.Errorf("decode %s params: %w", mcp.CancelledNotificationMethod, err)
	}
	id, err := jsonrpc.ParseRequestID(n.RequestID)
	if err != nil {
		return false, fmt.Errorf("decode %s params: %w", mcp.CancelledNotificationMethod, err)
	}
	return Request(ctx, store, sessionID, id.String(), n.Reason)
}

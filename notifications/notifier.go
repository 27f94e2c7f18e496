// Package notifications keeps per-session notification preferences (the
// client's logging level and its resource subscriptions) in the session
// store and emits matching notifications onto the session's event stream.
//
// Because preferences are session values, any instance can raise a
// notification for any session and the client sees it on whichever
// instance holds its stream.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ggoodman/mcp-state-go/eventlog"
	"github.com/ggoodman/mcp-state-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-state-go/mcp"
	"github.com/ggoodman/mcp-state-go/sessions"
)

const valueType = "notifications"

// DefaultLoggingLevel applies to sessions that never called logging/setLevel.
const DefaultLoggingLevel = mcp.LoggingLevelInfo

// ErrInvalidLoggingLevel indicates the provided level is not one of the
// protocol-defined LoggingLevel values.
var ErrInvalidLoggingLevel = errors.New("invalid logging level")

var (
	levelKey         = sessions.NewKey[mcp.LoggingLevel](valueType, "logging_level")
	subscriptionsKey = sessions.NewKey[[]string](valueType, "subscriptions")
)

// Notifier reads and writes notification preferences and publishes
// notifications for sessions that want them.
type Notifier struct {
	store  sessions.Store
	stream *eventlog.Stream
	log    *slog.Logger
}

type Option func(*Notifier)

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.log = l }
}

// NewNotifier returns a Notifier that publishes onto stream.
func NewNotifier(store sessions.Store, stream *eventlog.Stream, opts ...Option) *Notifier {
	n := &Notifier{store: store, stream: stream, log: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SetLoggingLevel records the minimum level the session wants to receive.
func (n *Notifier) SetLoggingLevel(ctx context.Context, sessionID string, level mcp.LoggingLevel) error {
	if !mcp.IsValidLoggingLevel(level) {
		return ErrInvalidLoggingLevel
	}
	ok, err := sessions.Set(ctx, n.store, sessionID, levelKey, level)
	if err != nil {
		return fmt.Errorf("set logging level: %w", err)
	}
	if !ok {
		return sessions.ErrSessionNotFound
	}
	return nil
}

// LoggingLevel returns the session's minimum level, or DefaultLoggingLevel
// when none was set.
func (n *Notifier) LoggingLevel(ctx context.Context, sessionID string) (mcp.LoggingLevel, error) {
	level, ok, err := sessions.Get(ctx, n.store, sessionID, levelKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return DefaultLoggingLevel, nil
	}
	return level, nil
}

// Log emits notifications/message when level is at or above the session's
// level. It reports whether a message was published.
func (n *Notifier) Log(ctx context.Context, sessionID string, level mcp.LoggingLevel, logger string, data any) (bool, error) {
	if !mcp.IsValidLoggingLevel(level) {
		return false, ErrInvalidLoggingLevel
	}
	floor, err := n.LoggingLevel(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !level.AtLeast(floor) {
		return false, nil
	}
	return n.publish(ctx, sessionID, mcp.LoggingMessageNotificationMethod, mcp.LoggingMessageNotification{
		Level:  level,
		Logger: logger,
		Data:   data,
	})
}

// Subscribe adds uri to the session's subscriptions; returns true if newly
// added.
func (n *Notifier) Subscribe(ctx context.Context, sessionID, uri string) (bool, error) {
	if uri == "" {
		return false, errors.New("subscribe: empty uri")
	}
	added := false
	ok, err := sessions.Compute(ctx, n.store, sessionID, subscriptionsKey, func(cur []string, _ bool) ([]string, bool, error) {
		i, found := slices.BinarySearch(cur, uri)
		if found {
			return cur, true, nil
		}
		added = true
		return slices.Insert(cur, i, uri), true, nil
	})
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	if !ok {
		return false, sessions.ErrSessionNotFound
	}
	return added, nil
}

// Unsubscribe removes uri from the session's subscriptions; returns true if
// removed.
func (n *Notifier) Unsubscribe(ctx context.Context, sessionID, uri string) (bool, error) {
	removed := false
	ok, err := sessions.Compute(ctx, n.store, sessionID, subscriptionsKey, func(cur []string, exists bool) ([]string, bool, error) {
		i, found := slices.BinarySearch(cur, uri)
		if !found {
			return cur, exists, nil
		}
		removed = true
		next := slices.Delete(cur, i, i+1)
		return next, len(next) > 0, nil
	})
	if err != nil {
		return false, fmt.Errorf("unsubscribe: %w", err)
	}
	if !ok {
		return false, sessions.ErrSessionNotFound
	}
	return removed, nil
}

// Subscriptions lists the session's subscribed uris in ascending order.
func (n *Notifier) Subscriptions(ctx context.Context, sessionID string) ([]string, error) {
	uris, _, err := sessions.Get(ctx, n.store, sessionID, subscriptionsKey)
	return uris, err
}

// ResourceUpdated emits notifications/resources/updated if the session is
// subscribed to uri. It reports whether a notification was published.
func (n *Notifier) ResourceUpdated(ctx context.Context, sessionID, uri string) (bool, error) {
	uris, err := n.Subscriptions(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if _, found := slices.BinarySearch(uris, uri); !found {
		return false, nil
	}
	return n.publish(ctx, sessionID, mcp.ResourcesUpdatedNotificationMethod, mcp.ResourceUpdatedNotification{URI: uri})
}

func (n *Notifier) publish(ctx context.Context, sessionID string, method mcp.Method, params any) (bool, error) {
	req, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return false, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", method, err)
	}
	id, ok, err := n.stream.Publish(ctx, sessionID, payload)
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", method, err)
	}
	if ok {
		n.log.DebugContext(ctx, "notifications.publish.ok", slog.String("session_id", sessionID), slog.String("method", string(method)), slog.String("event_id", id))
	}
	return ok, nil
}

package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-state-go/eventlog"
	"github.com/ggoodman/mcp-state-go/mcp"
	"github.com/ggoodman/mcp-state-go/sessions"
	"github.com/ggoodman/mcp-state-go/sessions/memorystore"
)

type sentNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func setup(t *testing.T, sessionIDs ...string) (*Notifier, *eventlog.Stream) {
	t.Helper()
	store := memorystore.New()
	for _, id := range sessionIDs {
		if err := store.CreateSession(t.Context(), id, 0); err != nil {
			t.Fatalf("create session %s: %v", id, err)
		}
	}
	stream := eventlog.NewStream(store)
	return NewNotifier(store, stream), stream
}

func sent(t *testing.T, stream *eventlog.Stream, sessionID string) []sentNotification {
	t.Helper()
	w, _, err := stream.Window(t.Context(), sessionID)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	out := make([]sentNotification, 0, len(w.Messages))
	for _, m := range w.Messages {
		var n sentNotification
		if err := json.Unmarshal(m.Payload, &n); err != nil {
			t.Fatalf("decode %s: %v", m.Payload, err)
		}
		out = append(out, n)
	}
	return out
}

func TestLoggingLevelFiltersMessages(t *testing.T) {
	n, stream := setup(t, "sess")
	ctx := t.Context()

	if lvl, err := n.LoggingLevel(ctx, "sess"); err != nil || lvl != DefaultLoggingLevel {
		t.Fatalf("default level: %s err=%v", lvl, err)
	}
	if ok, err := n.Log(ctx, "sess", mcp.LoggingLevelDebug, "engine", "noisy"); err != nil || ok {
		t.Fatalf("debug below default: ok=%v err=%v", ok, err)
	}
	if err := n.SetLoggingLevel(ctx, "sess", mcp.LoggingLevelWarning); err != nil {
		t.Fatalf("set level: %v", err)
	}
	if ok, _ := n.Log(ctx, "sess", mcp.LoggingLevelInfo, "engine", "ignored"); ok {
		t.Fatalf("info published above warning threshold")
	}
	if ok, err := n.Log(ctx, "sess", mcp.LoggingLevelError, "engine", map[string]any{"msg": "boom"}); err != nil || !ok {
		t.Fatalf("error log: ok=%v err=%v", ok, err)
	}

	got := sent(t, stream, "sess")
	if len(got) != 1 || got[0].Method != string(mcp.LoggingMessageNotificationMethod) {
		t.Fatalf("unexpected notifications: %+v", got)
	}
	var params mcp.LoggingMessageNotification
	if err := json.Unmarshal(got[0].Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.Level != mcp.LoggingLevelError || params.Logger != "engine" {
		t.Fatalf("unexpected params: %+v", params)
	}
}

func TestSetLoggingLevelErrors(t *testing.T) {
	n, _ := setup(t, "sess")
	if err := n.SetLoggingLevel(t.Context(), "sess", "verbose"); !errors.Is(err, ErrInvalidLoggingLevel) {
		t.Fatalf("expected ErrInvalidLoggingLevel, got %v", err)
	}
	if err := n.SetLoggingLevel(t.Context(), "missing", mcp.LoggingLevelInfo); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSubscriptions(t *testing.T) {
	n, _ := setup(t, "sess")
	ctx := t.Context()
	for _, uri := range []string{"file:///b", "file:///a", "file:///b"} {
		if _, err := n.Subscribe(ctx, "sess", uri); err != nil {
			t.Fatalf("subscribe %s: %v", uri, err)
		}
	}
	uris, err := n.Subscriptions(ctx, "sess")
	if err != nil || len(uris) != 2 || uris[0] != "file:///a" || uris[1] != "file:///b" {
		t.Fatalf("subscriptions: %v err=%v", uris, err)
	}
	if removed, err := n.Unsubscribe(ctx, "sess", "file:///a"); err != nil || !removed {
		t.Fatalf("unsubscribe: removed=%v err=%v", removed, err)
	}
	if removed, _ := n.Unsubscribe(ctx, "sess", "file:///a"); removed {
		t.Fatalf("second unsubscribe reported removal")
	}
	if _, err := n.Subscribe(ctx, "missing", "file:///a"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestNoCrossSessionLeakage(t *testing.T) {
	n, stream := setup(t, "client-1", "client-2")
	ctx := t.Context()
	const uri = "file:///shared.txt"

	for _, sid := range []string{"client-1", "client-2"} {
		if added, err := n.Subscribe(ctx, sid, uri); err != nil || !added {
			t.Fatalf("subscribe %s: added=%v err=%v", sid, added, err)
		}
	}

	if ok, err := n.ResourceUpdated(ctx, "client-1", uri); err != nil || !ok {
		t.Fatalf("raise for client-1: ok=%v err=%v", ok, err)
	}
	if got := sent(t, stream, "client-1"); len(got) != 1 || got[0].Method != string(mcp.ResourcesUpdatedNotificationMethod) {
		t.Fatalf("client-1 notifications: %+v", got)
	}
	if got := sent(t, stream, "client-2"); len(got) != 0 {
		t.Fatalf("client-2 observed client-1's notification: %+v", got)
	}

	if ok, err := n.ResourceUpdated(ctx, "client-2", uri); err != nil || !ok {
		t.Fatalf("raise for client-2: ok=%v err=%v", ok, err)
	}
	if got := sent(t, stream, "client-2"); len(got) != 1 {
		t.Fatalf("client-2 notifications: %+v", got)
	}
	if got := sent(t, stream, "client-1"); len(got) != 1 {
		t.Fatalf("client-1 saw client-2's notification: %+v", got)
	}

	// Unsubscribed sessions are skipped.
	if _, err := n.Unsubscribe(ctx, "client-2", uri); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if ok, err := n.ResourceUpdated(ctx, "client-2", uri); err != nil || ok {
		t.Fatalf("raise after unsubscribe: ok=%v err=%v", ok, err)
	}
}

func TestSubscriberReceivesLoggedMessage(t *testing.T) {
	n, stream := setup(t, "sess")
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	got := make(chan eventlog.SentMessage, 1)
	go func() {
		_ = stream.Subscribe(ctx, "sess", "", func(_ context.Context, m eventlog.SentMessage) error {
			got <- m
			return nil
		})
	}()

	// Live-only subscriptions start after the window's current tail, so keep
	// publishing until one arrives.
	deadline := time.After(5 * time.Second)
	for {
		if _, err := n.Log(ctx, "sess", mcp.LoggingLevelError, "", "hello"); err != nil {
			t.Fatalf("log: %v", err)
		}
		select {
		case m := <-got:
			var sentN sentNotification
			if err := json.Unmarshal(m.Payload, &sentN); err != nil || sentN.Method != string(mcp.LoggingMessageNotificationMethod) {
				t.Fatalf("unexpected delivery %s: %v", m.Payload, err)
			}
			return
		case <-deadline:
			t.Fatalf("no message delivered")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx := WithSessionData(context.Background(), &SessionData{SessionID: "s1", UserID: "u1"})
	ctx = WithTaskData(ctx, &TaskData{ContextID: "c1", TaskID: "t1", RequestID: "7"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "tools/call", ID: "7", Type: "request"})
	log.InfoContext(ctx, "tasks.create.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	sess, _ := rec["sess"].(map[string]any)
	if sess["id"] != "s1" || sess["user_id"] != "u1" {
		t.Fatalf("unexpected sess group: %v", rec["sess"])
	}
	task, _ := rec["task"].(map[string]any)
	if task["context_id"] != "c1" || task["id"] != "t1" {
		t.Fatalf("unexpected task group: %v", rec["task"])
	}
	rpc, _ := rec["rpc"].(map[string]any)
	if rpc["method"] != "tools/call" {
		t.Fatalf("unexpected rpc group: %v", rec["rpc"])
	}
	if _, ok := rec["req"]; ok {
		t.Fatalf("req group should be absent without request data")
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	l := Wrap(nil)
	if Wrap(l) != l {
		t.Fatalf("expected Wrap to return an already wrapped logger unchanged")
	}
}

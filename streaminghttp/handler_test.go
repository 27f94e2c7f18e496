package streaminghttp_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-state-go/auth/authtest"
	"github.com/ggoodman/mcp-state-go/cancellation"
	"github.com/ggoodman/mcp-state-go/eventlog"
	"github.com/ggoodman/mcp-state-go/mcp"
	"github.com/ggoodman/mcp-state-go/sessions/memorystore"
	"github.com/ggoodman/mcp-state-go/sessions/sqlstore"
	"github.com/ggoodman/mcp-state-go/streaminghttp"
	"github.com/ggoodman/mcp-state-go/tasks"
)

type fixture struct {
	srv    *httptest.Server
	store  *memorystore.Store
	stream *eventlog.Stream
}

func newFixture(t *testing.T, streamOpts []eventlog.Option, opts ...streaminghttp.Option) *fixture {
	t.Helper()
	store := memorystore.New()
	if err := store.CreateSession(t.Context(), "sess-1", 0); err != nil {
		t.Fatalf("create session: %v", err)
	}
	stream := eventlog.NewStream(store, streamOpts...)
	authn := authtest.Tokens{"good-token": "user-1"}
	h := streaminghttp.NewStreamHandler(store, stream, authn, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, stream: stream}
}

func (f *fixture) publish(t *testing.T, n int) {
	t.Helper()
	for range n {
		if _, ok, err := f.stream.Publish(t.Context(), "sess-1", []byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{}}`)); err != nil || !ok {
			t.Fatalf("publish: ok=%v err=%v", ok, err)
		}
	}
}

func (f *fixture) request(t *testing.T, ctx context.Context, method string, headers map[string]string, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.srv.URL+"/mcp", rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return res
}

func streamHeaders(extra ...string) map[string]string {
	h := map[string]string{
		"Accept":         "text/event-stream",
		"Authorization":  "Bearer good-token",
		"Mcp-Session-Id": "sess-1",
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if extra[i+1] == "" {
			delete(h, extra[i])
			continue
		}
		h[extra[i]] = extra[i+1]
	}
	return h
}

type frame struct {
	id   string
	data string
}

// readFrame returns the next SSE event, skipping comment frames.
func readFrame(t *testing.T, r *bufio.Reader) (frame, error) {
	t.Helper()
	var f frame
	sawField := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if sawField {
				return f, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			f.id, sawField = strings.TrimPrefix(line, "id: "), true
		case strings.HasPrefix(line, "data: "):
			f.data, sawField = strings.TrimPrefix(line, "data: "), true
		}
	}
}

func TestRejections(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		name    string
		method  string
		headers map[string]string
		status  int
	}{
		{"not acceptable", http.MethodGet, streamHeaders("Accept", "application/json"), http.StatusNotAcceptable},
		{"missing credentials", http.MethodGet, streamHeaders("Authorization", ""), http.StatusUnauthorized},
		{"malformed credentials", http.MethodGet, streamHeaders("Authorization", "Basic abc"), http.StatusBadRequest},
		{"invalid token", http.MethodGet, streamHeaders("Authorization", "Bearer bad-token"), http.StatusUnauthorized},
		{"missing session header", http.MethodGet, streamHeaders("Mcp-Session-Id", ""), http.StatusBadRequest},
		{"unknown session", http.MethodGet, streamHeaders("Mcp-Session-Id", "nope"), http.StatusNotFound},
		{"post without cancellation store", http.MethodPost, streamHeaders("Content-Type", "application/json"), http.StatusMethodNotAllowed},
		{"unsupported method", http.MethodPut, streamHeaders(), http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.request(t, t.Context(), tc.method, tc.headers, "")
			defer res.Body.Close()
			if res.StatusCode != tc.status {
				t.Fatalf("status: got %d want %d", res.StatusCode, tc.status)
			}
			if res.StatusCode == http.StatusUnauthorized && !strings.HasPrefix(res.Header.Get("WWW-Authenticate"), "Bearer") {
				t.Fatalf("missing bearer challenge: %q", res.Header.Get("WWW-Authenticate"))
			}
		})
	}
}

func TestChallengeAdvertisesResourceMetadata(t *testing.T) {
	f := newFixture(t, nil, streaminghttp.WithRealm("mcp"), streaminghttp.WithResourceMetadataURL("https://mcp.example.com/.well-known/oauth-protected-resource"))
	res := f.request(t, t.Context(), http.MethodGet, streamHeaders("Authorization", "Bearer bad-token"), "")
	defer res.Body.Close()
	want := `Bearer realm="mcp", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource", error="invalid_token"`
	if got := res.Header.Get("WWW-Authenticate"); !strings.HasPrefix(got, want) {
		t.Fatalf("challenge: got %q want prefix %q", got, want)
	}
}

func TestReplayThenLive(t *testing.T) {
	f := newFixture(t, nil, streaminghttp.WithKeepAlive(0))
	f.publish(t, 3)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	res := f.request(t, ctx, http.MethodGet, streamHeaders("Last-Event-ID", "1"), "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected response: %d %q", res.StatusCode, res.Header.Get("Content-Type"))
	}
	r := bufio.NewReader(res.Body)

	for _, want := range []string{"2", "3"} {
		fr, err := readFrame(t, r)
		if err != nil {
			t.Fatalf("read replayed frame: %v", err)
		}
		if fr.id != want || !strings.Contains(fr.data, "notifications/message") {
			t.Fatalf("replayed frame: %+v, want id %s", fr, want)
		}
	}

	f.publish(t, 1)
	fr, err := readFrame(t, r)
	if err != nil || fr.id != "4" {
		t.Fatalf("live frame: %+v err=%v", fr, err)
	}
}

func TestEvictedCursorConflicts(t *testing.T) {
	f := newFixture(t, []eventlog.Option{eventlog.WithMaxMessages(2)})
	f.publish(t, 5)
	res := f.request(t, t.Context(), http.MethodGet, streamHeaders("Last-Event-ID", "1"), "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status: got %d want 409", res.StatusCode)
	}
}

func TestDeleteEndsStream(t *testing.T) {
	f := newFixture(t, nil, streaminghttp.WithKeepAlive(0))
	res := f.request(t, t.Context(), http.MethodGet, streamHeaders(), "")
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", res.StatusCode)
	}

	del := f.request(t, t.Context(), http.MethodDelete, streamHeaders(), "")
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status: %d", del.StatusCode)
	}

	done := make(chan error, 1)
	go func() {
		_, err := readFrame(t, bufio.NewReader(res.Body))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("expected end of stream, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not end after session deletion")
	}

	again := f.request(t, t.Context(), http.MethodGet, streamHeaders(), "")
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete: %d", again.StatusCode)
	}
}

func TestKeepAlive(t *testing.T) {
	f := newFixture(t, nil, streaminghttp.WithKeepAlive(20*time.Millisecond))
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	res := f.request(t, ctx, http.MethodGet, streamHeaders(), "")
	defer res.Body.Close()

	line, err := bufio.NewReader(res.Body).ReadString('\n')
	if err != nil || line != ": keep-alive\n" {
		t.Fatalf("keep-alive: %q err=%v", line, err)
	}
}

func TestPostCancellation(t *testing.T) {
	store := memorystore.New()
	if err := store.CreateSession(t.Context(), "sess-1", 0); err != nil {
		t.Fatalf("create session: %v", err)
	}
	h := streaminghttp.NewStreamHandler(store, eventlog.NewStream(store), nil, streaminghttp.WithCancellationStore(store))
	srv := httptest.NewServer(h)
	defer srv.Close()
	f := &fixture{srv: srv, store: store}

	headers := map[string]string{"Content-Type": "application/json", "Mcp-Session-Id": "sess-1"}
	res := f.request(t, t.Context(), http.MethodPost, headers, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":42,"reason":"stop"}}`)
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", res.StatusCode)
	}
	cancelled, reason, err := cancellation.StoreProbe(store, "sess-1", "42")(t.Context())
	if err != nil || !cancelled || reason != "stop" {
		t.Fatalf("probe: cancelled=%v reason=%q err=%v", cancelled, reason, err)
	}

	res = f.request(t, t.Context(), http.MethodPost, headers, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`)
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-cancellation message status: %d", res.StatusCode)
	}
}

func TestPostCancellationReachesTaskOnAnotherInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ownerStore, err := sqlstore.Open(t.Context(), "sqlite", path, sqlstore.WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("open owner: %v", err)
	}
	defer ownerStore.Close()
	edgeStore, err := sqlstore.Open(t.Context(), "sqlite", path, sqlstore.WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("open edge: %v", err)
	}
	defer edgeStore.Close()

	ctx := t.Context()
	owner := tasks.NewManager(ownerStore, tasks.WithRegistry(cancellation.NewRegistry(cancellation.WithPollInterval(20*time.Millisecond))))
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = owner.Run(runCtx) }()

	if err := ownerStore.CreateSession(ctx, "sess-1", 0); err != nil {
		t.Fatalf("create session: %v", err)
	}
	contextID, err := owner.CreateTaskContext(ctx, "alice")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	ts := owner.Tasks(contextID)
	task, err := ts.CreateTask(ctx, "42", tasks.CreateOptions{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- ts.ExecuteCancellable(ctx, task.TaskID, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return context.Cause(ctx)
		})
	}()
	<-started

	h := streaminghttp.NewStreamHandler(edgeStore, eventlog.NewStream(edgeStore), nil, streaminghttp.WithCancellationStore(edgeStore))
	srv := httptest.NewServer(h)
	defer srv.Close()
	f := &fixture{srv: srv}
	headers := map[string]string{"Content-Type": "application/json", "Mcp-Session-Id": "sess-1"}
	res := f.request(t, ctx, http.MethodPost, headers, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":42,"reason":"stop"}}`)
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", res.StatusCode)
	}

	select {
	case err := <-result:
		if !errors.Is(err, tasks.ErrCancelled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("notification never reached the running task")
	}
	got, ok, err := ts.GetTask(ctx, task.TaskID)
	if err != nil || !ok {
		t.Fatalf("get task: ok=%v err=%v", ok, err)
	}
	if got.Status() != mcp.TaskStatusCancelled || got.StatusMessage != "stop" {
		t.Fatalf("unexpected task: status=%s message=%q", got.Status(), got.StatusMessage)
	}
	if _, ok, err := cancellation.Lookup(ctx, edgeStore, "sess-1", "42"); err != nil || ok {
		t.Fatalf("cancellation record left behind: ok=%v err=%v", ok, err)
	}
}

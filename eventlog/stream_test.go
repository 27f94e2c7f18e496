package eventlog

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-state-go/sessions"
	"github.com/ggoodman/mcp-state-go/sessions/memorystore"
	"github.com/ggoodman/mcp-state-go/sessions/sqlstore"
)

type collector struct {
	mu   sync.Mutex
	ids  []string
	want int
	done chan struct{}
}

func newCollector(want int) *collector {
	return &collector{want: want, done: make(chan struct{})}
}

func (c *collector) handle(_ context.Context, m SentMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, m.ID)
	if len(c.ids) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.mu.Lock()
		defer c.mu.Unlock()
		t.Fatalf("timed out waiting for %d messages, got %v", c.want, c.ids)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func publishN(t *testing.T, s *Stream, sid string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, ok, err := s.Publish(t.Context(), sid, []byte(`{}`)); err != nil || !ok {
			t.Fatalf("publish: ok=%v err=%v", ok, err)
		}
	}
}

func newMemoryStream(t *testing.T, opts ...Option) (*Stream, sessions.Store) {
	t.Helper()
	store := memorystore.New()
	if err := store.CreateSession(t.Context(), "sess", 0); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return NewStream(store, opts...), store
}

func TestPublishAssignsSequentialIDs(t *testing.T) {
	s, _ := newMemoryStream(t, WithMaxMessages(3))
	for want := 1; want <= 5; want++ {
		id, ok, err := s.Publish(t.Context(), "sess", []byte(`{}`))
		if err != nil || !ok || id != strconv.Itoa(want) {
			t.Fatalf("publish %d: id=%s ok=%v err=%v", want, id, ok, err)
		}
	}
	w, _, _ := s.Window(t.Context(), "sess")
	if len(w.Messages) != 3 || w.Messages[0].ID != "3" || w.LastSeq != 5 {
		t.Fatalf("unexpected window: %+v", w)
	}
	if _, ok, err := s.Publish(t.Context(), "missing", []byte(`{}`)); err != nil || ok {
		t.Fatalf("publish to missing session: ok=%v err=%v", ok, err)
	}
}

func TestSubscribeReplaysThenContinuesLive(t *testing.T) {
	s, _ := newMemoryStream(t)
	publishN(t, s, "sess", 5)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	c := newCollector(5)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Subscribe(ctx, "sess", "2", c.handle) }()

	time.Sleep(50 * time.Millisecond)
	publishN(t, s, "sess", 2)

	got := c.wait(t)
	want := []string{"3", "4", "5", "6", "7"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery %d: want %s got %s (all %v)", i, want[i], got[i], got)
		}
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSubscribeWithoutCursorIsLiveOnly(t *testing.T) {
	s, _ := newMemoryStream(t)
	publishN(t, s, "sess", 3)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	c := newCollector(1)
	go func() { _ = s.Subscribe(ctx, "sess", "", c.handle) }()
	time.Sleep(50 * time.Millisecond)
	publishN(t, s, "sess", 1)

	if got := c.wait(t); got[0] != "4" {
		t.Fatalf("expected only the live message 4, got %v", got)
	}
}

func TestSubscribeFailsFastOnEvictedCursor(t *testing.T) {
	s, _ := newMemoryStream(t, WithMaxMessages(3))
	publishN(t, s, "sess", 10)

	called := false
	err := s.Subscribe(t.Context(), "sess", "2", func(context.Context, SentMessage) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	if called {
		t.Fatalf("nothing may be delivered when replay is refused")
	}
}

func TestResumeDecidesReplayFromOneRead(t *testing.T) {
	s, _ := newMemoryStream(t, WithMaxMessages(3))
	publishN(t, s, "sess", 5)

	r, err := s.Resume(t.Context(), "sess", "2")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(r.Backlog) != 3 || r.Backlog[0].ID != "3" {
		t.Fatalf("unexpected backlog: %+v", r.Backlog)
	}

	// The window moves past the accepted cursor before delivery starts.
	publishN(t, s, "sess", 5)

	var got []string
	err = s.Follow(t.Context(), "sess", r, func(_ context.Context, m SentMessage) error {
		got = append(got, m.ID)
		return nil
	})
	if !errors.Is(err, ErrReplayGap) {
		t.Fatalf("expected ErrReplayGap once live delivery falls behind, got %v", err)
	}
	want := []string{"3", "4", "5"}
	if len(got) != len(want) {
		t.Fatalf("expected the accepted backlog %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery %d: want %s got %s", i, want[i], got[i])
		}
	}

	if _, err := s.Resume(t.Context(), "sess", "2"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound for an evicted cursor, got %v", err)
	}
	if _, err := s.Resume(t.Context(), "nope", ""); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	s, _ := newMemoryStream(t)
	err := s.Subscribe(t.Context(), "nope", "", func(context.Context, SentMessage) error { return nil })
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSubscribeEndsWhenSessionDeleted(t *testing.T) {
	s, store := newMemoryStream(t)
	publishN(t, s, "sess", 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Subscribe(t.Context(), "sess", "1", func(context.Context, SentMessage) error { return nil })
	}()
	time.Sleep(50 * time.Millisecond)
	if err := store.DeleteSession(t.Context(), "sess"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription did not end after session delete")
	}
}

func TestHandlerErrorStopsSubscription(t *testing.T) {
	s, _ := newMemoryStream(t)
	publishN(t, s, "sess", 3)
	boom := errors.New("boom")
	n := 0
	err := s.Subscribe(t.Context(), "sess", "1", func(context.Context, SentMessage) error {
		n++
		return boom
	})
	if !errors.Is(err, boom) || n != 1 {
		t.Fatalf("expected handler error after one delivery, got err=%v n=%d", err, n)
	}
}

func TestReplayAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	open := func() sessions.Store {
		st, err := sqlstore.Open(t.Context(), "sqlite", path, sqlstore.WithPollInterval(20*time.Millisecond))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	}
	a, b := NewStream(open()), NewStream(open())
	if err := a.store.CreateSession(t.Context(), "sess", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	publishN(t, a, "sess", 4)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	c := newCollector(4)
	go func() { _ = b.Subscribe(ctx, "sess", "2", c.handle) }()
	time.Sleep(100 * time.Millisecond)
	publishN(t, a, "sess", 2)

	got := c.wait(t)
	for i, want := range []string{"3", "4", "5", "6"} {
		if got[i] != want {
			t.Fatalf("delivery %d: want %s got %s", i, want, got[i])
		}
	}
}

// Package storetest holds the conformance suite every sessions.Store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-state-go/pagination"
	"github.com/ggoodman/mcp-state-go/sessions"
)

// StoreFactory creates a new, empty Store for one test.
type StoreFactory func(t *testing.T) sessions.Store

// SharedFactory creates two Store values backed by the same shared state,
// modelling two server instances.
type SharedFactory func(t *testing.T) (sessions.Store, sessions.Store)

// RunStoreTests runs the complete Store suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Registry_CreateValidateDelete", func(t *testing.T) { testCreateValidateDelete(t, factory) })
	t.Run("Registry_ListSessionsPaginates", func(t *testing.T) { testListSessions(t, factory) })
	t.Run("Registry_TTLExpiry", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("Registry_TouchExtendsTTL", func(t *testing.T) { testTouchExtends(t, factory) })
	t.Run("Registry_DeleteCascades", func(t *testing.T) { testDeleteCascades(t, factory) })

	t.Run("Values_SetGetOverwriteDelete", func(t *testing.T) { testSetGet(t, factory) })
	t.Run("Values_MissingSessionReportsFalse", func(t *testing.T) { testMissingSession(t, factory) })
	t.Run("Values_TypeAndSessionScoping", func(t *testing.T) { testScoping(t, factory) })
	t.Run("Values_BulkPaginatedListing", func(t *testing.T) { testBulkListing(t, factory) })
	t.Run("Values_ListExactMultiple", func(t *testing.T) { testListExactMultiple(t, factory) })

	t.Run("Compute_ConcurrentFromAbsent", func(t *testing.T) { testConcurrentCompute(t, factory) })
	t.Run("Compute_ErrorAbortsWithoutWrite", func(t *testing.T) { testComputeError(t, factory) })
	t.Run("Compute_DropDeletes", func(t *testing.T) { testComputeDrop(t, factory) })

	t.Run("BlockUntil_ValueAppears", func(t *testing.T) { testBlockAppears(t, factory) })
	t.Run("BlockUntil_ValueChanges", func(t *testing.T) { testBlockChanges(t, factory) })
	t.Run("BlockUntil_ComputedIntoExistence", func(t *testing.T) { testBlockComputed(t, factory) })
	t.Run("BlockUntil_ValueDeleted", func(t *testing.T) { testBlockDeleted(t, factory) })
	t.Run("BlockUntil_TimesOut", func(t *testing.T) { testBlockTimeout(t, factory) })
	t.Run("BlockUntil_ContextCancelled", func(t *testing.T) { testBlockContextCancelled(t, factory) })
}

// RunSharedStoreTests checks that two Store values over shared state observe
// each other's writes.
func RunSharedStoreTests(t *testing.T, factory SharedFactory) {
	t.Run("Shared_WritesVisibleAcrossInstances", func(t *testing.T) { testSharedVisibility(t, factory) })
	t.Run("Shared_BlockUntilAcrossInstances", func(t *testing.T) { testSharedBlock(t, factory) })
	t.Run("Shared_ConcurrentComputeAcrossInstances", func(t *testing.T) { testSharedCompute(t, factory) })
}

var (
	counterKey = sessions.NewKey[int]("counter", "n")
	textKey    = sessions.NewKey[string]("text", "greeting")
)

func newSession(t *testing.T, s sessions.Store, id string) {
	t.Helper()
	if err := s.CreateSession(t.Context(), id, 0); err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
}

func mustSet[T any](t *testing.T, s sessions.Store, sid string, k sessions.Key[T], v T) {
	t.Helper()
	ok, err := sessions.Set(t.Context(), s, sid, k, v)
	if err != nil {
		t.Fatalf("set %s: %v", k, err)
	}
	if !ok {
		t.Fatalf("set %s: session %s missing", k, sid)
	}
}

// --- Registry ---

func testCreateValidateDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	ok, err := s.ValidateSession(ctx, "sess-1")
	if err != nil || ok {
		t.Fatalf("expected unknown session, got ok=%v err=%v", ok, err)
	}
	newSession(t, s, "sess-1")
	if ok, err := s.ValidateSession(ctx, "sess-1"); err != nil || !ok {
		t.Fatalf("expected session to exist, got ok=%v err=%v", ok, err)
	}
	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, err := s.ValidateSession(ctx, "sess-1"); err != nil || ok {
		t.Fatalf("expected deleted session to be gone, got ok=%v err=%v", ok, err)
	}
	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func testListSessions(t *testing.T, factory StoreFactory) {
	s := factory(t)
	want := make([]string, 0, 25)
	for i := range 25 {
		id := fmt.Sprintf("sess-%03d", i)
		want = append(want, id)
		newSession(t, s, id)
	}
	got, err := pagination.All(t.Context(), func(ctx context.Context, cursor string) (pagination.Page[string], error) {
		return s.ListSessions(ctx, 7, cursor)
	})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	assertSameOrdered(t, want, got)
}

func testTTLExpiry(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	if err := s.CreateSession(ctx, "short", 150*time.Millisecond); err != nil {
		t.Fatalf("create: %v", err)
	}
	newSession(t, s, "forever")
	mustSet(t, s, "short", textKey, "hi")

	time.Sleep(400 * time.Millisecond)

	if ok, err := s.ValidateSession(ctx, "short"); err != nil || ok {
		t.Fatalf("expected expired session, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := sessions.Get(ctx, s, "short", textKey); err != nil || ok {
		t.Fatalf("expected value of expired session to be gone, got ok=%v err=%v", ok, err)
	}
	if ok, err := sessions.Set(ctx, s, "short", textKey, "again"); err != nil || ok {
		t.Fatalf("expected set on expired session to report false, got ok=%v err=%v", ok, err)
	}
	if ok, err := s.ValidateSession(ctx, "forever"); err != nil || !ok {
		t.Fatalf("expected session without ttl to survive, got ok=%v err=%v", ok, err)
	}
	page, err := s.ListSessions(ctx, 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	assertSameOrdered(t, []string{"forever"}, page.Items)
}

func testTouchExtends(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	if err := s.CreateSession(ctx, "sliding", 300*time.Millisecond); err != nil {
		t.Fatalf("create: %v", err)
	}
	for range 3 {
		time.Sleep(150 * time.Millisecond)
		ok, err := s.TouchSession(ctx, "sliding", 300*time.Millisecond)
		if err != nil || !ok {
			t.Fatalf("touch: ok=%v err=%v", ok, err)
		}
	}
	if ok, err := s.ValidateSession(ctx, "sliding"); err != nil || !ok {
		t.Fatalf("expected touched session alive, got ok=%v err=%v", ok, err)
	}
	if ok, err := s.TouchSession(ctx, "missing", time.Second); err != nil || ok {
		t.Fatalf("touch on missing session: ok=%v err=%v", ok, err)
	}
}

func testDeleteCascades(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	newSession(t, s, "sess-1")
	mustSet(t, s, "sess-1", textKey, "hello")
	mustSet(t, s, "sess-1", counterKey, 3)

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	newSession(t, s, "sess-1")
	if _, ok, err := sessions.Get(ctx, s, "sess-1", textKey); err != nil || ok {
		t.Fatalf("text value survived delete: ok=%v err=%v", ok, err)
	}
	page, err := s.ListValues(ctx, "sess-1", counterKey.Type, 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected no counter values after recreate, got %d", len(page.Items))
	}
}

// --- Values ---

func testSetGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	newSession(t, s, "sess-1")

	if _, ok, err := sessions.Get(ctx, s, "sess-1", textKey); err != nil || ok {
		t.Fatalf("expected absent value, got ok=%v err=%v", ok, err)
	}
	mustSet(t, s, "sess-1", textKey, "hello")
	v, ok, err := sessions.Get(ctx, s, "sess-1", textKey)
	if err != nil || !ok || v != "hello" {
		t.Fatalf("get after set: v=%q ok=%v err=%v", v, ok, err)
	}
	mustSet(t, s, "sess-1", textKey, "bonjour")
	if v, _, _ := sessions.Get(ctx, s, "sess-1", textKey); v != "bonjour" {
		t.Fatalf("expected overwrite, got %q", v)
	}
	ok, err = sessions.Delete(ctx, s, "sess-1", textKey)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if _, ok, err := sessions.Get(ctx, s, "sess-1", textKey); err != nil || ok {
		t.Fatalf("expected absent after delete, got ok=%v err=%v", ok, err)
	}
	// Deleting an absent value in a live session still reports the session.
	if ok, err := sessions.Delete(ctx, s, "sess-1", textKey); err != nil || !ok {
		t.Fatalf("delete absent: ok=%v err=%v", ok, err)
	}
}

func testMissingSession(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	if ok, err := sessions.Set(ctx, s, "nope", textKey, "x"); err != nil || ok {
		t.Fatalf("set: ok=%v err=%v", ok, err)
	}
	if ok, err := sessions.Delete(ctx, s, "nope", textKey); err != nil || ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	called := false
	ok, err := sessions.Compute(ctx, s, "nope", counterKey, func(cur int, ok bool) (int, bool, error) {
		called = true
		return cur + 1, true, nil
	})
	if err != nil || ok {
		t.Fatalf("compute: ok=%v err=%v", ok, err)
	}
	if called {
		t.Fatalf("compute must not run fn for a missing session")
	}
	if _, ok, err := sessions.Get(ctx, s, "nope", textKey); err != nil || ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	page, err := s.ListValues(ctx, "nope", "text", 10, "")
	if err != nil || len(page.Items) != 0 || page.NextCursor != nil {
		t.Fatalf("list: %+v err=%v", page, err)
	}
	if _, err := sessions.Set(ctx, s, "nope", sessions.NewKey[string]("", "x"), "x"); !errors.Is(err, sessions.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func testScoping(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	newSession(t, s, "a")
	newSession(t, s, "b")

	other := sessions.NewKey[string]("other", textKey.Name)
	mustSet(t, s, "a", textKey, "a-text")
	mustSet(t, s, "a", other, "a-other")
	mustSet(t, s, "b", textKey, "b-text")

	if v, _, _ := sessions.Get(ctx, s, "a", textKey); v != "a-text" {
		t.Fatalf("a/text = %q", v)
	}
	if v, _, _ := sessions.Get(ctx, s, "a", other); v != "a-other" {
		t.Fatalf("a/other = %q", v)
	}
	if v, _, _ := sessions.Get(ctx, s, "b", textKey); v != "b-text" {
		t.Fatalf("b/text = %q", v)
	}
	if _, ok, _ := sessions.Get(ctx, s, "b", other); ok {
		t.Fatalf("b/other must not exist")
	}
}

func testBulkListing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	newSession(t, s, "bulk")

	const n = 1003
	want := make([]string, 0, n)
	for i := range n {
		name := fmt.Sprintf("key-%04d", i)
		want = append(want, name)
		ok, err := s.SetValue(ctx, "bulk", "bulk", name, []byte(fmt.Sprintf("%d", i)))
		if err != nil || !ok {
			t.Fatalf("set %s: ok=%v err=%v", name, ok, err)
		}
	}
	// A value of another type must not leak into the listing.
	mustSet(t, s, "bulk", sessions.NewKey[int]("other", "key-0005"), 5)

	pages := 0
	got, err := pagination.All(ctx, func(ctx context.Context, cursor string) (pagination.Page[sessions.Item[int]], error) {
		pages++
		return sessions.List[int](ctx, s, "bulk", "bulk", 12, cursor)
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if pages != n/12+1 {
		t.Fatalf("expected %d pages, got %d", n/12+1, pages)
	}
	names := make([]string, 0, len(got))
	for _, it := range got {
		names = append(names, it.Name)
		if want := fmt.Sprintf("key-%04d", it.Value); want != it.Name {
			t.Fatalf("value mismatch for %s: %d", it.Name, it.Value)
		}
	}
	assertSameOrdered(t, want, names)
}

func testListExactMultiple(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	newSession(t, s, "sess")
	for i := range 24 {
		mustSet(t, s, "sess", sessions.NewKey[int]("n", fmt.Sprintf("k%02d", i)), i)
	}
	first, err := s.ListValues(ctx, "sess", "n", 12, "")
	if err != nil || len(first.Items) != 12 || first.NextCursor == nil || *first.NextCursor != "k11" {
		t.Fatalf("first page: %+v err=%v", first.NextCursor, err)
	}
	second, err := s.ListValues(ctx, "sess", "n", 12, *first.NextCursor)
	if err != nil || len(second.Items) != 12 || second.NextCursor == nil {
		t.Fatalf("second page: %d items err=%v", len(second.Items), err)
	}
	third, err := s.ListValues(ctx, "sess", "n", 12, *second.NextCursor)
	if err != nil || len(third.Items) != 0 || third.NextCursor != nil {
		t.Fatalf("third page should be empty and final: %d items err=%v", len(third.Items), err)
	}
}

// --- Compute ---

func testConcurrentCompute(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	newSession(t, s, "sess")

	const workers = 16
	var (
		wg       sync.WaitGroup
		errs     = make(chan error, workers)
		insertMu sync.Mutex
		inserts  = make(map[int]bool)
	)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := sessions.Compute(ctx, s, "sess", sessions.NewKey[[]int]("log", "writers"), func(cur []int, ok bool) ([]int, bool, error) {
				insertMu.Lock()
				inserts[w] = !ok
				insertMu.Unlock()
				return append(cur, w), true, nil
			})
			if err == nil && !ok {
				err = errors.New("session vanished")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
	}

	got, ok, err := sessions.Get(ctx, s, "sess", sessions.NewKey[[]int]("log", "writers"))
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(got) != workers {
		t.Fatalf("expected %d writers recorded, got %d: %v", workers, len(got), got)
	}
	seen := make(map[int]bool)
	for _, w := range got {
		if seen[w] {
			t.Fatalf("writer %d recorded twice: %v", w, got)
		}
		seen[w] = true
	}
	// The last observation of each writer is the one that committed. Exactly
	// one of them saw the key absent.
	insertMu.Lock()
	defer insertMu.Unlock()
	n := 0
	for _, inserted := range inserts {
		if inserted {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected exactly one insert, got %d", n)
	}
	if !inserts[got[0]] {
		t.Fatalf("first recorded writer %d did not observe an absent key", got[0])
	}
}

func testComputeError(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	newSession(t, s, "sess")
	mustSet(t, s, "sess", counterKey, 1)

	boom := errors.New("boom")
	_, err := sessions.Compute(ctx, s, "sess", counterKey, func(cur int, ok bool) (int, bool, error) {
		return 99, true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if v, _, _ := sessions.Get(ctx, s, "sess", counterKey); v != 1 {
		t.Fatalf("value changed despite error: %d", v)
	}
}

func testComputeDrop(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()
	newSession(t, s, "sess")
	mustSet(t, s, "sess", counterKey, 1)

	ok, err := sessions.Compute(ctx, s, "sess", counterKey, func(cur int, ok bool) (int, bool, error) {
		return 0, false, nil
	})
	if err != nil || !ok {
		t.Fatalf("compute: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := sessions.Get(ctx, s, "sess", counterKey); ok {
		t.Fatalf("expected value removed")
	}
	// Dropping an absent value is a no-op.
	ok, err = sessions.Compute(ctx, s, "sess", counterKey, func(cur int, ok bool) (int, bool, error) {
		if ok {
			t.Errorf("unexpected present value %d", cur)
		}
		return 0, false, nil
	})
	if err != nil || !ok {
		t.Fatalf("compute absent: ok=%v err=%v", ok, err)
	}
}

// --- BlockUntil ---

const (
	waitBudget  = 5 * time.Second
	wakeLatency = 2 * time.Second
)

// blockThen starts a waiter for pred on key, runs mutate once the waiter is
// parked, and requires the waiter to return promptly.
func blockThen(t *testing.T, s sessions.Store, sid string, pred func(int, bool) bool, mutate func()) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- sessions.BlockUntil(t.Context(), s, sid, counterKey, waitBudget, pred)
	}()

	time.Sleep(150 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("waiter returned before mutation: %v", err)
	default:
	}

	start := time.Now()
	mutate()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
		if d := time.Since(start); d > wakeLatency {
			t.Fatalf("waiter woke after %v", d)
		}
	case <-time.After(wakeLatency):
		t.Fatalf("waiter did not wake within %v", wakeLatency)
	}
}

func testBlockAppears(t *testing.T, factory StoreFactory) {
	s := factory(t)
	newSession(t, s, "sess")
	blockThen(t, s, "sess", func(_ int, ok bool) bool { return ok }, func() {
		mustSet(t, s, "sess", counterKey, 1)
	})
}

func testBlockChanges(t *testing.T, factory StoreFactory) {
	s := factory(t)
	newSession(t, s, "sess")
	mustSet(t, s, "sess", counterKey, 1)
	blockThen(t, s, "sess", func(v int, ok bool) bool { return ok && v == 2 }, func() {
		mustSet(t, s, "sess", counterKey, 2)
	})
}

func testBlockComputed(t *testing.T, factory StoreFactory) {
	s := factory(t)
	newSession(t, s, "sess")
	blockThen(t, s, "sess", func(v int, ok bool) bool { return ok && v == 10 }, func() {
		ok, err := sessions.Compute(t.Context(), s, "sess", counterKey, func(cur int, ok bool) (int, bool, error) {
			return cur + 10, true, nil
		})
		if err != nil || !ok {
			t.Errorf("compute: ok=%v err=%v", ok, err)
		}
	})
}

func testBlockDeleted(t *testing.T, factory StoreFactory) {
	s := factory(t)
	newSession(t, s, "sess")
	mustSet(t, s, "sess", counterKey, 1)
	blockThen(t, s, "sess", func(_ int, ok bool) bool { return !ok }, func() {
		if ok, err := sessions.Delete(t.Context(), s, "sess", counterKey); err != nil || !ok {
			t.Errorf("delete: ok=%v err=%v", ok, err)
		}
	})
}

func testBlockTimeout(t *testing.T, factory StoreFactory) {
	s := factory(t)
	newSession(t, s, "sess")
	start := time.Now()
	err := sessions.BlockUntil(t.Context(), s, "sess", counterKey, 300*time.Millisecond, func(_ int, ok bool) bool { return ok })
	if !errors.Is(err, sessions.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if d := time.Since(start); d < 250*time.Millisecond {
		t.Fatalf("timed out too early: %v", d)
	}
}

func testBlockContextCancelled(t *testing.T, factory StoreFactory) {
	s := factory(t)
	newSession(t, s, "sess")
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()
	err := sessions.BlockUntil(ctx, s, "sess", counterKey, waitBudget, func(_ int, ok bool) bool { return ok })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

// --- Shared ---

func testSharedVisibility(t *testing.T, factory SharedFactory) {
	a, b := factory(t)
	ctx := t.Context()
	newSession(t, a, "shared")
	if ok, err := b.ValidateSession(ctx, "shared"); err != nil || !ok {
		t.Fatalf("session not visible on b: ok=%v err=%v", ok, err)
	}
	mustSet(t, a, "shared", textKey, "from-a")
	if v, ok, err := sessions.Get(ctx, b, "shared", textKey); err != nil || !ok || v != "from-a" {
		t.Fatalf("value not visible on b: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := b.DeleteSession(ctx, "shared"); err != nil {
		t.Fatalf("delete on b: %v", err)
	}
	if ok, err := sessions.Set(ctx, a, "shared", textKey, "late"); err != nil || ok {
		t.Fatalf("set after remote delete: ok=%v err=%v", ok, err)
	}
}

func testSharedBlock(t *testing.T, factory SharedFactory) {
	a, b := factory(t)
	newSession(t, a, "shared")
	blockThen(t, b, "shared", func(v int, ok bool) bool { return ok && v == 7 }, func() {
		mustSet(t, a, "shared", counterKey, 7)
	})
}

func testSharedCompute(t *testing.T, factory SharedFactory) {
	a, b := factory(t)
	ctx := t.Context()
	newSession(t, a, "shared")

	const perStore = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*perStore)
	for _, s := range []sessions.Store{a, b} {
		for range perStore {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := sessions.Compute(ctx, s, "shared", counterKey, func(cur int, ok bool) (int, bool, error) {
					return cur + 1, true, nil
				})
				errs <- err
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
	}
	if v, _, _ := sessions.Get(ctx, a, "shared", counterKey); v != 2*perStore {
		t.Fatalf("expected %d, got %d", 2*perStore, v)
	}
}

func assertSameOrdered(t *testing.T, want, got []string) {
	t.Helper()
	if !sort.StringsAreSorted(got) {
		t.Fatalf("listing is not in ascending order")
	}
	if len(want) != len(got) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("item %d: want %q got %q", i, want[i], got[i])
		}
	}
}

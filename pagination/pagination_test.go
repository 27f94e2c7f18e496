package pagination

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNewPageNormalizesNil(t *testing.T) {
	p := NewPage[string](nil)
	if p.Items == nil {
		t.Fatalf("expected non-nil items")
	}
	if p.NextCursor != nil {
		t.Fatalf("expected no cursor")
	}
}

func TestPaginateTraversesEveryItemOnce(t *testing.T) {
	var items []string
	for i := 0; i < 103; i++ {
		items = append(items, fmt.Sprintf("item-%04d", i))
	}
	// reverse so Paginate has to sort
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	id := func(s string) string { return s }
	got, err := All(t.Context(), func(_ context.Context, cursor string) (Page[string], error) {
		return Paginate(items, id, 12, cursor), nil
	})
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("expected %d items, got %d", len(items), len(got))
	}
	seen := make(map[string]bool, len(got))
	for i, s := range got {
		if seen[s] {
			t.Fatalf("duplicate %s", s)
		}
		seen[s] = true
		if i > 0 && got[i-1] >= s {
			t.Fatalf("out of order at %d: %s >= %s", i, got[i-1], s)
		}
	}
}

func TestPaginateExactMultipleEndsWithEmptyPage(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	id := func(s string) string { return s }

	p1 := Paginate(items, id, 2, "")
	if p1.NextCursor == nil || *p1.NextCursor != "b" {
		t.Fatalf("expected cursor b, got %v", p1.NextCursor)
	}
	p2 := Paginate(items, id, 2, *p1.NextCursor)
	if p2.NextCursor == nil || *p2.NextCursor != "d" {
		t.Fatalf("expected cursor d, got %v", p2.NextCursor)
	}
	p3 := Paginate(items, id, 2, *p2.NextCursor)
	if len(p3.Items) != 0 || p3.NextCursor != nil {
		t.Fatalf("expected empty terminal page, got %+v", p3)
	}
}

func TestPaginateCursorForRemovedItem(t *testing.T) {
	items := []string{"a", "c", "e"}
	p := Paginate(items, func(s string) string { return s }, 10, "b")
	if len(p.Items) != 2 || p.Items[0] != "c" {
		t.Fatalf("expected [c e], got %v", p.Items)
	}
}

func TestAllDetectsStalledCursor(t *testing.T) {
	_, err := All(t.Context(), func(_ context.Context, cursor string) (Page[int], error) {
		return NewPage([]int{1}, WithNextCursor[int]("same")), nil
	})
	if !errors.Is(err, ErrCursorStalled) {
		t.Fatalf("expected ErrCursorStalled, got %v", err)
	}
}

func TestSizeDefault(t *testing.T) {
	if Size(0) != DefaultPageSize || Size(-3) != DefaultPageSize {
		t.Fatalf("expected default page size")
	}
	if Size(7) != 7 {
		t.Fatalf("expected 7")
	}
}

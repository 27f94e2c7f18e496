// Package pagination implements the keyset cursor contract shared by every
// listing in this module: sessions, session values, tasks and the handler
// catalog.
//
// A cursor is the natural key (name or id) of the last item on the previous
// page. An empty cursor starts from the beginning. A page shorter than the
// requested size carries no NextCursor, which tells the caller the listing is
// exhausted.
package pagination

import (
	"context"
	"errors"
	"sort"
)

// DefaultPageSize is used when a caller passes a non-positive page size.
const DefaultPageSize = 50

// ErrCursorStalled is returned by All when a source hands back the same cursor
// twice in a row. Continuing would loop forever.
var ErrCursorStalled = errors.New("pagination: cursor did not advance")

// Page represents a single page of results with an optional cursor for fetching
// the next page.
//
// Items is never nil; NewPage normalizes nil input to an empty slice for
// ergonomics at call sites.
type Page[T any] struct {
	Items      []T
	NextCursor *string
}

// PageOption configures a Page constructed via NewPage.
type PageOption[T any] func(*Page[T])

// WithNextCursor sets the next cursor on the Page to indicate that more
// results may be available.
func WithNextCursor[T any](cursor string) PageOption[T] {
	return func(p *Page[T]) {
		p.NextCursor = &cursor
	}
}

// NewPage constructs a Page with the provided items and optional configuration
// options. If items is nil, it will be replaced with an empty slice.
func NewPage[T any](items []T, opts ...PageOption[T]) Page[T] {
	if items == nil {
		items = make([]T, 0)
	}
	p := Page[T]{
		Items:      items,
		NextCursor: nil,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Size normalizes a requested page size.
func Size(pageSize int) int {
	if pageSize <= 0 {
		return DefaultPageSize
	}
	return pageSize
}

// FromItems builds a Page from items that were fetched with a limit of
// pageSize. A full page gets a NextCursor equal to the key of its last item.
func FromItems[T any](items []T, pageSize int, key func(T) string) Page[T] {
	pageSize = Size(pageSize)
	if len(items) < pageSize || len(items) == 0 {
		return NewPage(items)
	}
	return NewPage(items, WithNextCursor[T](key(items[len(items)-1])))
}

// Paginate returns the page of items strictly after cursor. items need not be
// sorted; Paginate sorts a copy by key so the order is total and stable.
func Paginate[T any](items []T, key func(T) string, pageSize int, cursor string) Page[T] {
	pageSize = Size(pageSize)
	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return key(sorted[i]) < key(sorted[j]) })

	start := 0
	if cursor != "" {
		start = sort.Search(len(sorted), func(i int) bool { return key(sorted[i]) > cursor })
	}
	end := start + pageSize
	if end > len(sorted) {
		end = len(sorted)
	}
	out := make([]T, end-start)
	copy(out, sorted[start:end])
	return FromItems(out, pageSize, key)
}

// Fetcher loads one page starting after cursor.
type Fetcher[T any] func(ctx context.Context, cursor string) (Page[T], error)

// All walks every page produced by fetch and returns the concatenated items.
func All[T any](ctx context.Context, fetch Fetcher[T]) ([]T, error) {
	var (
		out    []T
		cursor string
	)
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		page, err := fetch(ctx, cursor)
		if err != nil {
			return out, err
		}
		out = append(out, page.Items...)
		if page.NextCursor == nil {
			return out, nil
		}
		if *page.NextCursor == cursor {
			return out, ErrCursorStalled
		}
		cursor = *page.NextCursor
	}
}

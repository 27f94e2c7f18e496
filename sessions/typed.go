package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-state-go/pagination"
)

// Key identifies a typed value within a session. Two keys with the same name
// but different types address different values.
type Key[T any] struct {
	Type string
	Name string
}

// NewKey constructs a Key.
func NewKey[T any](typ, name string) Key[T] {
	return Key[T]{Type: typ, Name: name}
}

func (k Key[T]) String() string { return k.Type + "/" + k.Name }

// Item is one typed value returned by List.
type Item[T any] struct {
	Name  string
	Value T
}

func decode[T any](k Key[T], raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode session value %s: %w", k, err)
	}
	return v, nil
}

// Get returns the value for key. ok is false when the value or the session is
// absent.
func Get[T any](ctx context.Context, s Store, sessionID string, key Key[T]) (T, bool, error) {
	var zero T
	if err := ValidateKey(key.Type, key.Name); err != nil {
		return zero, false, err
	}
	raw, ok, err := s.GetValue(ctx, sessionID, key.Type, key.Name)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := decode(key, raw)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set upserts the value for key. It returns false if the session does not
// exist.
func Set[T any](ctx context.Context, s Store, sessionID string, key Key[T], value T) (bool, error) {
	if err := ValidateKey(key.Type, key.Name); err != nil {
		return false, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode session value %s: %w", key, err)
	}
	return s.SetValue(ctx, sessionID, key.Type, key.Name, raw)
}

// Delete removes the value for key. It returns false if the session does not
// exist.
func Delete[T any](ctx context.Context, s Store, sessionID string, key Key[T]) (bool, error) {
	if err := ValidateKey(key.Type, key.Name); err != nil {
		return false, err
	}
	return s.DeleteValue(ctx, sessionID, key.Type, key.Name)
}

// Compute atomically replaces the value for key with fn's result. When fn
// returns keep=false the value is deleted. An error from fn aborts the
// compute and is returned unchanged.
func Compute[T any](ctx context.Context, s Store, sessionID string, key Key[T], fn func(cur T, ok bool) (next T, keep bool, err error)) (bool, error) {
	if err := ValidateKey(key.Type, key.Name); err != nil {
		return false, err
	}
	return s.ComputeValue(ctx, sessionID, key.Type, key.Name, func(raw []byte, ok bool) ([]byte, bool, error) {
		var cur T
		if ok {
			v, err := decode(key, raw)
			if err != nil {
				return nil, false, err
			}
			cur = v
		}
		next, keep, err := fn(cur, ok)
		if err != nil || !keep {
			return nil, false, err
		}
		out, err := json.Marshal(next)
		if err != nil {
			return nil, false, fmt.Errorf("encode session value %s: %w", key, err)
		}
		return out, true, nil
	})
}

// List pages through every value of type typ in ascending name order.
func List[T any](ctx context.Context, s Store, sessionID, typ string, pageSize int, cursor string) (pagination.Page[Item[T]], error) {
	page, err := s.ListValues(ctx, sessionID, typ, pageSize, cursor)
	if err != nil {
		return pagination.Page[Item[T]]{}, err
	}
	items := make([]Item[T], 0, len(page.Items))
	for _, e := range page.Items {
		v, err := decode(Key[T]{Type: typ, Name: e.Name}, e.Value)
		if err != nil {
			return pagination.Page[Item[T]]{}, err
		}
		items = append(items, Item[T]{Name: e.Name, Value: v})
	}
	out := pagination.NewPage(items)
	out.NextCursor = page.NextCursor
	return out, nil
}

// BlockUntil waits until pred holds for the value of key. Values that fail to
// decode are treated as absent.
func BlockUntil[T any](ctx context.Context, s Store, sessionID string, key Key[T], timeout time.Duration, pred func(v T, ok bool) bool) error {
	if err := ValidateKey(key.Type, key.Name); err != nil {
		return err
	}
	return s.BlockUntilValue(ctx, sessionID, key.Type, key.Name, timeout, func(raw []byte, ok bool) bool {
		var v T
		if ok {
			dv, err := decode(key, raw)
			if err != nil {
				return pred(v, false)
			}
			v = dv
		}
		return pred(v, ok)
	})
}

// Package catalog is a table of named, self-describing handlers. Each handler
// carries a JSON Schema for its arguments, reflected from a Go type, and the
// table lists descriptors with the same keyset pagination used for sessions
// and tasks.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/mcp-state-go/pagination"
)

var (
	// ErrHandlerNotFound is returned for names that were never registered.
	ErrHandlerNotFound = errors.New("handler not found")
	// ErrDuplicateHandler is returned when a name is registered twice.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrInvalidArguments wraps argument decoding failures.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Descriptor is the listed, serializable half of a Handler.
type Descriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// InvokeFunc runs a handler with raw JSON arguments.
type InvokeFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Handler pairs a descriptor with its implementation.
type Handler struct {
	Descriptor
	Invoke InvokeFunc
}

// HandlerOption configures NewHandler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	allowAdditionalProperties bool // default false (strict)
}

// WithAllowAdditionalProperties controls whether unknown argument fields are
// accepted. When false (default), the schema sets additionalProperties=false
// and decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) HandlerOption {
	return func(c *handlerConfig) { c.allowAdditionalProperties = allow }
}

// NewHandler builds a Handler whose arguments decode into A. The input schema
// is reflected from A.
func NewHandler[A any](name, description string, fn func(ctx context.Context, args A) (any, error), opts ...HandlerOption) Handler {
	cfg := handlerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return Handler{
		Descriptor: Descriptor{
			Name:        name,
			Description: description,
			InputSchema: reflectSchema[A](cfg.allowAdditionalProperties),
		},
		Invoke: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a A
			if len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
				dec := json.NewDecoder(bytes.NewReader(raw))
				if !cfg.allowAdditionalProperties {
					dec.DisallowUnknownFields()
				}
				if err := dec.Decode(&a); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
				}
			}
			return fn(ctx, a)
		},
	}
}

func reflectSchema[A any](allowAdditional bool) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	var zero A
	s := r.Reflect(&zero)
	s.Version = ""
	return s
}

// Table is a concurrency-safe set of handlers keyed by name.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewTable(handlers ...Handler) (*Table, error) {
	t := &Table{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if err := t.Register(h); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Register adds h. Names must be unique and non-empty.
func (t *Table) Register(h Handler) error {
	if h.Name == "" {
		return errors.New("catalog: empty handler name")
	}
	if h.Invoke == nil {
		return fmt.Errorf("catalog: handler %q has no implementation", h.Name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers == nil {
		t.handlers = make(map[string]Handler)
	}
	if _, exists := t.handlers[h.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.Name)
	}
	t.handlers[h.Name] = h
	return nil
}

// Remove deletes a handler; returns true if it existed.
func (t *Table) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[name]
	delete(t.handlers, name)
	return ok
}

func (t *Table) Lookup(name string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[name]
	return h, ok
}

// List pages through descriptors in ascending name order.
func (t *Table) List(pageSize int, cursor string) pagination.Page[Descriptor] {
	t.mu.RLock()
	descs := make([]Descriptor, 0, len(t.handlers))
	for _, h := range t.handlers {
		descs = append(descs, h.Descriptor)
	}
	t.mu.RUnlock()
	return pagination.Paginate(descs, func(d Descriptor) string { return d.Name }, pageSize, cursor)
}

// Invoke runs the named handler.
func (t *Table) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	h, ok := t.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, name)
	}
	return h.Invoke(ctx, args)
}

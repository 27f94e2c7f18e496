// Package cancellation tracks the requests executing on this process and
// interrupts them when a cancellation recorded in the shared store is
// observed.
//
// A cancellation for request R may reach any server instance, but only the
// instance running R can stop it. The receiving instance records the intent
// durably (see Request); the owning instance's Registry polls a Probe for
// each registered request and cancels the request's context when the probe
// reports cancellation. Instances never talk to each other directly.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/mcp-state-go/internal/metrics"
)

const (
	// DefaultPollInterval is how often Run checks registered probes.
	DefaultPollInterval = 250 * time.Millisecond
	// DefaultConcurrency bounds concurrent probes within one Poll.
	DefaultConcurrency = 8
)

var (
	// ErrAlreadyRegistered is returned when a request id is registered twice.
	ErrAlreadyRegistered = errors.New("request already registered for cancellation")
	// ErrInterrupted matches every InterruptedError.
	ErrInterrupted = errors.New("request interrupted")
)

// InterruptedError is the context cause set by Interrupt.
type InterruptedError struct {
	Reason string
}

func (e *InterruptedError) Error() string {
	if e.Reason == "" {
		return ErrInterrupted.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInterrupted, e.Reason)
}

func (e *InterruptedError) Is(target error) bool { return target == ErrInterrupted }

// Probe reports whether the request has been cancelled in the shared store.
type Probe func(ctx context.Context) (cancelled bool, reason string, err error)

type entry struct {
	cancel      context.CancelCauseFunc
	probe       Probe
	interrupted bool
}

// Registry maps request ids executing on this process to the function that
// interrupts them.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	poll        time.Duration
	concurrency int
	log         *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithPollInterval sets how often Run polls.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.poll = d
		}
	}
}

// WithConcurrency bounds the probes run in parallel by one Poll.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics records interrupts and the number of registered requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:     make(map[string]*entry),
		poll:        DefaultPollInterval,
		concurrency: DefaultConcurrency,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PollInterval reports the configured watcher interval.
func (r *Registry) PollInterval() time.Duration { return r.poll }

// Register tracks requestID until the returned function is called. probe may
// be nil for requests that can only be interrupted locally.
func (r *Registry) Register(requestID string, cancel context.CancelCauseFunc, probe Probe) (func(), error) {
	if requestID == "" {
		return nil, errors.New("cancellation: empty request id")
	}
	e := &entry{cancel: cancel, probe: probe}

	r.mu.Lock()
	if _, exists := r.entries[requestID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, requestID)
	}
	r.entries[requestID] = e
	n := len(r.entries)
	r.mu.Unlock()
	r.metrics.ActiveRequests(n)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if cur, ok := r.entries[requestID]; ok && cur == e {
				delete(r.entries, requestID)
			}
			n := len(r.entries)
			r.mu.Unlock()
			r.metrics.ActiveRequests(n)
		})
	}, nil
}

// Unregister stops tracking requestID.
func (r *Registry) Unregister(requestID string) {
	r.mu.Lock()
	delete(r.entries, requestID)
	n := len(r.entries)
	r.mu.Unlock()
	r.metrics.ActiveRequests(n)
}

// Interrupt cancels the request's context with an InterruptedError cause.
// It reports whether the request was registered here.
func (r *Registry) Interrupt(requestID, reason string) bool {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	if ok {
		e.interrupted = true
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	e.cancel(&InterruptedError{Reason: reason})
	r.metrics.Interrupt()
	r.log.Info("cancellation.interrupt.ok", slog.String("request_id", requestID), slog.String("reason", reason))
	return true
}

// Active returns the registered request ids in ascending order.
func (r *Registry) Active() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Poll runs every registered probe once and interrupts the requests whose
// probe reports cancellation. Probe failures do not stop other probes; the
// first one is returned.
func (r *Registry) Poll(ctx context.Context) error {
	type target struct {
		id    string
		probe Probe
	}
	r.mu.Lock()
	targets := make([]target, 0, len(r.entries))
	for id, e := range r.entries {
		if e.probe != nil && !e.interrupted {
			targets = append(targets, target{id: id, probe: e.probe})
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, t := range targets {
		g.Go(func() error {
			cancelled, reason, err := t.probe(ctx)
			if err != nil {
				r.log.WarnContext(ctx, "cancellation.poll.probe_failed", slog.String("request_id", t.id), slog.String("err", err.Error()))
				return fmt.Errorf("probe %s: %w", t.id, err)
			}
			if cancelled {
				r.Interrupt(t.id, reason)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run polls until ctx is done. It blocks; run it on its own goroutine.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil && ctx.Err() == nil {
				r.log.DebugContext(ctx, "cancellation.run.poll_failed", slog.String("err", err.Error()))
			}
		}
	}
}

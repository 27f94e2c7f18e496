// Package memorystore is an in-process sessions.Store. It is the fastest
// backend and wakes BlockUntil waiters as soon as a watched key changes, but
// it is not shared between processes.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/mcp-state-go/pagination"
	"github.com/ggoodman/mcp-state-go/sessions"
)

// DefaultRecheckInterval bounds how long a waiter sleeps without a change
// signal. Expiry and session creation do not signal waiters.
const DefaultRecheckInterval = 250 * time.Millisecond

var _ sessions.Store = (*Store)(nil)

// Store is an in-memory implementation of sessions.Store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessionData

	now     func() time.Time
	recheck time.Duration
}

type valueKey struct {
	typ  string
	name string
}

type sessionData struct {
	mu        sync.Mutex
	deleted   bool
	expiresAt time.Time
	values    map[string]map[string][]byte
	watchers  map[valueKey]chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRecheckInterval sets the fallback interval at which waiters re-evaluate
// their predicate without a change signal.
func WithRecheckInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.recheck = d
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*sessionData),
		now:      time.Now,
		recheck:  DefaultRecheckInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (sd *sessionData) expiredAt(now time.Time) bool {
	return !sd.expiresAt.IsZero() && !now.Before(sd.expiresAt)
}

// lookup returns the live session or nil, evicting it if expired.
func (s *Store) lookup(sessionID string) *sessionData {
	s.mu.RLock()
	sd, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	sd.mu.Lock()
	expired := sd.expiredAt(s.now())
	sd.mu.Unlock()
	if expired {
		s.evict(sessionID, sd)
		return nil
	}
	return sd
}

func (s *Store) evict(sessionID string, sd *sessionData) {
	s.mu.Lock()
	if cur, ok := s.sessions[sessionID]; ok && cur == sd {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	sd.mu.Lock()
	sd.deleted = true
	sd.values = nil
	for k, ch := range sd.watchers {
		close(ch)
		delete(sd.watchers, k)
	}
	sd.mu.Unlock()
}

// notifyLocked wakes every waiter on key. Callers hold sd.mu.
func (sd *sessionData) notifyLocked(key valueKey) {
	if ch, ok := sd.watchers[key]; ok {
		close(ch)
		delete(sd.watchers, key)
	}
}

// --- Registry ---

func (s *Store) CreateSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sd := s.lookup(sessionID); sd != nil {
		sd.mu.Lock()
		sd.expiresAt = s.expiry(ttl)
		sd.mu.Unlock()
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = &sessionData{
			expiresAt: s.expiry(ttl),
			values:    make(map[string]map[string][]byte),
			watchers:  make(map[valueKey]chan struct{}),
		}
	}
	return nil
}

func (s *Store) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.lookup(sessionID) != nil, nil
}

func (s *Store) TouchSession(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sd := s.lookup(sessionID)
	if sd == nil {
		return false, nil
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.deleted {
		return false, nil
	}
	sd.expiresAt = s.expiry(ttl)
	return true, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	sd, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		s.evict(sessionID, sd)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, pageSize int, cursor string) (pagination.Page[string], error) {
	if err := ctx.Err(); err != nil {
		return pagination.Page[string]{}, err
	}
	now := s.now()
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	expired := make(map[string]*sessionData)
	for id, sd := range s.sessions {
		sd.mu.Lock()
		gone := sd.expiredAt(now)
		sd.mu.Unlock()
		if gone {
			expired[id] = sd
			continue
		}
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for id, sd := range expired {
		s.evict(id, sd)
	}
	return pagination.Paginate(ids, func(id string) string { return id }, pageSize, cursor), nil
}

// --- Values ---

func (s *Store) GetValue(ctx context.Context, sessionID, typ, name string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	sd := s.lookup(sessionID)
	if sd == nil {
		return nil, false, nil
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	v, ok := sd.values[typ][name]
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (s *Store) SetValue(ctx context.Context, sessionID, typ, name string, value []byte) (bool, error) {
	return s.ComputeValue(ctx, sessionID, typ, name, func([]byte, bool) ([]byte, bool, error) {
		return value, true, nil
	})
}

func (s *Store) DeleteValue(ctx context.Context, sessionID, typ, name string) (bool, error) {
	return s.ComputeValue(ctx, sessionID, typ, name, func([]byte, bool) ([]byte, bool, error) {
		return nil, false, nil
	})
}

// ComputeValue runs fn under the session lock, so it is serialized with every
// other mutation in the session.
func (s *Store) ComputeValue(ctx context.Context, sessionID, typ, name string, fn sessions.ComputeFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := sessions.ValidateKey(typ, name); err != nil {
		return false, err
	}
	sd := s.lookup(sessionID)
	if sd == nil {
		return false, nil
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.deleted {
		return false, nil
	}
	cur, ok := sd.values[typ][name]
	if ok {
		cur = clone(cur)
	}
	next, keep, err := fn(cur, ok)
	if err != nil {
		return false, err
	}
	switch {
	case keep:
		byName := sd.values[typ]
		if byName == nil {
			byName = make(map[string][]byte)
			sd.values[typ] = byName
		}
		byName[name] = clone(next)
	case ok:
		delete(sd.values[typ], name)
		if len(sd.values[typ]) == 0 {
			delete(sd.values, typ)
		}
	default:
		return true, nil
	}
	sd.notifyLocked(valueKey{typ: typ, name: name})
	return true, nil
}

func (s *Store) ListValues(ctx context.Context, sessionID, typ string, pageSize int, cursor string) (pagination.Page[sessions.Entry], error) {
	if err := ctx.Err(); err != nil {
		return pagination.Page[sessions.Entry]{}, err
	}
	sd := s.lookup(sessionID)
	if sd == nil {
		return pagination.NewPage[sessions.Entry](nil), nil
	}
	sd.mu.Lock()
	entries := make([]sessions.Entry, 0, len(sd.values[typ]))
	for name, v := range sd.values[typ] {
		entries = append(entries, sessions.Entry{Name: name, Value: clone(v)})
	}
	sd.mu.Unlock()
	return pagination.Paginate(entries, func(e sessions.Entry) string { return e.Name }, pageSize, cursor), nil
}

// snapshot reads the value and the channel that will be closed on its next
// change in one critical section.
func (s *Store) snapshot(sessionID, typ, name string) ([]byte, bool, <-chan struct{}) {
	sd := s.lookup(sessionID)
	if sd == nil {
		return nil, false, nil
	}
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.deleted {
		return nil, false, nil
	}
	key := valueKey{typ: typ, name: name}
	ch, ok := sd.watchers[key]
	if !ok {
		ch = make(chan struct{})
		sd.watchers[key] = ch
	}
	v, present := sd.values[typ][name]
	if present {
		v = clone(v)
	}
	return v, present, ch
}

func (s *Store) BlockUntilValue(ctx context.Context, sessionID, typ, name string, timeout time.Duration, pred func([]byte, bool) bool) error {
	if err := sessions.ValidateKey(typ, name); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	recheck := time.NewTicker(s.recheck)
	defer recheck.Stop()

	for {
		v, ok, changed := s.snapshot(sessionID, typ, name)
		if pred(v, ok) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return sessions.ErrTimeout
		case <-changed:
		case <-recheck.C:
		}
	}
}

func (s *Store) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-state-go/internal/metrics"
	"github.com/ggoodman/mcp-state-go/pagination"
	"github.com/ggoodman/mcp-state-go/sessions"
)

const (
	// DefaultPollInterval is how often BlockUntilValue re-reads the value.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultComputeTries bounds optimistic compute attempts before ErrConflict.
	DefaultComputeTries = 10
)

// Config for a Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: MCP_STATE_KEY_PREFIX
	KeyPrefix string `env:"MCP_STATE_KEY_PREFIX,default=mcp:state:"`
}

var _ sessions.Store = (*Store)(nil)

// Store implements sessions.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ownsConn  bool

	poll         time.Duration
	computeTries uint
	log          *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets the BlockUntilValue polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithComputeTries sets how many optimistic attempts Compute makes.
func WithComputeTries(n uint) Option {
	return func(s *Store) {
		if n >= 2 {
			s.computeTries = n
		}
	}
}

// WithLogger sets the logger used for retry and conflict events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics records compute conflicts and wait timeouts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New dials Redis and returns a Store that owns the connection.
func New(cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewWithClient(cl, cfg.KeyPrefix, opts...)
	s.ownsConn = true
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg, opts...)
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *Store {
	if keyPrefix == "" {
		keyPrefix = "mcp:state:"
	}
	s := &Store{
		client:       client,
		keyPrefix:    keyPrefix,
		poll:         DefaultPollInterval,
		computeTries: DefaultComputeTries,
		log:          slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the Redis client when the Store created it.
func (s *Store) Close() error {
	if s.ownsConn {
		return s.client.Close()
	}
	return nil
}

// --- Key helpers ---

func (s *Store) indexKey() string { return s.keyPrefix + "sessions" }

func (s *Store) sessionPrefix(sessionID string) string {
	return s.keyPrefix + "s:{" + sessionID + "}:"
}
func (s *Store) metaKey(sessionID string) string  { return s.sessionPrefix(sessionID) + "meta" }
func (s *Store) typesKey(sessionID string) string { return s.sessionPrefix(sessionID) + "types" }
func (s *Store) valuesPrefix(sessionID string) string {
	return s.sessionPrefix(sessionID) + "v:"
}
func (s *Store) namesPrefix(sessionID string) string {
	return s.sessionPrefix(sessionID) + "n:"
}
func (s *Store) valuesKey(sessionID, typ string) string { return s.valuesPrefix(sessionID) + typ }
func (s *Store) namesKey(sessionID, typ string) string  { return s.namesPrefix(sessionID) + typ }

func (s *Store) nowMillis() int64 { return s.now().UnixMilli() }

func (s *Store) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

const (
	stateMissing = 0
	stateLive    = 1
	stateExpired = -1
)

func (s *Store) liveState(expiresAt string, found bool) int {
	if !found {
		return stateMissing
	}
	exp, err := strconv.ParseInt(expiresAt, 10, 64)
	if err != nil {
		return stateMissing
	}
	if exp > 0 && exp <= s.nowMillis() {
		return stateExpired
	}
	return stateLive
}

// --- Registry ---

func (s *Store) CreateSession(ctx context.Context, sessionID string, ttl time.Duration) error {
	keys := []string{s.metaKey(sessionID), s.typesKey(sessionID)}
	if err := createSessionScript.Run(ctx, s.client, keys,
		s.nowMillis(), s.expiry(ttl), s.valuesPrefix(sessionID), s.namesPrefix(sessionID)).Err(); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Member: sessionID}).Err(); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

func (s *Store) ValidateSession(ctx context.Context, sessionID string) (bool, error) {
	exp, err := s.client.HGet(ctx, s.metaKey(sessionID), "expires_at").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("validate session: %w", err)
	}
	switch s.liveState(exp, err == nil) {
	case stateLive:
		return true, nil
	case stateExpired:
		return false, s.expire(ctx, sessionID)
	default:
		return false, nil
	}
}

func (s *Store) TouchSession(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	res, err := touchSessionScript.Run(ctx, s.client, []string{s.metaKey(sessionID)}, s.nowMillis(), s.expiry(ttl)).Int()
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	return s.scriptResult(ctx, sessionID, res)
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.deleteSession(ctx, sessionID, false)
}

// expire removes a session only if it is still expired.
func (s *Store) expire(ctx context.Context, sessionID string) error {
	return s.deleteSession(ctx, sessionID, true)
}

func (s *Store) deleteSession(ctx context.Context, sessionID string, onlyExpired bool) error {
	flag := "0"
	if onlyExpired {
		flag = "1"
	}
	keys := []string{s.metaKey(sessionID), s.typesKey(sessionID)}
	n, err := deleteSessionScript.Run(ctx, s.client, keys,
		s.nowMillis(), s.valuesPrefix(sessionID), s.namesPrefix(sessionID), flag).Int()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 1 || !onlyExpired {
		if err := s.client.ZRem(ctx, s.indexKey(), sessionID).Err(); err != nil {
			return fmt.Errorf("unindex session: %w", err)
		}
	}
	return nil
}

// scriptResult maps a Lua live-state result to the Store's boolean contract,
// removing expired sessions on the way.
func (s *Store) scriptResult(ctx context.Context, sessionID string, res int) (bool, error) {
	switch res {
	case stateLive:
		return true, nil
	case stateExpired:
		return false, s.expire(ctx, sessionID)
	default:
		return false, nil
	}
}

func (s *Store) ListSessions(ctx context.Context, pageSize int, cursor string) (pagination.Page[string], error) {
	pageSize = pagination.Size(pageSize)
	ids := make([]string, 0, pageSize)
	from := cursor
	for len(ids) < pageSize {
		batch, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
			Min:    lexAfter(from),
			Max:    "+",
			Offset: 0,
			Count:  int64(pageSize - len(ids)),
		}).Result()
		if err != nil {
			return pagination.Page[string]{}, fmt.Errorf("list sessions: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(batch))
		for i, id := range batch {
			cmds[i] = pipe.HGet(ctx, s.metaKey(id), "expires_at")
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return pagination.Page[string]{}, fmt.Errorf("list sessions: %w", err)
		}
		for i, id := range batch {
			exp, err := cmds[i].Result()
			switch s.liveState(exp, err == nil) {
			case stateLive:
				ids = append(ids, id)
			case stateExpired:
				if err := s.expire(ctx, id); err != nil {
					return pagination.Page[string]{}, err
				}
			default:
				_ = s.client.ZRem(ctx, s.indexKey(), id).Err()
			}
		}
		from = batch[len(batch)-1]
		if len(batch) < pageSize {
			break
		}
	}
	return pagination.FromItems(ids, pageSize, func(id string) string { return id }), nil
}

// lexAfter is the exclusive ZRANGEBYLEX lower bound for cursor.
func lexAfter(cursor string) string {
	if cursor == "" {
		return "-"
	}
	return "(" + cursor
}

// --- Values ---

func (s *Store) GetValue(ctx context.Context, sessionID, typ, name string) ([]byte, bool, error) {
	pipe := s.client.Pipeline()
	expCmd := pipe.HGet(ctx, s.metaKey(sessionID), "expires_at")
	valCmd := pipe.HGet(ctx, s.valuesKey(sessionID, typ), name)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, false, fmt.Errorf("get session value: %w", err)
	}
	exp, err := expCmd.Result()
	switch s.liveState(exp, err == nil) {
	case stateMissing:
		return nil, false, nil
	case stateExpired:
		return nil, false, s.expire(ctx, sessionID)
	}
	v, err := valCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get session value: %w", err)
	}
	return v, true, nil
}

func (s *Store) SetValue(ctx context.Context, sessionID, typ, name string, value []byte) (bool, error) {
	if err := sessions.ValidateKey(typ, name); err != nil {
		return false, err
	}
	keys := []string{s.metaKey(sessionID), s.typesKey(sessionID), s.valuesKey(sessionID, typ), s.namesKey(sessionID, typ)}
	res, err := setValueScript.Run(ctx, s.client, keys, s.nowMillis(), typ, name, value).Int()
	if err != nil {
		return false, fmt.Errorf("set session value: %w", err)
	}
	return s.scriptResult(ctx, sessionID, res)
}

func (s *Store) DeleteValue(ctx context.Context, sessionID, typ, name string) (bool, error) {
	if err := sessions.ValidateKey(typ, name); err != nil {
		return false, err
	}
	keys := []string{s.metaKey(sessionID), s.valuesKey(sessionID, typ), s.namesKey(sessionID, typ)}
	res, err := deleteValueScript.Run(ctx, s.client, keys, s.nowMillis(), name).Int()
	if err != nil {
		return false, fmt.Errorf("delete session value: %w", err)
	}
	return s.scriptResult(ctx, sessionID, res)
}

// ComputeValue reads under WATCH and writes in MULTI/EXEC. A concurrent
// write to the session metadata or the value hash aborts the transaction,
// which is retried with backoff up to the configured number of tries.
func (s *Store) ComputeValue(ctx context.Context, sessionID, typ, name string, fn sessions.ComputeFunc) (bool, error) {
	if err := sessions.ValidateKey(typ, name); err != nil {
		return false, err
	}
	meta, vals, names, types := s.metaKey(sessionID), s.valuesKey(sessionID, typ), s.namesKey(sessionID, typ), s.typesKey(sessionID)

	state := stateMissing
	op := func() (bool, error) {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			exp, err := tx.HGet(ctx, meta, "expires_at").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			state = s.liveState(exp, err == nil)
			if state != stateLive {
				return nil
			}
			cur, err := tx.HGet(ctx, vals, name).Bytes()
			present := err == nil
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			next, keep, err := fn(cur, present)
			if err != nil {
				return backoff.Permanent(err)
			}
			if !keep && !present {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				if keep {
					p.HSet(ctx, vals, name, next)
					p.ZAdd(ctx, names, redis.Z{Member: name})
					p.SAdd(ctx, types, typ)
				} else {
					p.HDel(ctx, vals, name)
					p.ZRem(ctx, names, name)
				}
				return nil
			})
			return err
		}, meta, vals)
		if err == nil {
			return state == stateLive, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			return false, err
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return false, err
		}
		return false, backoff.Permanent(err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 5 * time.Millisecond
	expBackoff.MaxInterval = 250 * time.Millisecond
	expBackoff.Reset()

	ok, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(s.computeTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.metrics.ComputeConflict("redis")
			s.log.DebugContext(ctx, "redisstore.compute.retry",
				slog.String("session_id", sessionID),
				slog.String("type", typ),
				slog.String("name", name),
				slog.Duration("backoff", d))
		}),
	)
	if errors.Is(err, redis.TxFailedErr) {
		s.metrics.ComputeConflict("redis")
		s.log.ErrorContext(ctx, "redisstore.compute.conflict_exhausted",
			slog.String("session_id", sessionID),
			slog.String("type", typ),
			slog.String("name", name))
		return false, fmt.Errorf("compute %s/%s in session %s: %w", typ, name, sessionID, sessions.ErrConflict)
	}
	if err != nil {
		return false, err
	}
	if state == stateExpired {
		return false, s.expire(ctx, sessionID)
	}
	return ok, nil
}

func (s *Store) ListValues(ctx context.Context, sessionID, typ string, pageSize int, cursor string) (pagination.Page[sessions.Entry], error) {
	pageSize = pagination.Size(pageSize)
	exp, err := s.client.HGet(ctx, s.metaKey(sessionID), "expires_at").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return pagination.Page[sessions.Entry]{}, fmt.Errorf("list session values: %w", err)
	}
	switch s.liveState(exp, err == nil) {
	case stateMissing:
		return pagination.NewPage[sessions.Entry](nil), nil
	case stateExpired:
		return pagination.NewPage[sessions.Entry](nil), s.expire(ctx, sessionID)
	}

	names, err := s.client.ZRangeByLex(ctx, s.namesKey(sessionID, typ), &redis.ZRangeBy{
		Min:   lexAfter(cursor),
		Max:   "+",
		Count: int64(pageSize),
	}).Result()
	if err != nil {
		return pagination.Page[sessions.Entry]{}, fmt.Errorf("list session values: %w", err)
	}
	if len(names) == 0 {
		return pagination.NewPage[sessions.Entry](nil), nil
	}
	vals, err := s.client.HMGet(ctx, s.valuesKey(sessionID, typ), names...).Result()
	if err != nil {
		return pagination.Page[sessions.Entry]{}, fmt.Errorf("list session values: %w", err)
	}
	entries := make([]sessions.Entry, 0, len(names))
	for i, name := range names {
		// A value deleted between the two reads is skipped.
		v, ok := vals[i].(string)
		if !ok {
			continue
		}
		entries = append(entries, sessions.Entry{Name: name, Value: []byte(v)})
	}
	if len(names) < pageSize {
		return pagination.NewPage(entries), nil
	}
	return pagination.NewPage(entries, pagination.WithNextCursor[sessions.Entry](names[len(names)-1])), nil
}

func (s *Store) BlockUntilValue(ctx context.Context, sessionID, typ, name string, timeout time.Duration, pred func([]byte, bool) bool) error {
	if err := sessions.ValidateKey(typ, name); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		v, ok, err := s.GetValue(ctx, sessionID, typ, name)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if pred(v, ok) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.metrics.BlockTimeout("redisstore")
			return sessions.ErrTimeout
		case <-ticker.C:
		}
	}
}

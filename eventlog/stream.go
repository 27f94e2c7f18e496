package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-state-go/internal/metrics"
	"github.com/ggoodman/mcp-state-go/sessions"
)

const (
	// DefaultMaxMessages is the per-session replay window size.
	DefaultMaxMessages = 100
	// DefaultPollTimeout bounds a single live wait before the subscriber
	// re-checks that its session still exists.
	DefaultPollTimeout = 5 * time.Second
)

var windowKey = sessions.NewKey[Window]("eventlog", "window")

// MessageHandlerFunction receives each delivered message. A non-nil error
// ends the subscription and is returned from Subscribe.
type MessageHandlerFunction func(ctx context.Context, msg SentMessage) error

// Stream publishes messages into a per-session Window and serves replay plus
// live delivery to subscribers. Any instance sharing the Store may publish or
// subscribe.
type Stream struct {
	store       sessions.Store
	maxMessages int
	pollTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Stream.
type Option func(*Stream)

// WithMaxMessages sets how many messages each session retains for replay.
func WithMaxMessages(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxMessages = n
		}
	}
}

// WithPollTimeout sets the wait chunk used by live subscribers.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithLogger sets the logger used for replay events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.log = l }
}

// WithMetrics records replay failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stream) { s.metrics = m }
}

// NewStream returns a Stream over store.
func NewStream(store sessions.Store, opts ...Option) *Stream {
	s := &Stream{
		store:       store,
		maxMessages: DefaultMaxMessages,
		pollTimeout: DefaultPollTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish appends payload to the session's window and returns its id. ok is
// false when the session no longer exists.
func (s *Stream) Publish(ctx context.Context, sessionID string, payload []byte) (string, bool, error) {
	var id string
	ok, err := sessions.Compute(ctx, s.store, sessionID, windowKey, func(w Window, _ bool) (Window, bool, error) {
		seq := w.LastSeq + 1
		id = strconv.FormatInt(seq, 10)
		next := w.WithAdditionalMessages([]SentMessage{{ID: id, Payload: append([]byte(nil), payload...)}}, s.maxMessages)
		next.LastSeq = seq
		return next, true, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("publish to session %s: %w", sessionID, err)
	}
	if !ok {
		return "", false, nil
	}
	return id, true, nil
}

// Window returns the session's current window.
func (s *Stream) Window(ctx context.Context, sessionID string) (Window, bool, error) {
	return sessions.Get(ctx, s.store, sessionID, windowKey)
}

// Resumption is a checked starting point for a subscription: the retained
// messages to replay and the position live delivery continues from. Both
// come from a single read of the window.
type Resumption struct {
	Backlog   []SentMessage
	cursor    int64
	hadWindow bool
}

// Resume checks that delivery can start after lastEventID. With an empty
// lastEventID it starts at the newest message. Replay that cannot be
// guaranteed fails with ErrEventNotFound.
func (s *Stream) Resume(ctx context.Context, sessionID, lastEventID string) (Resumption, error) {
	ok, err := s.store.ValidateSession(ctx, sessionID)
	if err != nil {
		return Resumption{}, err
	}
	if !ok {
		return Resumption{}, sessions.ErrSessionNotFound
	}
	w, hadWindow, err := s.Window(ctx, sessionID)
	if err != nil {
		return Resumption{}, err
	}
	r := Resumption{cursor: w.LastSeq, hadWindow: hadWindow}
	if lastEventID == "" {
		return r, nil
	}
	backlog, err := w.After(lastEventID)
	if err != nil {
		s.metrics.ReplayFailure("not_found")
		s.log.InfoContext(ctx, "eventlog.subscribe.replay_unavailable",
			slog.String("session_id", sessionID),
			slog.String("last_event_id", lastEventID))
		return Resumption{}, fmt.Errorf("resume session %s after %q: %w", sessionID, lastEventID, err)
	}
	r.Backlog = backlog
	r.cursor = seqOf(lastEventID)
	return r, nil
}

// Subscribe delivers messages for the session until ctx ends, the handler
// fails or the session disappears. With an empty lastEventID only messages
// published after the call are delivered. Otherwise every retained message
// after lastEventID is replayed first, with no gap and no duplicate, and
// delivery continues live. Replay that cannot be guaranteed fails with
// ErrEventNotFound before anything is delivered.
func (s *Stream) Subscribe(ctx context.Context, sessionID, lastEventID string, h MessageHandlerFunction) error {
	r, err := s.Resume(ctx, sessionID, lastEventID)
	if err != nil {
		return err
	}
	return s.Follow(ctx, sessionID, r, h)
}

// Follow replays r's backlog and then delivers live messages, under the same
// terms as Subscribe.
func (s *Stream) Follow(ctx context.Context, sessionID string, r Resumption, h MessageHandlerFunction) error {
	cursor, hadWindow := r.cursor, r.hadWindow
	for _, msg := range r.Backlog {
		if err := h(ctx, msg); err != nil {
			return err
		}
		cursor = seqOf(msg.ID)
	}

	for {
		err := sessions.BlockUntil(ctx, s.store, sessionID, windowKey, s.pollTimeout, func(w Window, ok bool) bool {
			if !ok {
				return hadWindow
			}
			return w.LastSeq > cursor
		})
		if errors.Is(err, sessions.ErrTimeout) {
			ok, err := s.store.ValidateSession(ctx, sessionID)
			if err != nil {
				return err
			}
			if !ok {
				return sessions.ErrSessionNotFound
			}
			continue
		}
		if err != nil {
			return err
		}

		w, ok, err := s.Window(ctx, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			live, err := s.store.ValidateSession(ctx, sessionID)
			if err != nil {
				return err
			}
			if !live {
				return sessions.ErrSessionNotFound
			}
			hadWindow = false
			continue
		}
		hadWindow = true
		pending, gap := w.since(cursor)
		if gap {
			s.metrics.ReplayFailure("gap")
			s.log.WarnContext(ctx, "eventlog.subscribe.gap",
				slog.String("session_id", sessionID),
				slog.Int64("cursor", cursor),
				slog.Int64("last_seq", w.LastSeq))
			return fmt.Errorf("session %s after sequence %d: %w", sessionID, cursor, ErrReplayGap)
		}
		for _, msg := range pending {
			if err := h(ctx, msg); err != nil {
				return err
			}
			cursor = seqOf(msg.ID)
		}
	}
}

package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/mcp-state-go/auth"
	"github.com/ggoodman/mcp-state-go/cancellation"
	"github.com/ggoodman/mcp-state-go/eventlog"
	"github.com/ggoodman/mcp-state-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-state-go/internal/logctx"
	"github.com/ggoodman/mcp-state-go/mcp"
	"github.com/ggoodman/mcp-state-go/sessions"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	mcpSessionIDHeader    = "Mcp-Session-Id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	// DefaultKeepAlive is the interval between SSE comment frames on an idle
	// stream.
	DefaultKeepAlive = 15 * time.Second
)

// writeJSONError emits a minimal transport-level JSON body. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamHandler.
type Option func(*StreamHandler)

func WithLogger(l *slog.Logger) Option {
	return func(h *StreamHandler) { h.log = l }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *StreamHandler) { h.realm = realm }
}

// WithResourceMetadataURL advertises the RFC 9728 protected resource
// metadata document in every Bearer challenge.
func WithResourceMetadataURL(url string) Option {
	return func(h *StreamHandler) { h.resourceMetadata = url }
}

// WithSessionTTL slides the session's expiry on every request. Zero only
// validates.
func WithSessionTTL(ttl time.Duration) Option {
	return func(h *StreamHandler) { h.sessionTTL = ttl }
}

// WithKeepAlive sets the idle keep-alive interval. Zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(h *StreamHandler) { h.keepAlive = d }
}

// WithCancellationStore accepts notifications/cancelled on POST and records
// them in store, where the owning instance's cancellation watcher finds them.
func WithCancellationStore(store sessions.Store) Option {
	return func(h *StreamHandler) { h.cancelStore = store }
}

// StreamHandler serves the session event stream of the streaming HTTP
// transport:
//
//	GET    opens an SSE stream, replaying after Last-Event-ID when present
//	POST   accepts notifications/cancelled (WithCancellationStore only)
//	DELETE terminates the session
type StreamHandler struct {
	reg         sessions.Registry
	stream      *eventlog.Stream
	auth        auth.Authenticator
	log         *slog.Logger
	realm       string
	sessionTTL  time.Duration
	keepAlive   time.Duration
	cancelStore sessions.Store

	resourceMetadata string
}

// NewStreamHandler builds a handler. authn may be nil, in which case requests
// are not authenticated.
func NewStreamHandler(reg sessions.Registry, stream *eventlog.Stream, authn auth.Authenticator, opts ...Option) *StreamHandler {
	h := &StreamHandler{
		reg:       reg,
		stream:    stream,
		auth:      authn,
		log:       slog.Default(),
		keepAlive: DefaultKeepAlive,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}))
	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGet opens the session's event stream.
func (h *StreamHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "http.get.not_acceptable")
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	ctx, sessionID, ok := h.authorizeSession(ctx, w, r)
	if !ok {
		return
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	resume, err := h.stream.Resume(ctx, sessionID, lastEventID)
	switch {
	case errors.Is(err, eventlog.ErrEventNotFound):
		h.log.InfoContext(ctx, "sse.replay.unavailable", slog.String("last_event_id", lastEventID))
		writeJSONError(w, http.StatusConflict, "events after Last-Event-ID are no longer available")
		return
	case errors.Is(err, sessions.ErrSessionNotFound):
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		h.log.ErrorContext(ctx, "sse.resume.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	streamCtx, stop := context.WithCancel(ctx)
	defer stop()
	if h.keepAlive > 0 {
		go h.keepAliveLoop(streamCtx, wf)
	}

	err = h.stream.Follow(streamCtx, sessionID, resume, func(cbCtx context.Context, msg eventlog.SentMessage) error {
		if err := writeSSEEvent(wf, msg.ID, msg.Payload); err != nil {
			return err
		}
		h.log.DebugContext(cbCtx, "sse.message.deliver", slog.String("event_id", msg.ID))
		return nil
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, sessions.ErrSessionNotFound):
		h.log.InfoContext(ctx, "sse.stream.session_ended", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, eventlog.ErrReplayGap), errors.Is(err, eventlog.ErrEventNotFound):
		h.log.WarnContext(ctx, "sse.stream.gap", slog.String("err", err.Error()))
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

// handlePost records cancellation notifications. Other messages are refused;
// this handler only carries state that other instances act on.
func (h *StreamHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cancelStore == nil {
		w.Header().Set("Allow", "GET, DELETE")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}
	ctx, sessionID, ok := h.authorizeSession(ctx, w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	kind, msg, err := jsonrpc.Classify(body)
	if err != nil || kind != jsonrpc.KindNotification || msg.Method != string(mcp.CancelledNotificationMethod) {
		writeJSONError(w, http.StatusBadRequest, "expected a notifications/cancelled message")
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, Type: kind.String()})

	found, err := cancellation.HandleNotification(ctx, h.cancelStore, sessionID, msg.Params)
	if err != nil {
		h.log.WarnContext(ctx, "cancel.notification.invalid", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid cancellation params")
		return
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	h.log.InfoContext(ctx, "cancel.notification.ok")
	w.WriteHeader(http.StatusAccepted)
}

// handleDelete terminates the session.
func (h *StreamHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, sessionID, ok := h.authorizeSession(r.Context(), w, r)
	if !ok {
		return
	}
	if err := h.reg.DeleteSession(ctx, sessionID); err != nil {
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.log.InfoContext(ctx, "session.delete.ok")
	w.WriteHeader(http.StatusNoContent)
}

// authorizeSession authenticates the caller and resolves the session named by
// the Mcp-Session-Id header, writing the error response itself on failure.
func (h *StreamHandler) authorizeSession(ctx context.Context, w http.ResponseWriter, r *http.Request) (context.Context, string, bool) {
	userID := ""
	if h.auth != nil {
		userInfo := h.checkAuthentication(ctx, r, w)
		if userInfo == nil {
			return ctx, "", false
		}
		userID = userInfo.UserID()
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		h.log.WarnContext(ctx, "session.id.missing")
		writeJSONError(w, http.StatusBadRequest, "missing Mcp-Session-Id header")
		return ctx, "", false
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, UserID: userID})

	var (
		ok  bool
		err error
	)
	if h.sessionTTL > 0 {
		ok, err = h.reg.TouchSession(ctx, sessionID, h.sessionTTL)
	} else {
		ok, err = h.reg.ValidateSession(ctx, sessionID)
	}
	if err != nil {
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return ctx, "", false
	}
	if !ok {
		h.log.InfoContext(ctx, "session.load.miss")
		writeJSONError(w, http.StatusNotFound, "session not found")
		return ctx, "", false
	}
	return ctx, sessionID, true
}

func (h *StreamHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	if r.Header.Get(authorizationHeader) == "" {
		// RFC 6750 §3.1: no error code when the request carries no credentials.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, h.challenge(nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}
	tok, ok := auth.BearerToken(r)
	if !ok {
		h.log.InfoContext(ctx, "auth.check.invalid")
		w.Header().Add(wwwAuthenticateHeader, h.challenge([][2]string{{"error", "invalid_request"}, {"error_description", "malformed bearer authorization header"}}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return userInfo
	case errors.Is(err, auth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, h.challenge([][2]string{{"error", "invalid_token"}, {"error_description", err.Error()}}))
		w.WriteHeader(http.StatusUnauthorized)
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, h.challenge([][2]string{{"error", "insufficient_scope"}, {"error_description", err.Error()}}))
		w.WriteHeader(http.StatusForbidden)
	default:
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
	return nil
}

func (h *StreamHandler) challenge(params [][2]string) string {
	if h.resourceMetadata != "" {
		params = append([][2]string{{"resource_metadata", h.resourceMetadata}}, params...)
	}
	return buildBearerChallenge(h.realm, params)
}

// buildBearerChallenge formats a Bearer challenge with params in the given
// order. The realm is omitted if empty.
func buildBearerChallenge(realm string, params [][2]string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	pieces := make([]string, 0, 1+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc.Replace(realm)))
	}
	for _, p := range params {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, p[0], esc.Replace(p[1])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func (h *StreamHandler) keepAliveLoop(ctx context.Context, wf *lockedWriteFlusher) {
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := io.WriteString(wf, ": keep-alive\n\n"); err != nil {
				return
			}
			wf.Flush()
		}
	}
}

// lockedWriteFlusher serializes writes and flushes and refuses both once ctx
// is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one frame as a single write so keep-alives cannot
// interleave with it, then flushes.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	var b strings.Builder
	if msgID != "" {
		b.WriteString("id: ")
		b.WriteString(msgID)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	if _, err := io.WriteString(wf, b.String()); err != nil {
		return fmt.Errorf("write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}

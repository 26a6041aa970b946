package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/timeline-streaming-go/access"
	"github.com/ggoodman/timeline-streaming-go/auth"
	"github.com/ggoodman/timeline-streaming-go/channel"
	"github.com/ggoodman/timeline-streaming-go/event"
	"github.com/ggoodman/timeline-streaming-go/internal/logctx"
	"github.com/ggoodman/timeline-streaming-go/internal/wellknown"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var _ http.Handler = (*Handler)(nil)

// DefaultBasePath is the mount point of the streaming API.
const DefaultBasePath = "/api/v1/streaming"

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	wwwAuthenticateHeader = "WWW-Authenticate"
	subprotocolHeader     = "Sec-WebSocket-Protocol"
	streamParam           = "stream"
	channelParam          = "channel"
)

// writeJSONError emits an error frame as the body of an HTTP-layer rejection,
// before any stream is open.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(event.ErrorFrame{Error: msg, Status: status})
}

// HandlerOption configures a Handler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	basePath    string
	realm       string
	checkOrigin func(r *http.Request) bool
	prm         *wellknown.ProtectedResourceMetadata
}

// WithBasePath mounts the API somewhere other than DefaultBasePath.
func WithBasePath(p string) HandlerOption {
	return func(c *handlerConfig) { c.basePath = "/" + strings.Trim(p, "/") }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. Empty
// (the default) omits it.
func WithRealm(realm string) HandlerOption {
	return func(c *handlerConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithCheckOrigin restricts WebSocket upgrades by Origin. By default every
// origin is accepted since credentials are bearer tokens, not cookies.
func WithCheckOrigin(fn func(r *http.Request) bool) HandlerOption {
	return func(c *handlerConfig) { c.checkOrigin = fn }
}

// WithProtectedResourceMetadata serves doc at the RFC 9728 well-known location
// derived from doc.Resource and points Bearer challenges at it.
func WithProtectedResourceMetadata(doc wellknown.ProtectedResourceMetadata) HandlerOption {
	return func(c *handlerConfig) { c.prm = &doc }
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="...", resource_metadata="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if v, ok := params["resource_metadata"]; ok {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler serves the streaming API: WebSocket at the base path, SSE below it
// and a health probe.
type Handler struct {
	mux      *http.ServeMux
	m        *Manager
	log      *slog.Logger
	realm    string
	upgrader websocket.Upgrader

	prm    *wellknown.ProtectedResourceMetadata
	prmURL string
}

// NewHandler creates the HTTP surface for m. It returns an error only when the
// protected resource metadata names an unparseable resource.
func NewHandler(m *Manager, opts ...HandlerOption) (*Handler, error) {
	cfg := handlerConfig{basePath: DefaultBasePath}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.checkOrigin == nil {
		cfg.checkOrigin = func(*http.Request) bool { return true }
	}

	h := &Handler{
		mux:   http.NewServeMux(),
		m:     m,
		log:   m.log,
		realm: cfg.realm,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: m.cfg.AuthTimeout,
			CheckOrigin:      cfg.checkOrigin,
		},
	}

	base := strings.TrimSuffix(cfg.basePath, "/")
	h.mux.HandleFunc("GET "+base, h.handleWebSocket)
	h.mux.HandleFunc("GET "+base+"/{$}", h.handleWebSocket)
	h.mux.HandleFunc("GET "+base+"/health", h.handleHealth)
	h.mux.HandleFunc("GET "+base+"/sse", h.handleSSEByName)
	h.mux.HandleFunc("GET "+base+"/{stream...}", h.handleSSEByPath)

	if cfg.prm != nil {
		abs, path, err := wellknown.MetadataURL(cfg.prm.Resource)
		if err != nil {
			return nil, fmt.Errorf("protected resource metadata: %w", err)
		}
		h.prm, h.prmURL = cfg.prm, abs
		h.mux.HandleFunc("GET "+path, h.handleProtectedResourceMetadata)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleProtectedResourceMetadata serves the OAuth2 Protected Resource Metadata
// document.
func (h *Handler) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(h.prm); err != nil {
		h.log.ErrorContext(r.Context(), "prm.encode.fail", slog.String("err", err.Error()))
	}
}

// challenge adds the configured resource_metadata pointer to params.
func (h *Handler) challenge(params map[string]string) string {
	if h.prmURL != "" {
		if params == nil {
			params = map[string]string{}
		}
		params["resource_metadata"] = h.prmURL
	}
	return buildBearerChallenge(h.realm, params)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

// authenticate extracts and validates the request's credential. On failure
// the response has been written and ok is false.
func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (cred auth.Credential, id auth.Identity, ok bool) {
	cred, err := auth.ExtractCredential(r)
	if err != nil {
		h.m.metrics.AuthFailed()
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", err.Error()))
		if errors.Is(err, auth.ErrAmbiguousCredential) {
			w.Header().Add(wwwAuthenticateHeader, h.challenge(map[string]string{"error": "invalid_request", "error_description": err.Error()}))
			writeJSONError(w, http.StatusBadRequest, "Invalid access token")
			return cred, id, false
		}
		w.Header().Add(wwwAuthenticateHeader, h.challenge(map[string]string{"error": "invalid_token", "error_description": "the access token is invalid"}))
		writeJSONError(w, http.StatusUnauthorized, "Invalid access token")
		return cred, id, false
	}

	id, err = h.m.Authenticate(ctx, cred)
	if err != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.String("location", cred.Location.String()), slog.String("err", err.Error()))
		if errors.Is(err, auth.ErrMissingToken) {
			// RFC 6750 3.1: no error code when no credential was presented.
			w.Header().Add(wwwAuthenticateHeader, h.challenge(nil))
			writeJSONError(w, http.StatusUnauthorized, access.ReasonAuthRequired)
			return cred, id, false
		}
		w.Header().Add(wwwAuthenticateHeader, h.challenge(map[string]string{"error": "invalid_token", "error_description": "the access token is invalid"}))
		writeJSONError(w, http.StatusUnauthorized, "Invalid access token")
		return cred, id, false
	}
	h.log.DebugContext(ctx, "auth.ok", slog.String("location", cred.Location.String()), slog.Bool("anonymous", id.Anonymous()))
	return cred, id, true
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSONError(w, http.StatusBadRequest, "Expected a WebSocket upgrade")
		return
	}

	cred, id, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	hdr := http.Header{}
	if cred.Location == auth.LocationSubprotocol {
		hdr.Set(subprotocolHeader, cred.Token)
	}
	ws, err := h.upgrader.Upgrade(w, r, hdr)
	if err != nil {
		// Upgrade has already replied.
		h.log.InfoContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	t := newWebSocketTransport(ws, h.m.cfg.IdleTimeout, h.m.cfg.WriteTimeout)
	c, err := h.m.Accept(ctx, id, t)
	if err != nil {
		_ = t.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}

	q := r.URL.Query()
	if name := q.Get(streamParam); name != "" {
		ch, err := channel.Parse(name, queryParams(q))
		if err != nil {
			c.sendControl(event.NewErrorFrame(channelError(err), http.StatusBadRequest, channel.ID{}))
		} else {
			h.m.Subscribe(c.ctx, c, ch)
		}
	}

	h.m.Serve(ctx, c)
}

func (h *Handler) handleSSEByName(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.serveSSE(w, r, func() (channel.ID, error) {
		return channel.Parse(q.Get(channelParam), queryParams(q))
	})
}

func (h *Handler) handleSSEByPath(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := r.PathValue("stream")
	h.serveSSE(w, r, func() (channel.ID, error) {
		return channel.ParsePath(path, queryParams(q))
	})
}

// serveSSE opens a unidirectional stream bound to one channel. Every
// rejection happens before the stream opens.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, parse func() (channel.ID, error)) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "sse.unsupported_media_type")
		writeJSONError(w, http.StatusNotAcceptable, "Only text/event-stream is supported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	_, id, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	ch, err := parse()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, channelError(err))
		return
	}
	d := h.m.authorizer.Authorize(ctx, ch, id)
	if !d.Allowed {
		h.m.metrics.SubscribeDenied(d.Reason)
		h.log.InfoContext(ctx, "subscribe.deny", slog.String("channel", ch.Key()), slog.String("reason", d.Reason))
		writeJSONError(w, d.Status, d.Reason)
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	t := newSSETransport(ctx, w, f, h.m.cfg.WriteTimeout)
	c, err := h.m.Accept(ctx, id, t)
	if err != nil {
		return
	}
	if h.m.attach(c, d.Target) {
		h.log.InfoContext(c.ctx, "subscribe.ok", slog.String("channel", d.Target.Key()))
	}
	h.log.InfoContext(c.ctx, "sse.stream.start")
	h.m.Serve(ctx, c)
	h.log.InfoContext(c.ctx, "sse.stream.end")
}

// queryParams flattens the channel parameters of a query string.
func queryParams(q url.Values) map[string]string {
	out := map[string]string{}
	for _, k := range []string{channel.ParamTag, channel.ParamList, channel.ParamOnlyMedia} {
		if v := q.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

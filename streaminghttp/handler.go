package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-rest-gateway/auth"
	"github.com/ggoodman/mcp-rest-gateway/callerauth"
	"github.com/ggoodman/mcp-rest-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-rest-gateway/internal/logctx"
	"github.com/ggoodman/mcp-rest-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-rest-gateway/mcp"
	"github.com/ggoodman/mcp-rest-gateway/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	jsonMediaTypes        = []contenttype.MediaType{jsonMediaType}
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

const (
	maxBodyBytes     = 4 << 20
	defaultKeepAlive = 25 * time.Second
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeJSONRPCError answers with a JSON-RPC error object under an HTTP error
// status. id may be nil.
func writeJSONRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg, nil))
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	serverInfo       mcp.ImplementationInfo
	logger           *slog.Logger
	authenticator    auth.Authenticator
	realm            string
	credentialHeader string
	toolCount        int
	keepAlive        time.Duration
}

// WithServerInfo sets the name and version reported by the discovery document.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(c *newConfig) { c.serverInfo = info }
}

// WithLogger sets the logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuthenticator verifies every caller credential before any session
// logic runs. Without it credentials are forwarded unverified.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.authenticator = a }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithCredentialHeader names the dedicated caller credential header. The
// default is callerauth.DefaultHeader.
func WithCredentialHeader(name string) Option {
	return func(c *newConfig) {
		if name = strings.TrimSpace(name); name != "" {
			c.credentialHeader = name
		}
	}
}

// WithToolCount sets the tool count reported by the discovery document.
func WithToolCount(n int) Option {
	return func(c *newConfig) { c.toolCount = n }
}

// WithKeepAlive sets the interval of comment frames on idle event streams.
// Zero disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", resource_metadata="...", error="...", error_description="...", scope="..."
//
// Empty attributes are omitted.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok && v != "" {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// pathIfSet returns the string form of u if non-nil, else empty.
func pathIfSet(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// StreamingHTTPHandler implements the streaming HTTP transport of the Model
// Context Protocol in front of a sessions.Manager.
type StreamingHTTPHandler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	sessions *sessions.Manager
	endpoint *url.URL

	serverInfo       mcp.ImplementationInfo
	toolCount        int
	credentialHeader string
	keepAlive        time.Duration

	auth           auth.Authenticator
	realm          string
	requiredScopes []string
	prmDocument    *wellknown.ProtectedResourceMetadata
	prmDocumentURL *url.URL
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler serving the MCP endpoint at
// publicEndpoint (scheme, host and path; only the path is routed).
func New(publicEndpoint string, manager *sessions.Manager, opts ...Option) (*StreamingHTTPHandler, error) {
	if manager == nil {
		return nil, errors.New("session manager is required")
	}

	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{
		logger:           slog.Default(),
		credentialHeader: callerauth.DefaultHeader,
		keepAlive:        defaultKeepAlive,
		serverInfo:       mcp.ImplementationInfo{Name: "mcp-rest-gateway", Version: "dev"},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &StreamingHTTPHandler{
		log:              slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		sessions:         manager,
		endpoint:         mcpURL,
		serverInfo:       cfg.serverInfo,
		toolCount:        cfg.toolCount,
		credentialHeader: cfg.credentialHeader,
		keepAlive:        cfg.keepAlive,
		auth:             cfg.authenticator,
		realm:            cfg.realm,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(mcpURL)), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(mcpURL)), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(mcpURL)), h.handleDeleteMCP)

	if sd, ok := cfg.authenticator.(auth.SecurityDescriptor); ok {
		sec := sd.SecurityConfig()
		h.requiredScopes = sec.RequiredScopes
		h.prmDocumentURL = wellknown.ProtectedResourceURL(mcpURL)
		h.prmDocument = &wellknown.ProtectedResourceMetadata{
			Resource:               mcpURL.String(),
			AuthorizationServers:   []string{sec.Issuer},
			JwksURI:                sec.JWKSURL,
			ScopesSupported:        sec.ScopesSupported,
			BearerMethodsSupported: []string{"header"},
			ResourceName:           cfg.serverInfo.Name,
		}
		prmPath := pathOnly(h.prmDocumentURL)
		mux.HandleFunc(fmt.Sprintf("GET %s", prmPath), h.handleGetProtectedResourceMetadata)
		mux.HandleFunc(fmt.Sprintf("OPTIONS %s", prmPath), h.handleOptionsProtectedResourceMetadata)
	}

	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePostMCP handles the POST endpoint, which carries every client
// message and establishes sessions on initialize.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	ctx, ok := h.authenticate(ctx, r, w)
	if !ok {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "parse error")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	req := msg.AsRequest()
	isInitialize := req != nil && !req.ID.IsNil() && req.Method == string(mcp.InitializeMethod)
	sessID := r.Header.Get(mcpSessionIDHeader)

	if req != nil && !req.ID.IsNil() && !acceptsResponse(r) {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json or text/event-stream")
		h.log.WarnContext(ctx, "http.post.unsupported_media_type")
		return
	}

	sess, ok := h.routeSession(ctx, w, sessID, isInitialize, msg.ID)
	if !ok {
		return
	}
	created := sessID == ""

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, ProtocolVersion: protocolVersion(sess)})

	if !created && !h.checkProtocolVersion(ctx, w, r, sess) {
		return
	}

	ctx = callerauth.WithCredential(ctx, callerauth.FromRequest(r, h.credentialHeader))

	switch {
	case req == nil:
		// The server never issues requests, so client responses have nothing to resolve.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ignored", slog.Duration("dur", time.Since(start)))

	case req.ID.IsNil():
		sess.Server.HandleNotification(ctx, req)
		if spv := protocolVersion(sess); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))

	default:
		res := sess.Server.HandleRequest(ctx, req)
		if created {
			if res.Error != nil {
				_ = h.sessions.Close(ctx, sess.ID)
				h.log.InfoContext(ctx, "session.initialize.fail", slog.String("err", res.Error.Message))
			} else {
				w.Header().Set(mcpSessionIDHeader, sess.ID)
				h.log.InfoContext(ctx, "session.initialize.ok")
			}
		}
		if spv := protocolVersion(sess); spv != "" {
			w.Header().Set(mcpProtocolVersionHeader, spv)
		}
		if err := h.writeResponse(ctx, w, r, res); err != nil {
			if created && res.Error == nil {
				_ = h.sessions.Close(ctx, sess.ID)
			}
			h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
	}
}

// handleGetMCP serves discovery metadata, or an idle event stream for an
// established session when the client asks for text/event-stream.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !wantsEventStream(r) {
		h.writeDiscovery(w)
		h.log.InfoContext(ctx, "http.get.discovery")
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	ctx, ok = h.authenticate(ctx, r, w)
	if !ok {
		return
	}

	sess, ok := h.routeSession(ctx, w, r.Header.Get(mcpSessionIDHeader), false, nil)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, ProtocolVersion: protocolVersion(sess)})

	if !h.checkProtocolVersion(ctx, w, r, sess) {
		return
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	if spv := protocolVersion(sess); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", "client"), slog.Duration("dur", time.Since(start)))
			return
		case <-sess.Transport.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", "session"), slog.Duration("dur", time.Since(start)))
			return
		case <-tick:
			if _, err := io.WriteString(wf, ": keepalive\n\n"); err != nil {
				h.log.InfoContext(ctx, "sse.stream.end", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
				return
			}
			wf.Flush()
		}
	}
}

// handleDeleteMCP terminates an existing session.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	ctx, ok := h.authenticate(ctx, r, w)
	if !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeBadSession, "Bad Request: No valid session ID provided")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	if err := h.sessions.Close(ctx, sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONRPCError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeUnknownSession, "Session not found")
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// routeSession resolves the session for an inbound message and writes the
// protocol-level rejection when there is none.
func (h *StreamingHTTPHandler) routeSession(ctx context.Context, w http.ResponseWriter, sessID string, isInitialize bool, id *jsonrpc.RequestID) (*sessions.Session, bool) {
	sess, err := h.sessions.Route(ctx, sessID, isInitialize)
	switch {
	case err == nil:
		return sess, true
	case errors.Is(err, sessions.ErrBadSession):
		writeJSONRPCError(w, http.StatusBadRequest, id, jsonrpc.ErrorCodeBadSession, "Bad Request: No valid session ID provided")
		h.log.InfoContext(ctx, "session.route.bad")
	case errors.Is(err, sessions.ErrSessionNotFound):
		writeJSONRPCError(w, http.StatusNotFound, id, jsonrpc.ErrorCodeUnknownSession, "Session not found")
		h.log.InfoContext(ctx, "session.load.miss")
	default:
		writeJSONRPCError(w, http.StatusInternalServerError, id, jsonrpc.ErrorCodeInternalError, "internal error")
		h.log.ErrorContext(ctx, "session.route.fail", slog.String("err", err.Error()))
	}
	return nil, false
}

func (h *StreamingHTTPHandler) checkProtocolVersion(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *sessions.Session) bool {
	clientPV := r.Header.Get(mcpProtocolVersionHeader)
	if spv := protocolVersion(sess); clientPV != "" && spv != "" && clientPV != spv {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return false
	}
	return true
}

// acceptsResponse reports whether a JSON-RPC response can be written in a
// media type the client accepts. A missing Accept header means JSON.
func acceptsResponse(r *http.Request) bool {
	return r.Header.Get("Accept") == "" || acceptable(r, jsonMediaTypes) || acceptable(r, eventStreamMediaTypes)
}

// writeResponse encodes res as application/json, or as a single SSE event
// when the client does not accept JSON.
func (h *StreamingHTTPHandler) writeResponse(ctx context.Context, w http.ResponseWriter, r *http.Request, res *jsonrpc.Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if r.Header.Get("Accept") == "" || acceptable(r, jsonMediaTypes) {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(b)
		return err
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return errors.New("response writer does not support flushing")
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return writeSSEEvent(wf, "", b)
}

type discoveryDocument struct {
	Name            string               `json:"name"`
	Version         string               `json:"version"`
	ProtocolVersion string               `json:"protocolVersion"`
	Transport       string               `json:"transport"`
	Endpoint        string               `json:"endpoint"`
	Credentials     discoveryCredentials `json:"credentials"`
	Tools           int                  `json:"tools"`
}

type discoveryCredentials struct {
	Header   string `json:"header"`
	Fallback string `json:"fallback"`
	Verified bool   `json:"verified"`
}

func (h *StreamingHTTPHandler) writeDiscovery(w http.ResponseWriter) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(discoveryDocument{
		Name:            h.serverInfo.Name,
		Version:         h.serverInfo.Version,
		ProtocolVersion: mcp.LatestProtocolVersion,
		Transport:       "streamable-http",
		Endpoint:        pathOnly(h.endpoint),
		Credentials: discoveryCredentials{
			Header:   h.credentialHeader,
			Fallback: "Authorization: Bearer <token>",
			Verified: h.auth != nil,
		},
		Tools: h.toolCount,
	})
}

func (h *StreamingHTTPHandler) handleOptionsProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the OAuth2 Protected Resource Metadata document.
func (h *StreamingHTTPHandler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
		return
	}
}

// authenticate verifies the caller credential when an authenticator is
// configured. On failure it writes the challenge and returns false.
func (h *StreamingHTTPHandler) authenticate(ctx context.Context, r *http.Request, w http.ResponseWriter) (context.Context, bool) {
	if h.auth == nil {
		return ctx, true
	}
	prm := pathIfSet(h.prmDocumentURL)

	tok := callerauth.FromRequest(r, h.credentialHeader)
	if tok == "" {
		if authz := r.Header.Get(authorizationHeader); authz != "" {
			// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
			h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
			w.WriteHeader(http.StatusBadRequest)
			return ctx, false
		}
		// RFC 6750 §3.1: no error code when the request lacks credentials.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return ctx, false
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInsufficientScope):
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{
				"error":             "insufficient_scope",
				"error_description": "insufficient scope",
				"scope":             strings.Join(h.requiredScopes, " "),
			}))
			w.WriteHeader(http.StatusForbidden)
		case errors.Is(err, auth.ErrUnauthorized):
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, prm, map[string]string{"error": "invalid_token", "error_description": "the access token is invalid"}))
			w.WriteHeader(http.StatusUnauthorized)
		default:
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return ctx, false
	}

	h.log.InfoContext(ctx, "auth.ok", slog.String("user_id", userInfo.UserID()))
	return auth.WithUserInfo(ctx, userInfo), true
}

// writeSSEEvent writes one Server-Sent Event carrying payload and flushes.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("event: message\ndata: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// protocolVersion returns the version negotiated by the session's server, if
// it exposes one.
func protocolVersion(sess *sessions.Session) string {
	if pv, ok := sess.Server.(interface{ ProtocolVersion() string }); ok {
		return pv.ProtocolVersion()
	}
	return ""
}

func acceptable(r *http.Request, types []contenttype.MediaType) bool {
	_, _, err := contenttype.GetAcceptableMediaType(r, types)
	return err == nil
}

// wantsEventStream reports whether the Accept header names text/event-stream
// explicitly. Wildcards select the discovery document.
func wantsEventStream(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt := contenttype.NewMediaType(strings.TrimSpace(part))
		if mt.Type == eventStreamMediaType.Type && mt.Subtype == eventStreamMediaType.Subtype {
			return true
		}
	}
	return false
}

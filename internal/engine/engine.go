// Package engine implements the per-session MCP protocol server: the
// initialize handshake, ping, and the tools surface backed by the gateway.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/mcp-rest-gateway/gateway"
	"github.com/ggoodman/mcp-rest-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-rest-gateway/internal/logctx"
	"github.com/ggoodman/mcp-rest-gateway/mcp"
	"github.com/ggoodman/mcp-rest-gateway/sessions"
)

// Tools is the tool surface exposed by every session.
type Tools interface {
	Tools() []mcp.Tool
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
}

var _ sessions.Server = (*Engine)(nil)

// Engine serves one session. It is created by the session manager and never
// shared.
type Engine struct {
	sessionID    string
	tools        Tools
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger

	mu              sync.Mutex
	initialized     bool
	ready           bool
	protocolVersion string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithServerInfo sets the implementation info reported by initialize.
func WithServerInfo(info mcp.ImplementationInfo) EngineOption {
	return func(e *Engine) { e.info = info }
}

// WithInstructions sets the instructions string reported by initialize.
func WithInstructions(s string) EngineOption {
	return func(e *Engine) { e.instructions = s }
}

// WithLogger sets the logger used by the engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func NewEngine(sessionID string, tools Tools, opts ...EngineOption) *Engine {
	e := &Engine{
		sessionID: sessionID,
		tools:     tools,
		info:      mcp.ImplementationInfo{Name: "mcp-rest-gateway", Version: "dev"},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Factory returns a sessions.ServerFactory building engines over tools.
func Factory(tools Tools, opts ...EngineOption) sessions.ServerFactory {
	return func(sessionID string) sessions.Server {
		return NewEngine(sessionID, tools, opts...)
	}
}

// ProtocolVersion returns the negotiated protocol version, or "" before
// initialize.
func (e *Engine) ProtocolVersion() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocolVersion
}

// Ready reports whether the client has sent notifications/initialized.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *Engine) HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var (
		res *jsonrpc.Response
		err error
	)
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		res, err = e.handleInitialize(ctx, req)
	case mcp.PingMethod:
		res, err = jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		res, err = jsonrpc.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: e.tools.Tools()})
	case mcp.ToolsCallMethod:
		res, err = e.handleToolCall(ctx, req)
	default:
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
	}
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if res.Error != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid",
			slog.Int("code", int(res.Error.Code)),
			slog.Duration("dur", time.Since(start)),
		)
		return res
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Duration("dur", time.Since(start)))
	return res
}

func (e *Engine) HandleNotification(ctx context.Context, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		e.mu.Lock()
		e.ready = e.initialized
		e.mu.Unlock()
		e.log.InfoContext(ctx, "engine.session.initialized")
	case mcp.CancelledNotificationMethod:
		// Upstream calls run to completion regardless of the caller.
		e.log.InfoContext(ctx, "engine.handle_notification.cancelled")
	default:
		e.log.InfoContext(ctx, "engine.handle_notification.unsupported", slog.String("method", note.Method))
	}
}

func (e *Engine) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil), nil
	}

	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
	}
	version := negotiateVersion(params.ProtocolVersion)
	e.initialized = true
	e.protocolVersion = version
	e.mu.Unlock()

	e.log.InfoContext(logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: e.sessionID, ProtocolVersion: version}),
		"engine.session.initialize",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("requested_version", params.ProtocolVersion),
	)

	return jsonrpc.NewResultResponse(req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		ServerInfo:      e.info,
		Instructions:    e.instructions,
	})
}

func (e *Engine) handleToolCall(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing tool name", nil), nil
	}

	res, err := e.tools.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownTool) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil), nil
		}
		return nil, err
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

// negotiateVersion echoes a supported client version and otherwise offers
// the latest one.
func negotiateVersion(requested string) string {
	if slices.Contains(mcp.SupportedProtocolVersions, requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}

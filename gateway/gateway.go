// Package gateway runs one tool call end to end: validate the arguments,
// compile the outbound request, resolve credentials, dispatch, and fold the
// outcome into an MCP tool result.
//
// Caller mistakes and upstream failures become results with IsError set.
// Only a call naming a tool that does not exist is returned as an error,
// because it is a protocol-level problem rather than a tool outcome.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-rest-gateway/catalog"
	"github.com/ggoodman/mcp-rest-gateway/dispatch"
	"github.com/ggoodman/mcp-rest-gateway/internal/logctx"
	"github.com/ggoodman/mcp-rest-gateway/internal/metrics"
	"github.com/ggoodman/mcp-rest-gateway/mcp"
	"github.com/ggoodman/mcp-rest-gateway/request"
	"github.com/ggoodman/mcp-rest-gateway/security"
	"github.com/ggoodman/mcp-rest-gateway/validate"
)

// ErrUnknownTool is returned by CallTool for names absent from the catalogue.
var ErrUnknownTool = errors.New("unknown tool")

// Resolver selects credentials for a tool's security requirements.
type Resolver interface {
	Resolve(ctx context.Context, reqs []catalog.Requirement) security.Resolution
}

// Executor sends a compiled request upstream.
type Executor interface {
	Execute(ctx context.Context, c *request.Compiled) (*dispatch.Result, error)
}

var defaultInputSchema = json.RawMessage(`{"type":"object"}`)

// Gateway is safe for concurrent use by every session.
type Gateway struct {
	catalog   *catalog.Catalog
	baseURL   string
	validator validate.Validator
	resolver  Resolver
	executor  Executor
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tools     []mcp.Tool
}

type Option func(*Gateway)

func WithValidator(v validate.Validator) Option {
	return func(g *Gateway) { g.validator = v }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New returns a Gateway serving the tools of cat against baseURL.
func New(cat *catalog.Catalog, baseURL string, resolver Resolver, executor Executor, opts ...Option) *Gateway {
	g := &Gateway{
		catalog:   cat,
		baseURL:   baseURL,
		validator: validate.NewJSONSchema(),
		resolver:  resolver,
		executor:  executor,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.tools = make([]mcp.Tool, 0, len(cat.Tools))
	for _, t := range cat.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = defaultInputSchema
		}
		g.tools = append(g.tools, mcp.Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return g
}

// Tools lists the catalogue as MCP tool descriptors.
func (g *Gateway) Tools() []mcp.Tool {
	return g.tools
}

// CallTool runs the named tool with raw JSON arguments.
func (g *Gateway) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	tool, ok := g.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{
		ToolName:     tool.Name,
		Method:       tool.Method,
		PathTemplate: tool.PathTemplate,
	})
	start := time.Now()

	text, outcome, err := g.run(ctx, tool, args)
	g.metrics.ToolCall(tool.Name, outcome)
	if err != nil {
		g.logFailure(ctx, outcome, err, time.Since(start))
		return mcp.TextResult(describe(tool.Name, err), true), nil
	}

	g.logger.InfoContext(ctx, "tool.call.ok", slog.Duration("dur", time.Since(start)))
	return mcp.TextResult(text, false), nil
}

func (g *Gateway) run(ctx context.Context, tool *catalog.Tool, raw json.RawMessage) (string, string, error) {
	args, err := g.validator.Validate(tool.InputSchema, raw)
	if err != nil {
		if errors.Is(err, validate.ErrSchema) {
			return "", "setup_error", &dispatch.SetupError{Err: err}
		}
		return "", "invalid_arguments", err
	}

	compiled, err := request.Compile(tool, args, g.baseURL)
	if err != nil {
		if errors.Is(err, request.ErrUnresolvedPath) {
			return "", "invalid_arguments", err
		}
		return "", "setup_error", &dispatch.SetupError{Err: err}
	}

	res := g.resolver.Resolve(ctx, tool.SecurityRequirements)
	res.Credentials.ApplyTo(compiled)

	result, err := g.executor.Execute(ctx, compiled)
	if err != nil {
		var (
			statusErr *dispatch.UpstreamStatusError
			netErr    *dispatch.NetworkError
		)
		switch {
		case errors.As(err, &statusErr):
			return "", "upstream_error", err
		case errors.As(err, &netErr):
			return "", "network_error", err
		default:
			return "", "setup_error", err
		}
	}
	return result.Text, "ok", nil
}

func (g *Gateway) logFailure(ctx context.Context, outcome string, err error, dur time.Duration) {
	attrs := []any{slog.String("outcome", outcome), slog.String("err", err.Error()), slog.Duration("dur", dur)}
	switch outcome {
	case "invalid_arguments":
		g.logger.InfoContext(ctx, "tool.call.rejected", attrs...)
	case "upstream_error":
		g.logger.WarnContext(ctx, "tool.call.fail", attrs...)
	default:
		g.logger.ErrorContext(ctx, "tool.call.fail", attrs...)
	}
}

// describe renders err as the text of an error result.
func describe(tool string, err error) string {
	var (
		verr      *validate.Error
		statusErr *dispatch.UpstreamStatusError
		netErr    *dispatch.NetworkError
	)
	switch {
	case errors.As(err, &verr):
		var b strings.Builder
		fmt.Fprintf(&b, "Invalid arguments for tool '%s':", tool)
		for _, f := range verr.Fields {
			if f.Field == "" {
				fmt.Fprintf(&b, "\n- %s", f.Message)
				continue
			}
			fmt.Fprintf(&b, "\n- %s: %s", f.Field, f.Message)
		}
		return b.String()
	case errors.Is(err, request.ErrUnresolvedPath):
		return fmt.Sprintf("Invalid arguments for tool '%s': %v", tool, err)
	case errors.As(err, &statusErr):
		msg := fmt.Sprintf("API Error: Status %d (%s)", statusErr.Status, statusErr.Reason)
		if statusErr.Excerpt != "" {
			msg += ": " + statusErr.Excerpt
		}
		return msg
	case errors.As(err, &netErr):
		return "Network Error: " + netErr.Error()
	default:
		return fmt.Sprintf("Error calling tool '%s': %v", tool, err)
	}
}

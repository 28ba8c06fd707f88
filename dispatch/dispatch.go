// Package dispatch issues compiled requests against the upstream REST
// service and normalizes the response into text.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-rest-gateway/internal/metrics"
	"github.com/ggoodman/mcp-rest-gateway/request"
)

const (
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBodyBytes bounds how much of an upstream body is read.
	DefaultMaxBodyBytes = 16 << 20
)

// Result is a successful upstream response rendered as text.
type Result struct {
	Status      int
	ContentType string
	Text        string
}

// Executor sends compiled requests.
type Executor struct {
	client       *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	maxBodyBytes int64
}

type Option func(*Executor)

// WithHTTPClient replaces the default client. The client's Timeout bounds
// every upstream call.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) { e.client = client }
}

// WithTimeout sets the upstream timeout on the executor's client.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		c := *e.client
		c.Timeout = d
		e.client = &c
	}
}

// WithMaxBodyBytes sets how much of an upstream body is read. Anything
// beyond it is dropped and the rendered text ends with a truncation notice.
func WithMaxBodyBytes(n int64) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxBodyBytes = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New returns an Executor with a DefaultTimeout client.
func New(opts ...Option) *Executor {
	e := &Executor{
		client:       &http.Client{Timeout: DefaultTimeout},
		logger:       slog.Default(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute sends c. Cancellation of ctx is not propagated: an abandoned inbound
// call lets the upstream call run to completion or timeout.
func (e *Executor) Execute(ctx context.Context, c *request.Compiled) (*Result, error) {
	var body io.Reader
	if c.Body != nil {
		body = bytes.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), c.Method, c.URL(), body)
	if err != nil {
		return nil, &SetupError{Err: err}
	}
	for k, vs := range c.Header {
		req.Header[k] = vs
	}
	for _, ck := range c.Cookies {
		req.AddCookie(ck)
	}

	start := time.Now()
	log := e.logger.With(slog.String("method", c.Method), slog.String("path", c.Path))
	log.DebugContext(ctx, "upstream.request.start")

	resp, err := e.client.Do(req)
	if err != nil {
		e.metrics.UpstreamRequest(c.Method, "error", time.Since(start))
		nerr := &NetworkError{Code: networkCode(err), Err: err}
		log.ErrorContext(ctx, "upstream.request.fail", slog.String("code", nerr.Code), slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return nil, nerr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBodyBytes+1))
	if err != nil {
		e.metrics.UpstreamRequest(c.Method, "error", time.Since(start))
		nerr := &NetworkError{Code: networkCode(err), Err: fmt.Errorf("read response body: %w", err)}
		log.ErrorContext(ctx, "upstream.response.read.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return nil, nerr
	}

	truncated := int64(len(raw)) > e.maxBodyBytes
	if truncated {
		raw = raw[:e.maxBodyBytes]
	}

	status := strconv.Itoa(resp.StatusCode)
	e.metrics.UpstreamRequest(c.Method, status, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &UpstreamStatusError{
			Status:  resp.StatusCode,
			Reason:  reason(resp),
			Excerpt: excerpt(raw, ExcerptLimit),
		}
		log.WarnContext(ctx, "upstream.response.status", slog.Int("status", resp.StatusCode), slog.Duration("dur", time.Since(start)))
		return nil, serr
	}

	log.DebugContext(ctx, "upstream.response.ok", slog.Int("status", resp.StatusCode), slog.Duration("dur", time.Since(start)))
	ct := resp.Header.Get("Content-Type")
	text := Render(resp.StatusCode, ct, raw)
	if truncated {
		log.WarnContext(ctx, "upstream.response.truncated", slog.Int64("limit", e.maxBodyBytes))
		text += fmt.Sprintf("\n\n(Response truncated: body exceeded %d bytes)", e.maxBodyBytes)
	}
	return &Result{
		Status:      resp.StatusCode,
		ContentType: ct,
		Text:        text,
	}, nil
}

// Render turns a response body into the text handed back to the caller.
// Structured JSON is pretty-printed, text passes through verbatim and
// anything else is coerced to a string.
func Render(status int, contentType string, body []byte) string {
	if len(body) == 0 {
		return fmt.Sprintf("(Status: %d — No body content)", status)
	}
	mt := contenttype.NewMediaType(contentType)
	switch {
	case request.IsJSON(mt):
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err == nil {
			return buf.String()
		}
		return string(body)
	case mt.Type == "text":
		return string(body)
	default:
		return strings.ToValidUTF8(string(body), string(utf8.RuneError))
	}
}

func reason(resp *http.Response) string {
	if r := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); r != "" && r != resp.Status {
		return r
	}
	return http.StatusText(resp.StatusCode)
}

func excerpt(body []byte, limit int) string {
	if len(body) > limit {
		body = body[:limit]
	}
	return strings.ToValidUTF8(string(body), "")
}

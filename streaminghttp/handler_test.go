package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ggoodman/mcp-rest-gateway/auth"
	"github.com/ggoodman/mcp-rest-gateway/catalog"
	"github.com/ggoodman/mcp-rest-gateway/dispatch"
	"github.com/ggoodman/mcp-rest-gateway/gateway"
	"github.com/ggoodman/mcp-rest-gateway/internal/engine"
	"github.com/ggoodman/mcp-rest-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-rest-gateway/mcp"
	"github.com/ggoodman/mcp-rest-gateway/security"
	"github.com/ggoodman/mcp-rest-gateway/sessions"
	"github.com/ggoodman/mcp-rest-gateway/streaminghttp"
)

type stack struct {
	srv      *httptest.Server
	sessions *sessions.Manager
	hits     atomic.Int64
}

// newStack wires the transport in front of a real gateway whose upstream
// echoes the Authorization header it receives.
func newStack(t *testing.T, opts ...streaminghttp.Option) *stack {
	t.Helper()

	s := &stack{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		switch {
		case r.URL.Path == "/whoami":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, r.Header.Get("Authorization"))
		case strings.HasPrefix(r.URL.Path, "/widgets/"):
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"id": strings.TrimPrefix(r.URL.Path, "/widgets/")})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	cat, err := catalog.New([]catalog.Tool{
		{
			Name:         "get_widget",
			Description:  "Fetch one widget",
			Method:       "GET",
			PathTemplate: "/widgets/{id}",
			InputSchema:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
			ExecutionParameters: []catalog.Parameter{
				{Name: "id", In: catalog.LocationPath},
			},
		},
		{
			Name:                 "whoami",
			Method:               "GET",
			PathTemplate:         "/whoami",
			SecurityRequirements: []catalog.Requirement{{"Caller": nil}},
		},
	}, map[string]catalog.SecurityScheme{
		"Caller": {Type: catalog.SchemeHTTP, Scheme: "bearer"},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	resolver, err := security.NewResolver(cat.SecuritySchemes, security.WithLookup(security.MapLookup(nil)))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	t.Cleanup(func() { _ = resolver.Close() })
	gw := gateway.New(cat, upstream.URL, resolver, dispatch.New())

	mgr := sessions.NewManager(engine.Factory(gw))
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { handler.ServeHTTP(w, r) }))
	t.Cleanup(srv.Close)

	opts = append([]streaminghttp.Option{streaminghttp.WithToolCount(len(gw.Tools()))}, opts...)
	h, err := streaminghttp.New(srv.URL+"/mcp", mgr, opts...)
	if err != nil {
		t.Fatalf("streaminghttp.New: %v", err)
	}
	handler = h

	s.srv, s.sessions = srv, mgr
	return s
}

func (s *stack) endpoint() string { return s.srv.URL + "/mcp" }

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func rpcRequest(id any, method string, params any) *jsonrpc.Request {
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}
	if id != nil {
		req.ID = jsonrpc.NewRequestID(id)
	}
	if params != nil {
		req.Params = mustJSON(params)
	}
	return req
}

func initRequest() *jsonrpc.Request {
	return rpcRequest(1, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
	})
}

type postOpts struct {
	sessionID string
	accept    string
	header    http.Header
}

func doPost(t *testing.T, endpoint string, o postOpts, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.accept == "" {
		o.accept = "application/json, text/event-stream"
	}
	req.Header.Set("Accept", o.accept)
	if o.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", o.sessionID)
	}
	for k, vs := range o.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func postRPC(t *testing.T, endpoint string, o postOpts, msg *jsonrpc.Request) *http.Response {
	t.Helper()
	return doPost(t, endpoint, o, mustJSON(msg))
}

func readResponse(t *testing.T, resp *http.Response) *jsonrpc.Response {
	t.Helper()
	defer resp.Body.Close()
	var res jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &res
}

// initialize opens a session and completes the handshake.
func initialize(t *testing.T, s *stack) string {
	t.Helper()
	resp := postRPC(t, s.endpoint(), postOpts{}, initRequest())
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("unexpected initialize status: want %d got %d", want, got)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("missing Mcp-Session-Id header")
	}
	if res := readResponse(t, resp); res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}

	note := postRPC(t, s.endpoint(), postOpts{sessionID: sessID}, rpcRequest(nil, string(mcp.InitializedNotificationMethod), nil))
	note.Body.Close()
	if want, got := http.StatusAccepted, note.StatusCode; want != got {
		t.Fatalf("unexpected initialized status: want %d got %d", want, got)
	}
	return sessID
}

func callTool(t *testing.T, s *stack, sessID string, header http.Header, name string, args any) *mcp.CallToolResult {
	t.Helper()
	out, err := tryCallTool(s.endpoint(), sessID, header, name, args)
	if err != nil {
		t.Fatalf("tools/call: %v", err)
	}
	return out
}

// tryCallTool is callTool without the testing.T so it can run off the test
// goroutine.
func tryCallTool(endpoint, sessID string, header http.Header, name string, args any) (*mcp.CallToolResult, error) {
	body := mustJSON(rpcRequest(7, string(mcp.ToolsCallMethod), map[string]any{
		"name":      name,
		"arguments": args,
	}))
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: want %d got %d", http.StatusOK, resp.StatusCode)
	}
	var res jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if res.Error != nil {
		return nil, res.Error
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return &out, nil
}

func TestInitializeCreatesSession(t *testing.T) {
	s := newStack(t)

	resp := postRPC(t, s.endpoint(), postOpts{}, initRequest())
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if want, got := "application/json", resp.Header.Get("Content-Type"); want != got {
		t.Fatalf("unexpected content type: want %q got %q", want, got)
	}
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Fatalf("missing Mcp-Session-Id header")
	}
	if want, got := mcp.LatestProtocolVersion, resp.Header.Get("Mcp-Protocol-Version"); want != got {
		t.Fatalf("unexpected protocol version header: want %q got %q", want, got)
	}

	res := readResponse(t, resp)
	if res.Error != nil {
		t.Fatalf("initialize error: %+v", res.Error)
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	if initRes.Capabilities.Tools == nil {
		t.Fatalf("expected tools capability")
	}
	if want, got := 1, s.sessions.Len(); want != got {
		t.Fatalf("unexpected session count: want %d got %d", want, got)
	}
}

func TestSessionReusesServer(t *testing.T) {
	s := newStack(t)
	sessID := initialize(t, s)

	resp := postRPC(t, s.endpoint(), postOpts{sessionID: sessID}, rpcRequest(2, string(mcp.ToolsListMethod), nil))
	res := readResponse(t, resp)
	if res.Error != nil {
		t.Fatalf("tools/list error: %+v", res.Error)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatalf("decode tools/list: %v", err)
	}
	if want, got := 2, len(list.Tools); want != got {
		t.Fatalf("unexpected tool count: want %d got %d", want, got)
	}

	out := callTool(t, s, sessID, nil, "get_widget", map[string]any{"id": "w-1"})
	if out.IsError {
		t.Fatalf("unexpected error result: %+v", out)
	}
	if !strings.Contains(out.Content[0].Text, `"w-1"`) {
		t.Fatalf("unexpected tool output: %q", out.Content[0].Text)
	}

	if want, got := 1, s.sessions.Len(); want != got {
		t.Fatalf("unexpected session count: want %d got %d", want, got)
	}
}

func TestMissingSessionIsBadRequest(t *testing.T) {
	s := newStack(t)

	resp := postRPC(t, s.endpoint(), postOpts{}, rpcRequest(2, string(mcp.ToolsListMethod), nil))
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	res := readResponse(t, resp)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeBadSession {
		t.Fatalf("unexpected error: want code %d got %+v", jsonrpc.ErrorCodeBadSession, res.Error)
	}
	if want, got := 0, s.sessions.Len(); want != got {
		t.Fatalf("unexpected session count: want %d got %d", want, got)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	s := newStack(t)

	resp := postRPC(t, s.endpoint(), postOpts{sessionID: "does-not-exist"}, rpcRequest(2, string(mcp.ToolsListMethod), nil))
	if want, got := http.StatusNotFound, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	res := readResponse(t, resp)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeUnknownSession {
		t.Fatalf("unexpected error: want code %d got %+v", jsonrpc.ErrorCodeUnknownSession, res.Error)
	}
	if want, got := 0, s.sessions.Len(); want != got {
		t.Fatalf("unexpected session count: want %d got %d", want, got)
	}
}

func TestPostRejections(t *testing.T) {
	s := newStack(t)

	t.Run("batch", func(t *testing.T) {
		body := []byte(`[` + string(mustJSON(initRequest())) + `]`)
		resp := doPost(t, s.endpoint(), postOpts{}, body)
		resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("content type", func(t *testing.T) {
		resp, err := http.Post(s.endpoint(), "text/plain", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if want, got := http.StatusUnsupportedMediaType, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		resp := doPost(t, s.endpoint(), postOpts{}, []byte(`{"jsonrpc":`))
		resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("wrong jsonrpc version", func(t *testing.T) {
		resp := doPost(t, s.endpoint(), postOpts{}, []byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`))
		resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	if want, got := 0, s.sessions.Len(); want != got {
		t.Fatalf("unexpected session count: want %d got %d", want, got)
	}
}

func TestFailedInitializeDoesNotRegister(t *testing.T) {
	s := newStack(t)

	bad := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		Params:         json.RawMessage(`"bogus"`),
		ID:             jsonrpc.NewRequestID(1),
	}
	resp := postRPC(t, s.endpoint(), postOpts{}, bad)
	if resp.Header.Get("Mcp-Session-Id") != "" {
		t.Fatalf("unexpected session id on failed initialize")
	}
	res := readResponse(t, resp)
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("unexpected error: want code %d got %+v", jsonrpc.ErrorCodeInvalidParams, res.Error)
	}
	if want, got := 0, s.sessions.Len(); want != got {
		t.Fatalf("unexpected session count: want %d got %d", want, got)
	}
}

func TestUnacceptableInitializeDoesNotRegister(t *testing.T) {
	s := newStack(t)

	resp := postRPC(t, s.endpoint(), postOpts{accept: "text/html"}, initRequest())
	resp.Body.Close()
	if want, got := http.StatusNotAcceptable, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if got := resp.Header.Get("Mcp-Session-Id"); got != "" {
		t.Fatalf("unexpected session header on rejection: %q", got)
	}
	if want, got := 0, s.sessions.Len(); want != got {
		t.Fatalf("unexpected session count: want %d got %d", want, got)
	}
}

func TestUnacceptableToolCallSkipsUpstream(t *testing.T) {
	s := newStack(t)
	sessID := initialize(t, s)

	resp := postRPC(t, s.endpoint(), postOpts{sessionID: sessID, accept: "text/html"}, rpcRequest(3, string(mcp.ToolsCallMethod), map[string]any{
		"name":      "get_widget",
		"arguments": map[string]any{"id": "w-1"},
	}))
	resp.Body.Close()
	if want, got := http.StatusNotAcceptable, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if want, got := int64(0), s.hits.Load(); want != got {
		t.Fatalf("unexpected upstream hits: want %d got %d", want, got)
	}
	if want, got := 1, s.sessions.Len(); want != got {
		t.Fatalf("unexpected session count: want %d got %d", want, got)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	s := newStack(t)
	sessID := initialize(t, s)

	hdr := http.Header{"Mcp-Protocol-Version": {"1999-01-01"}}
	resp := postRPC(t, s.endpoint(), postOpts{sessionID: sessID, header: hdr}, rpcRequest(3, string(mcp.PingMethod), nil))
	resp.Body.Close()
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
}

func TestDeleteLifecycle(t *testing.T) {
	s := newStack(t)
	sessID := initialize(t, s)

	del := func(id string) int {
		req, _ := http.NewRequest(http.MethodDelete, s.endpoint(), nil)
		if id != "" {
			req.Header.Set("Mcp-Session-Id", id)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if want, got := http.StatusBadRequest, del(""); want != got {
		t.Fatalf("unexpected status without id: want %d got %d", want, got)
	}
	if want, got := http.StatusNoContent, del(sessID); want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if want, got := 0, s.sessions.Len(); want != got {
		t.Fatalf("unexpected session count: want %d got %d", want, got)
	}

	resp := postRPC(t, s.endpoint(), postOpts{sessionID: sessID}, rpcRequest(4, string(mcp.ToolsListMethod), nil))
	resp.Body.Close()
	if want, got := http.StatusNotFound, resp.StatusCode; want != got {
		t.Fatalf("unexpected status after delete: want %d got %d", want, got)
	}
	if want, got := http.StatusNotFound, del(sessID); want != got {
		t.Fatalf("unexpected status on second delete: want %d got %d", want, got)
	}
}

func TestEventStreamOnlyAccept(t *testing.T) {
	s := newStack(t)
	sessID := initialize(t, s)

	resp := postRPC(t, s.endpoint(), postOpts{sessionID: sessID, accept: "text/event-stream"}, rpcRequest(5, string(mcp.PingMethod), nil))
	defer resp.Body.Close()
	if want, got := "text/event-stream", resp.Header.Get("Content-Type"); want != got {
		t.Fatalf("unexpected content type: want %q got %q", want, got)
	}

	data := readSSEData(t, resp.Body)
	var res jsonrpc.Response
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if res.Error != nil || res.ID.String() != "5" {
		t.Fatalf("unexpected ping response: %+v", res)
	}
}

func readSSEData(t *testing.T, r io.Reader) string {
	t.Helper()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			return data
		}
	}
	t.Fatalf("no SSE data line: %v", sc.Err())
	return ""
}

func TestDiscovery(t *testing.T) {
	s := newStack(t, streaminghttp.WithCredentialHeader("X-Upstream-Key"))

	resp, err := http.Get(s.endpoint())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}

	var doc struct {
		Name            string `json:"name"`
		ProtocolVersion string `json:"protocolVersion"`
		Endpoint        string `json:"endpoint"`
		Credentials     struct {
			Header string `json:"header"`
		} `json:"credentials"`
		Tools int `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if want, got := "X-Upstream-Key", doc.Credentials.Header; want != got {
		t.Fatalf("unexpected credential header: want %q got %q", want, got)
	}
	if want, got := "/mcp", doc.Endpoint; want != got {
		t.Fatalf("unexpected endpoint: want %q got %q", want, got)
	}
	if want, got := 2, doc.Tools; want != got {
		t.Fatalf("unexpected tool count: want %d got %d", want, got)
	}
	if want, got := mcp.LatestProtocolVersion, doc.ProtocolVersion; want != got {
		t.Fatalf("unexpected protocol version: want %q got %q", want, got)
	}
}

func TestIdleStreamEndsWithSession(t *testing.T) {
	s := newStack(t)
	sessID := initialize(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(), nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		done <- err
	}()

	if err := s.sessions.Close(context.Background(), sessID); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("stream did not end after session close")
	}
}

func TestIdleStreamUnknownSession(t *testing.T) {
	s := newStack(t)

	req, _ := http.NewRequest(http.MethodGet, s.endpoint(), nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", "nope")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if want, got := http.StatusNotFound, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
}

func TestCallerCredentialIsolation(t *testing.T) {
	s := newStack(t)

	tokens := []string{"alpha", "bravo", "charlie", "delta"}
	sessIDs := make([]string, len(tokens))
	for i := range tokens {
		sessIDs[i] = initialize(t, s)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(tokens))
	for i, tok := range tokens {
		wg.Add(1)
		go func(sessID, tok string) {
			defer wg.Done()
			for range 3 {
				out, err := tryCallTool(s.endpoint(), sessID, http.Header{"X-API-Token": {tok}}, "whoami", map[string]any{})
				if err != nil {
					errs <- err
					return
				}
				if want, got := "Bearer "+tok, out.Content[0].Text; want != got {
					errs <- fmt.Errorf("unexpected forwarded credential: want %q got %q", want, got)
					return
				}
			}
		}(sessIDs[i], tok)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestAuthorizationFallback(t *testing.T) {
	s := newStack(t)
	sessID := initialize(t, s)

	out := callTool(t, s, sessID, http.Header{"Authorization": {"Bearer from-authz"}}, "whoami", map[string]any{})
	if want, got := "Bearer from-authz", out.Content[0].Text; want != got {
		t.Fatalf("unexpected forwarded credential: want %q got %q", want, got)
	}

	out = callTool(t, s, sessID, nil, "whoami", map[string]any{})
	if strings.Contains(out.Content[0].Text, "Bearer") {
		t.Fatalf("expected no credential upstream, got %q", out.Content[0].Text)
	}
}

type issuer struct {
	srv *httptest.Server
	key *rsa.PrivateKey
}

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	jwks := mustJSON(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	}))
	t.Cleanup(srv.Close)
	return &issuer{srv: srv, key: pk}
}

func (i *issuer) sign(t *testing.T, aud, scope string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   i.srv.URL,
		"sub":   "alice",
		"aud":   aud,
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(i.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAuthenticatedTransport(t *testing.T) {
	iss := newIssuer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const aud = "https://gateway.example.com/mcp"
	authn, err := auth.SecurityConfig{
		Issuer:         iss.srv.URL,
		Audiences:      []string{aud},
		JWKSURL:        iss.srv.URL + "/keys",
		RequiredScopes: []string{"widgets:read"},
	}.NewManualJWTAuthenticator(ctx)
	if err != nil {
		t.Fatalf("NewManualJWTAuthenticator: %v", err)
	}
	s := newStack(t, streaminghttp.WithAuthenticator(authn), streaminghttp.WithRealm("gateway"))

	post := func(hdr http.Header) *http.Response {
		return postRPC(t, s.endpoint(), postOpts{header: hdr}, initRequest())
	}

	t.Run("missing credential", func(t *testing.T) {
		resp := post(nil)
		resp.Body.Close()
		if want, got := http.StatusUnauthorized, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		challenge := resp.Header.Get("WWW-Authenticate")
		if !strings.HasPrefix(challenge, "Bearer ") || !strings.Contains(challenge, `resource_metadata="`) {
			t.Fatalf("unexpected challenge: %q", challenge)
		}
		if strings.Contains(challenge, "error=") {
			t.Fatalf("challenge for missing credential must not carry an error: %q", challenge)
		}
	})

	t.Run("malformed authorization", func(t *testing.T) {
		resp := post(http.Header{"Authorization": {"Basic Zm9vOmJhcg=="}})
		resp.Body.Close()
		if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		resp := post(http.Header{"X-API-Token": {"garbage"}})
		resp.Body.Close()
		if want, got := http.StatusUnauthorized, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		if !strings.Contains(resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`) {
			t.Fatalf("unexpected challenge: %q", resp.Header.Get("WWW-Authenticate"))
		}
	})

	t.Run("insufficient scope", func(t *testing.T) {
		resp := post(http.Header{"X-API-Token": {iss.sign(t, aud, "other")}})
		resp.Body.Close()
		if want, got := http.StatusForbidden, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		if !strings.Contains(resp.Header.Get("WWW-Authenticate"), `scope="widgets:read"`) {
			t.Fatalf("unexpected challenge: %q", resp.Header.Get("WWW-Authenticate"))
		}
	})

	t.Run("valid token", func(t *testing.T) {
		resp := post(http.Header{"X-API-Token": {iss.sign(t, aud, "widgets:read")}})
		resp.Body.Close()
		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
	})

	t.Run("protected resource metadata", func(t *testing.T) {
		resp, err := http.Get(s.srv.URL + "/.well-known/oauth-protected-resource/mcp")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if want, got := "*", resp.Header.Get("Access-Control-Allow-Origin"); want != got {
			t.Fatalf("unexpected CORS header: want %q got %q", want, got)
		}
		var doc struct {
			Resource             string   `json:"resource"`
			AuthorizationServers []string `json:"authorization_servers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want, got := s.endpoint(), doc.Resource; want != got {
			t.Fatalf("unexpected resource: want %q got %q", want, got)
		}
		if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != iss.srv.URL {
			t.Fatalf("unexpected authorization servers: %v", doc.AuthorizationServers)
		}
	})
}

// tokenRT injects the caller credential header for SDK client requests.
type tokenRT struct {
	base  http.RoundTripper
	token string
}

func (t tokenRT) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("X-API-Token", t.token)
	return t.base.RoundTrip(r)
}

func TestSDKClientEndToEnd(t *testing.T) {
	s := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{
		Endpoint:   s.endpoint(),
		HTTPClient: &http.Client{Transport: tokenRT{base: http.DefaultTransport, token: "sdk-token"}},
	}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cs.Close()

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if want, got := 2, len(lt.Tools); want != got {
		t.Fatalf("unexpected tool count: want %d got %d", want, got)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "whoami", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError || len(res.Content) != 1 {
		t.Fatalf("unexpected call result: %+v", res)
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("unexpected content type: %T", res.Content[0])
	}
	if want, got := "Bearer sdk-token", text.Text; want != got {
		t.Fatalf("unexpected forwarded credential: want %q got %q", want, got)
	}

	res, err = cs.CallTool(ctx, &sdk.CallToolParams{Name: "get_widget", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected validation failure as error result: %+v", res)
	}
}

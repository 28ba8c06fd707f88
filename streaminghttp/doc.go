// Package streaminghttp implements the MCP streaming HTTP transport in front
// of a sessions.Manager. It mounts as a standard net/http handler serving one
// endpoint path.
//
// # Methods
//
//	POST   single JSON-RPC message. initialize without Mcp-Session-Id opens a
//	       session; everything else must name a live one. Requests answer
//	       with application/json, or with a single SSE event when the client
//	       accepts only text/event-stream. Notifications answer 202.
//	GET    discovery document (JSON) unless the client asks for
//	       text/event-stream, in which case an idle stream is held open for
//	       the session until it closes.
//	DELETE closes the session named by Mcp-Session-Id (204).
//
// Batches are rejected with 400. A missing session id on a non-initialize
// message answers 400 with JSON-RPC error -32000; an unknown one answers 404
// with -32001.
//
// # Caller credentials
//
// Every inbound request's credential (the dedicated header, falling back to
// Authorization: Bearer) is attached to the request context with
// callerauth.WithCredential before the message reaches the session's server,
// so concurrent requests never observe each other's credentials.
//
// When constructed WithAuthenticator the credential is verified first and
// failures answer with RFC 6750 Bearer challenges. If the authenticator also
// implements auth.SecurityDescriptor, the OAuth 2.0 Protected Resource Metadata
// document is served under /.well-known/oauth-protected-resource and linked
// from each challenge.
//
// Construction
//
//	mgr := sessions.NewManager(engine.Factory(gw))
//	h, err := streaminghttp.New("https://gateway.example/mcp", mgr,
//	    streaminghttp.WithServerInfo(mcp.ImplementationInfo{Name: "widgets", Version: "1.0.0"}),
//	    streaminghttp.WithToolCount(len(gw.Tools())),
//	)
//
//	mux := http.NewServeMux()
//	mux.Handle("/", h)
package streaminghttp

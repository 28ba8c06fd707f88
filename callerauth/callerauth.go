// Package callerauth carries the caller-supplied upstream credential of one
// inbound call on its context.Context.
//
// A credential attached with WithCredential is visible to everything that
// runs with the derived context, including goroutines started from it, and
// to nothing else. Two calls handled concurrently each derive their own
// context from their own *http.Request, so they never observe each other's
// credential.
package callerauth

import (
	"context"
	"net/http"
	"strings"
)

// DefaultHeader is the dedicated request header for caller credentials.
const DefaultHeader = "X-API-Token"

type credentialKey struct{}

// WithCredential returns a copy of ctx carrying tok. An empty tok leaves ctx
// without a credential.
func WithCredential(ctx context.Context, tok string) context.Context {
	if tok == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialKey{}, tok)
}

// Credential returns the caller credential carried by ctx.
func Credential(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(credentialKey{}).(string)
	return tok, ok && tok != ""
}

// Run calls fn with a context carrying tok.
func Run(ctx context.Context, tok string, fn func(context.Context)) {
	fn(WithCredential(ctx, tok))
}

// FromRequest extracts the caller credential from the dedicated header, or
// from an "Authorization: Bearer" header when the dedicated one is absent.
func FromRequest(r *http.Request, header string) string {
	if header == "" {
		header = DefaultHeader
	}
	if tok := strings.TrimSpace(r.Header.Get(header)); tok != "" {
		return tok
	}
	return BearerToken(r.Header.Get("Authorization"))
}

// BearerToken returns the token of an RFC 6750 Authorization header value,
// or "" when v is not a bearer credential.
func BearerToken(v string) string {
	const prefix = "bearer "
	if len(v) <= len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}

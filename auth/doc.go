// Package auth verifies caller credentials before they reach a session. It is
// optional: a gateway without an Authenticator forwards whatever credential
// the caller supplied to the upstream API untouched.
//
// When enabled, the streaming HTTP transport extracts the caller credential
// (the dedicated credential header, falling back to Authorization: Bearer),
// validates it as a JWT issued by the configured issuer and maps the sentinel
// errors into RFC 6750 challenges:
//
//	ErrUnauthorized      -> 401 error="invalid_token"
//	ErrInsufficientScope -> 403 error="insufficient_scope"
//
// A verified credential is still the one forwarded upstream for bearer,
// OAuth2 and OpenID Connect schemes.
//
// # Constructors
//
// NewFromDiscovery resolves the key set through OpenID Connect discovery.
// SecurityConfig.NewManualJWTAuthenticator takes a fixed JWKS URL instead.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://gateway.example/mcp",
//	    auth.WithRequiredScopes("widgets:read"),
//	)
//
// Both return a SecurityProvider whose SecurityConfig feeds the transport's
// protected resource metadata document.
package auth

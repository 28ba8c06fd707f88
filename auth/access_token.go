package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-rest-gateway/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the JWT authenticator.
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithDiscoveryClient sets the HTTP client used for OIDC discovery.
func WithDiscoveryClient(client *http.Client) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.HTTPClient = client }
}

// NewFromDiscovery returns an Authenticator that verifies caller JWTs using
// the key set advertised by issuer's OpenID Connect discovery document.
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected audience ("aud") claim
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sec := SecurityConfig{
		Issuer:          internal.Issuer(),
		Audiences:       append([]string(nil), cfg.ExpectedAudiences...),
		AllowedAlgs:     append([]string(nil), cfg.AllowedAlgs...),
		JWKSURL:         internal.JWKSURI(),
		Leeway:          cfg.Leeway,
		ScopesSupported: internal.ScopesSupported(),
		RequiredScopes:  internal.RequiredScopes(),
	}
	sec.Normalize()
	return &adapter{a: internal, sec: sec}, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a   *jwtauth.Authenticator
	sec SecurityConfig
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the handler.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}

func (ad *adapter) SecurityConfig() SecurityConfig { return ad.sec.Copy() }

package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation of caller JWTs.
type Config struct {
	Issuer string
	// ExpectedAudiences holds every accepted audience; a token must carry at
	// least one of them.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
	// HTTPClient is used for discovery. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// UserInfo is the validated principal.
type UserInfo interface {
	UserID() string
	Scopes() []string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	scopes []string
	claims map[string]any
}

func (u *userInfo) UserID() string   { return u.sub }
func (u *userInfo) Scopes() []string { return append([]string(nil), u.scopes...) }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Authenticator validates JWTs against a single issuer's key set. JWKS keys
// are refreshed in the background for the lifetime of the constructor's
// context.
type Authenticator struct {
	cfg     Config
	iss     string
	jwksURI string
	keyfunc jwt.Keyfunc

	authorizationEndpoint string
	tokenEndpoint         string
	scopesSupported       []string
}

// NewFromDiscovery resolves jwks_uri through OIDC discovery on cfg.Issuer.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Authenticator, error) {
	if err := check(cfg); err != nil {
		return nil, err
	}
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer        string   `json:"issuer"`
		JwksURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		Scopes        []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	a, err := newAuthenticator(ctx, cfg, meta.JwksURI)
	if err != nil {
		return nil, err
	}
	if meta.Issuer != "" {
		a.iss = meta.Issuer
	}
	a.authorizationEndpoint = meta.Authorization
	a.tokenEndpoint = meta.Token
	a.scopesSupported = meta.Scopes
	return a, nil
}

// NewStatic validates against a fixed JWKS URI without discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*Authenticator, error) {
	if err := check(cfg); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newAuthenticator(ctx, cfg, jwksURI)
}

func check(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	return nil
}

func newAuthenticator(ctx context.Context, cfg *Config, jwksURI string) (*Authenticator, error) {
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Authenticator{
		cfg:     c,
		iss:     c.Issuer,
		jwksURI: jwksURI,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// Issuer is the issuer tokens must carry.
func (a *Authenticator) Issuer() string { return a.iss }

// JWKSURI is the key set location.
func (a *Authenticator) JWKSURI() string { return a.jwksURI }

// AuthorizationEndpoint and TokenEndpoint are empty unless learned through
// discovery.
func (a *Authenticator) AuthorizationEndpoint() string { return a.authorizationEndpoint }
func (a *Authenticator) TokenEndpoint() string         { return a.tokenEndpoint }

// ScopesSupported returns the issuer's advertised scopes, falling back to the
// required scopes.
func (a *Authenticator) ScopesSupported() []string {
	if len(a.scopesSupported) > 0 {
		return append([]string(nil), a.scopesSupported...)
	}
	return append([]string(nil), a.cfg.RequiredScopes...)
}

// RequiredScopes returns the configured scope policy.
func (a *Authenticator) RequiredScopes() []string {
	return append([]string(nil), a.cfg.RequiredScopes...)
}

func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.iss),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	scopes := scopeClaim(claims)
	if !scopesSatisfied(scopes, a.cfg.RequiredScopes, a.cfg.ScopeModeAny) {
		return nil, ErrInsufficientScope
	}

	return &userInfo{sub: sub, scopes: scopes, claims: claims}, nil
}

// scopeClaim reads the space-delimited "scope" claim, falling back to the
// "scp" array some issuers emit.
func scopeClaim(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	var out []string
	if arr, ok := claims["scp"].([]any); ok {
		for _, e := range arr {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func scopesSatisfied(have, required []string, anyOf bool) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		found := slices.Contains(have, want)
		if anyOf && found {
			return true
		}
		if !anyOf && !found {
			return false
		}
	}
	return !anyOf
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-rest-gateway/internal/jwtauth"
)

// SecurityConfig describes how caller credentials are validated and what the
// transport advertises in its protected resource metadata.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"] if empty
	JWKSURL     string   // required for the manual authenticator, filled by discovery otherwise
	Leeway      time.Duration

	// ScopesSupported is advertised only. RequiredScopes is enforced.
	ScopesSupported []string
	RequiredScopes  []string
}

// Normalize fills defaults.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// Validate returns an error if required invariants are not met.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	dup.ScopesSupported = append([]string(nil), c.ScopesSupported...)
	dup.RequiredScopes = append([]string(nil), c.RequiredScopes...)
	return dup
}

// NewManualJWTAuthenticator constructs a JWT authenticator from this
// configuration without performing OIDC discovery. Issuer, at least one
// audience and JWKSURL are required.
func (c SecurityConfig) NewManualJWTAuthenticator(ctx context.Context) (SecurityProvider, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT authenticator")
	}

	cfg := &jwtauth.Config{
		Issuer:            cc.Issuer,
		ExpectedAudiences: append([]string(nil), cc.Audiences...),
		RequiredScopes:    append([]string(nil), cc.RequiredScopes...),
		AllowedAlgs:       append([]string(nil), cc.AllowedAlgs...),
		Leeway:            cc.Leeway,
	}
	a, err := jwtauth.NewStatic(ctx, cfg, cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	if len(cc.ScopesSupported) == 0 {
		cc.ScopesSupported = append([]string(nil), cc.RequiredScopes...)
	}
	return &adapter{a: a, sec: cc}, nil
}

// SecurityDescriptor exposes security configuration for transports to advertise.
type SecurityDescriptor interface{ SecurityConfig() SecurityConfig }

// SecurityProvider combines validation + descriptor. Returned by constructors.
type SecurityProvider interface {
	Authenticator
	SecurityDescriptor
}

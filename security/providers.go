package security

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/mcp-rest-gateway/callerauth"
	"github.com/ggoodman/mcp-rest-gateway/catalog"
)

// Provider produces credential material for one kind of security scheme.
//
// Satisfiable must not perform I/O. Apply may, and wraps acquisition
// failures in ErrAcquisition.
type Provider interface {
	Satisfiable(ctx context.Context, name string, scheme catalog.SecurityScheme) bool
	Apply(ctx context.Context, name string, scheme catalog.SecurityScheme, scopes []string, creds *Credentials) error
}

type apiKeyProvider struct {
	env env
}

func (p apiKeyProvider) Satisfiable(ctx context.Context, name string, scheme catalog.SecurityScheme) bool {
	_, ok := p.env.get(EnvAPIKey, name)
	return ok
}

func (p apiKeyProvider) Apply(ctx context.Context, name string, scheme catalog.SecurityScheme, _ []string, creds *Credentials) error {
	key, ok := p.env.get(EnvAPIKey, name)
	if !ok {
		return fmt.Errorf("no api key configured for %s", name)
	}
	switch scheme.In {
	case "header":
		creds.Header.Set(scheme.Name, key)
	case "query":
		creds.Query.Set(scheme.Name, key)
	case "cookie":
		creds.Cookies = append(creds.Cookies, &http.Cookie{Name: scheme.Name, Value: key})
	default:
		return fmt.Errorf("api key location %q is not supported", scheme.In)
	}
	return nil
}

type httpProvider struct {
	env env
}

func (p httpProvider) Satisfiable(ctx context.Context, name string, scheme catalog.SecurityScheme) bool {
	switch {
	case scheme.IsBearer():
		if _, ok := callerauth.Credential(ctx); ok {
			return true
		}
		_, ok := p.env.get(EnvBearerToken, name)
		return ok
	case scheme.IsBasic():
		_, okUser := p.env.get(EnvBasicUsername, name)
		_, okPass := p.env.lookup(EnvBasicPassword + EnvSuffix(name))
		return okUser && okPass
	}
	return false
}

func (p httpProvider) Apply(ctx context.Context, name string, scheme catalog.SecurityScheme, _ []string, creds *Credentials) error {
	switch {
	case scheme.IsBearer():
		if tok, ok := callerauth.Credential(ctx); ok {
			creds.SetBearer(tok)
			return nil
		}
		tok, ok := p.env.get(EnvBearerToken, name)
		if !ok {
			return fmt.Errorf("no bearer token configured for %s", name)
		}
		creds.SetBearer(tok)
	case scheme.IsBasic():
		user, _ := p.env.get(EnvBasicUsername, name)
		pass, _ := p.env.lookup(EnvBasicPassword + EnvSuffix(name))
		creds.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	default:
		return fmt.Errorf("http scheme %q is not supported", scheme.Scheme)
	}
	return nil
}

type oauth2Provider struct {
	env      env
	acquirer *Acquirer
}

func (p oauth2Provider) Satisfiable(ctx context.Context, name string, scheme catalog.SecurityScheme) bool {
	if _, ok := callerauth.Credential(ctx); ok {
		return true
	}
	if _, ok := p.env.get(EnvOAuthToken, name); ok {
		return true
	}
	grant, flow := scheme.Flows.TokenFlow()
	if flow == nil || !p.hasClient(name) {
		return false
	}
	if grant == "password" {
		_, okUser := p.env.get(EnvOAuthUsername, name)
		_, okPass := p.env.get(EnvOAuthPassword, name)
		return okUser && okPass
	}
	return true
}

func (p oauth2Provider) hasClient(name string) bool {
	_, okID := p.env.get(EnvOAuthClientID, name)
	_, okSecret := p.env.get(EnvOAuthClientSecret, name)
	return okID && okSecret
}

func (p oauth2Provider) Apply(ctx context.Context, name string, scheme catalog.SecurityScheme, _ []string, creds *Credentials) error {
	if tok, ok := callerauth.Credential(ctx); ok {
		creds.SetBearer(tok)
		return nil
	}
	if tok, ok := p.env.get(EnvOAuthToken, name); ok {
		creds.SetBearer(tok)
		return nil
	}

	grant, flow := scheme.Flows.TokenFlow()
	if flow == nil {
		return fmt.Errorf("%w: scheme %s declares no token flow", ErrAcquisition, name)
	}
	req := p.tokenRequest(name, grant, flow.TokenURL)
	tok, err := p.acquirer.Token(ctx, req)
	if err != nil {
		return err
	}
	creds.SetBearer(tok)
	return nil
}

func (p oauth2Provider) tokenRequest(name, grant, tokenURL string) TokenRequest {
	id, _ := p.env.get(EnvOAuthClientID, name)
	secret, _ := p.env.get(EnvOAuthClientSecret, name)
	req := TokenRequest{
		Scheme:       name,
		Grant:        grant,
		TokenURL:     tokenURL,
		ClientID:     id,
		ClientSecret: secret,
		Scopes:       p.env.scopes(name),
	}
	if grant == "password" {
		req.Username, _ = p.env.get(EnvOAuthUsername, name)
		req.Password, _ = p.env.get(EnvOAuthPassword, name)
	}
	return req
}

// oidcProvider acquires client-credentials tokens from the token endpoint
// advertised by the scheme's discovery document.
type oidcProvider struct {
	oauth  oauth2Provider
	client *http.Client

	mu        sync.Mutex
	endpoints map[string]string
}

func (p *oidcProvider) Satisfiable(ctx context.Context, name string, scheme catalog.SecurityScheme) bool {
	if _, ok := callerauth.Credential(ctx); ok {
		return true
	}
	if _, ok := p.oauth.env.get(EnvOpenIDToken, name); ok {
		return true
	}
	return scheme.OpenIDConnectURL != "" && p.oauth.hasClient(name)
}

func (p *oidcProvider) Apply(ctx context.Context, name string, scheme catalog.SecurityScheme, _ []string, creds *Credentials) error {
	if tok, ok := callerauth.Credential(ctx); ok {
		creds.SetBearer(tok)
		return nil
	}
	if tok, ok := p.oauth.env.get(EnvOpenIDToken, name); ok {
		creds.SetBearer(tok)
		return nil
	}

	tokenURL, err := p.tokenEndpoint(ctx, name, scheme.OpenIDConnectURL)
	if err != nil {
		return err
	}
	tok, err := p.oauth.acquirer.Token(ctx, p.oauth.tokenRequest(name, "client_credentials", tokenURL))
	if err != nil {
		return err
	}
	creds.SetBearer(tok)
	return nil
}

func (p *oidcProvider) tokenEndpoint(ctx context.Context, name, discoveryURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.endpoints[name]; ok {
		return u, nil
	}

	issuer := strings.TrimSuffix(strings.TrimRight(discoveryURL, "/"), "/.well-known/openid-configuration")
	provider, err := oidc.NewProvider(oidc.ClientContext(context.WithoutCancel(ctx), p.client), issuer)
	if err != nil {
		return "", fmt.Errorf("%w: discover %s: %w", ErrAcquisition, issuer, err)
	}
	u := provider.Endpoint().TokenURL
	if u == "" {
		return "", fmt.Errorf("%w: %s advertises no token endpoint", ErrAcquisition, issuer)
	}
	if p.endpoints == nil {
		p.endpoints = map[string]string{}
	}
	p.endpoints[name] = u
	return u, nil
}

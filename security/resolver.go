// Package security decides which credentials accompany an outbound request.
//
// A tool lists security requirements in order. Each requirement names one or
// more schemes that must all be applied together. The Resolver selects the
// first requirement whose schemes are all satisfiable and applies it. When no
// requirement is satisfiable the request goes out unauthenticated and the
// Resolution carries a warning; the upstream decides whether that is fatal.
//
// Once a requirement is selected the Resolver never falls through to a later
// one. If applying the selected requirement fails, typically because an
// OAuth2 token could not be acquired, the request is sent without
// credentials.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-rest-gateway/catalog"
	"github.com/ggoodman/mcp-rest-gateway/internal/metrics"
	"github.com/ggoodman/mcp-rest-gateway/storage"
	"github.com/ggoodman/mcp-rest-gateway/storage/memory"
)

// Resolution is the outcome of resolving one tool's requirements.
type Resolution struct {
	Credentials Credentials

	// Selected is the index of the applied requirement, or -1.
	Selected int

	// Warning is set when the request proceeds unauthenticated although the
	// tool declares requirements.
	Warning string
}

// Public reports whether the tool declared no requirements at all.
func (r Resolution) Public() bool {
	return r.Selected < 0 && r.Warning == ""
}

type config struct {
	lookup     LookupFunc
	httpClient *http.Client
	store      storage.Storage
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
	providers  map[catalog.SchemeType]Provider
}

// Option configures a Resolver.
type Option func(*config)

// WithLookup replaces os.LookupEnv as the source of per-scheme secrets.
func WithLookup(lookup LookupFunc) Option {
	return func(c *config) { c.lookup = lookup }
}

// WithHTTPClient sets the client used for token requests and OpenID
// discovery.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}

// WithTokenStorage sets the backend of the token cache. The default is an
// in-process LRU.
func WithTokenStorage(store storage.Storage) Option {
	return func(c *config) { c.store = store }
}

// WithClock replaces time.Now for token expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithProvider overrides the provider for one scheme type.
func WithProvider(t catalog.SchemeType, p Provider) Option {
	return func(c *config) {
		if c.providers == nil {
			c.providers = map[catalog.SchemeType]Provider{}
		}
		c.providers[t] = p
	}
}

// Resolver applies security requirements against a fixed scheme registry.
type Resolver struct {
	schemes   map[string]catalog.SecurityScheme
	providers map[catalog.SchemeType]Provider
	cache     *TokenCache
	logger    *slog.Logger

	// ownedStore is the default store, closed by Close. Caller supplied
	// stores belong to the caller.
	ownedStore storage.Storage
}

// NewResolver builds a Resolver for the given scheme registry.
func NewResolver(schemes map[string]catalog.SecurityScheme, opts ...Option) (*Resolver, error) {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	var owned storage.Storage
	if c.store == nil {
		store, err := memory.New(1024, memory.WithClock(c.now))
		if err != nil {
			return nil, fmt.Errorf("token cache: %w", err)
		}
		c.store, owned = store, store
	}

	e := newEnv(c.lookup)
	cache := NewTokenCache(c.store, c.now)
	acquirer := NewAcquirer(cache, c.httpClient, c.logger, c.metrics)
	oauth := oauth2Provider{env: e, acquirer: acquirer}

	providers := map[catalog.SchemeType]Provider{
		catalog.SchemeAPIKey:        apiKeyProvider{env: e},
		catalog.SchemeHTTP:          httpProvider{env: e},
		catalog.SchemeOAuth2:        oauth,
		catalog.SchemeOpenIDConnect: &oidcProvider{oauth: oauth, client: c.httpClient},
	}
	for t, p := range c.providers {
		providers[t] = p
	}

	return &Resolver{
		schemes:    schemes,
		providers:  providers,
		cache:      cache,
		logger:     c.logger,
		ownedStore: owned,
	}, nil
}

// Close releases the token store the resolver created for itself. A store
// passed with WithTokenStorage is left open.
func (r *Resolver) Close() error {
	if r.ownedStore == nil {
		return nil
	}
	return r.ownedStore.Close()
}

// TokenCache exposes the resolver's token cache.
func (r *Resolver) TokenCache() *TokenCache {
	return r.cache
}

// Resolve selects and applies the first satisfiable requirement.
func (r *Resolver) Resolve(ctx context.Context, reqs []catalog.Requirement) Resolution {
	res := Resolution{Credentials: newCredentials(), Selected: -1}
	if len(reqs) == 0 {
		return res
	}

	for i, req := range reqs {
		if !r.satisfiable(ctx, req) {
			continue
		}
		res.Selected = i
		if err := r.apply(ctx, req, &res.Credentials); err != nil {
			res.Credentials = newCredentials()
			res.Warning = fmt.Sprintf("security requirement %d could not be applied, sending unauthenticated: %v", i, err)
			level := slog.LevelError
			if errors.Is(err, ErrAcquisition) {
				level = slog.LevelWarn
			}
			r.logger.Log(ctx, level, "security.apply.fail", slog.Int("requirement", i), slog.String("err", err.Error()))
		}
		return res
	}

	res.Warning = fmt.Sprintf("none of %d security requirements is satisfiable, sending unauthenticated", len(reqs))
	r.logger.WarnContext(ctx, "security.unsatisfied", slog.Int("requirements", len(reqs)))
	return res
}

func (r *Resolver) satisfiable(ctx context.Context, req catalog.Requirement) bool {
	for _, name := range req.SchemeNames() {
		scheme, ok := r.schemes[name]
		if !ok {
			return false
		}
		p, ok := r.providers[scheme.Type]
		if !ok || !p.Satisfiable(ctx, name, scheme) {
			return false
		}
	}
	return true
}

func (r *Resolver) apply(ctx context.Context, req catalog.Requirement, creds *Credentials) error {
	for _, name := range req.SchemeNames() {
		scheme := r.schemes[name]
		if err := r.providers[scheme.Type].Apply(ctx, name, scheme, req[name], creds); err != nil {
			return fmt.Errorf("scheme %s: %w", name, err)
		}
	}
	return nil
}

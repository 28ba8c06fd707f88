package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-rest-gateway/internal/metrics"
	"github.com/ggoodman/mcp-rest-gateway/storage"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// ErrAcquisition wraps every failure to obtain an OAuth2 token.
var ErrAcquisition = errors.New("oauth2 token acquisition failed")

const (
	// ExpiryMargin is subtracted from every token lifetime so that a token
	// is refreshed before the upstream would reject it.
	ExpiryMargin = 60 * time.Second

	// DefaultExpiresIn is assumed when a token response has no expires_in.
	DefaultExpiresIn = 3600 * time.Second

	tokenNamespace = "oauth-tokens"
)

// Token is one cached access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenCache stores tokens keyed by scheme name and client id. Expiry is
// checked against the cache's clock on every lookup; an expired entry is
// removed and reported as a miss.
type TokenCache struct {
	store storage.Storage
	now   func() time.Time
}

// NewTokenCache returns a cache over store. A nil now means time.Now.
func NewTokenCache(store storage.Storage, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{store: store, now: now}
}

// CacheKey is the cache key of a scheme and client id.
func CacheKey(scheme, clientID string) string {
	return scheme + ":" + clientID
}

// Get returns the live token stored under key.
func (c *TokenCache) Get(ctx context.Context, key string) (Token, bool, error) {
	item, err := c.store.Get(ctx, key, storage.WithNamespace(tokenNamespace))
	if err != nil || item == nil {
		return Token{}, false, err
	}
	var tok Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return Token{}, false, fmt.Errorf("decode cached token: %w", err)
	}
	if !c.now().Before(tok.ExpiresAt) {
		_ = c.store.Delete(ctx, storage.WithNamespace(tokenNamespace), storage.WithKey(key))
		return Token{}, false, nil
	}
	return tok, true, nil
}

// Put stores tok under key, replacing any previous entry.
func (c *TokenCache) Put(ctx context.Context, key string, tok Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key, data,
		storage.WithNamespace(tokenNamespace),
		storage.WithTTL(tok.ExpiresAt.Sub(c.now())),
	)
}

// TokenRequest describes one machine token acquisition.
type TokenRequest struct {
	Scheme       string
	Grant        string // client_credentials or password
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Username     string
	Password     string
}

// Acquirer obtains OAuth2 tokens through the cache. Concurrent misses on the
// same key share one network request.
type Acquirer struct {
	cache   *TokenCache
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// NewAcquirer returns an Acquirer issuing token requests with client.
func NewAcquirer(cache *TokenCache, client *http.Client, logger *slog.Logger, m *metrics.Metrics) *Acquirer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Acquirer{cache: cache, client: client, logger: logger, metrics: m}
}

// Token returns a live access token for req, acquiring and caching one on a
// miss.
func (a *Acquirer) Token(ctx context.Context, req TokenRequest) (string, error) {
	key := CacheKey(req.Scheme, req.ClientID)

	if tok, ok, err := a.cache.Get(ctx, key); err != nil {
		a.logger.WarnContext(ctx, "oauth.cache.get.fail", slog.String("scheme", req.Scheme), slog.String("err", err.Error()))
	} else if ok {
		a.metrics.TokenAcquisition(req.Scheme, "cached")
		return tok.AccessToken, nil
	}

	v, err, _ := a.group.Do(key, func() (any, error) {
		if tok, ok, _ := a.cache.Get(ctx, key); ok {
			return tok.AccessToken, nil
		}
		return a.acquire(context.WithoutCancel(ctx), key, req)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *Acquirer) acquire(ctx context.Context, key string, req TokenRequest) (string, error) {
	start := time.Now()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)

	var (
		tok *oauth2.Token
		err error
	)
	switch req.Grant {
	case "password":
		cfg := &oauth2.Config{
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: req.TokenURL, AuthStyle: oauth2.AuthStyleInHeader},
			Scopes:       req.Scopes,
		}
		tok, err = cfg.PasswordCredentialsToken(ctx, req.Username, req.Password)
	default:
		cfg := &clientcredentials.Config{
			ClientID:     req.ClientID,
			ClientSecret: req.ClientSecret,
			TokenURL:     req.TokenURL,
			Scopes:       req.Scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		tok, err = cfg.Token(ctx)
	}
	if err == nil && tok.AccessToken == "" {
		err = errors.New("token response has no access_token")
	}
	if err != nil {
		a.metrics.TokenAcquisition(req.Scheme, "error")
		a.logger.WarnContext(ctx, "oauth.acquire.fail",
			slog.String("scheme", req.Scheme),
			slog.String("grant", req.Grant),
			slog.Duration("dur", time.Since(start)),
			slog.String("err", err.Error()))
		return "", fmt.Errorf("%w: scheme %s: %w", ErrAcquisition, req.Scheme, err)
	}

	now := a.cache.now()
	entry := Token{AccessToken: tok.AccessToken, ExpiresAt: now.Add(expiresIn(tok) - ExpiryMargin)}
	if err := a.cache.Put(ctx, key, entry); err != nil {
		a.logger.WarnContext(ctx, "oauth.cache.put.fail", slog.String("scheme", req.Scheme), slog.String("err", err.Error()))
	}

	a.metrics.TokenAcquisition(req.Scheme, "ok")
	a.logger.InfoContext(ctx, "oauth.acquire.ok",
		slog.String("scheme", req.Scheme),
		slog.String("grant", req.Grant),
		slog.Time("expires_at", entry.ExpiresAt),
		slog.Duration("dur", time.Since(start)))
	return tok.AccessToken, nil
}

func expiresIn(tok *oauth2.Token) time.Duration {
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry); d > 0 {
			return d
		}
	}
	return DefaultExpiresIn
}

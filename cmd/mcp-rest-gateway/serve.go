package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-rest-gateway/auth"
	"github.com/ggoodman/mcp-rest-gateway/catalog"
	"github.com/ggoodman/mcp-rest-gateway/dispatch"
	"github.com/ggoodman/mcp-rest-gateway/gateway"
	"github.com/ggoodman/mcp-rest-gateway/internal/config"
	"github.com/ggoodman/mcp-rest-gateway/internal/engine"
	"github.com/ggoodman/mcp-rest-gateway/internal/health"
	"github.com/ggoodman/mcp-rest-gateway/internal/logctx"
	"github.com/ggoodman/mcp-rest-gateway/internal/metrics"
	"github.com/ggoodman/mcp-rest-gateway/mcp"
	"github.com/ggoodman/mcp-rest-gateway/security"
	"github.com/ggoodman/mcp-rest-gateway/sessions"
	"github.com/ggoodman/mcp-rest-gateway/storage"
	"github.com/ggoodman/mcp-rest-gateway/storage/memory"
	redisstore "github.com/ggoodman/mcp-rest-gateway/storage/redis"
	"github.com/ggoodman/mcp-rest-gateway/streaminghttp"
)

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

// run serves until ctx is cancelled, then drains.
func run(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	logger := newLogger(cfg, logOut)
	slog.SetDefault(logger)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "catalog.load.ok", slog.String("path", cfg.CatalogPath), slog.Int("tools", len(cat.Tools)))

	m := metrics.New()

	store, storeCheck, closeStore, err := newTokenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	resolver, err := security.NewResolver(cat.SecuritySchemes,
		security.WithTokenStorage(store),
		security.WithLogger(logger),
		security.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	defer resolver.Close()
	executor := dispatch.New(
		dispatch.WithTimeout(cfg.UpstreamTimeout),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(m),
	)
	gw := gateway.New(cat, cfg.APIBaseURL, resolver, executor,
		gateway.WithLogger(logger),
		gateway.WithMetrics(m),
	)

	info := mcp.ImplementationInfo{Name: cfg.ServerName, Version: cfg.ServerVersion}
	mgr := sessions.NewManager(
		engine.Factory(gw,
			engine.WithServerInfo(info),
			engine.WithInstructions(cfg.ServerInstructions),
			engine.WithLogger(logger),
		),
		sessions.WithIdleTimeout(cfg.SessionIdleTimeout),
		sessions.WithLogger(logger),
		sessions.WithMetrics(m),
	)

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(logger),
		streaminghttp.WithServerInfo(info),
		streaminghttp.WithCredentialHeader(cfg.CredentialHeader),
		streaminghttp.WithToolCount(len(gw.Tools())),
	}
	if cfg.AuthEnabled() {
		authn, err := newAuthenticator(ctx, cfg)
		if err != nil {
			return fmt.Errorf("caller authentication: %w", err)
		}
		opts = append(opts, streaminghttp.WithAuthenticator(authn), streaminghttp.WithRealm(cfg.ServerName))
		logger.InfoContext(ctx, "auth.enabled", slog.String("issuer", cfg.AuthIssuer), slog.String("audience", cfg.Audience()))
	}
	h, err := streaminghttp.New(cfg.Endpoint(), mgr, opts...)
	if err != nil {
		return err
	}

	var checkOpts []health.Option
	if storeCheck != nil {
		checkOpts = append(checkOpts, health.WithCheck("token_cache", storeCheck))
	}
	hc := health.New(checkOpts...)

	mux := http.NewServeMux()
	hc.Register(mux)
	mux.Handle("/", h)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.InfoContext(ctx, "server.listen", slog.String("addr", cfg.ListenAddr), slog.String("endpoint", cfg.Endpoint()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.InfoContext(ctx, "metrics.listen", slog.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics listen: %w", err)
			}
		}()
	}

	hc.SetReady(true)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("server.shutdown.start")
	case runErr = <-errCh:
		logger.Error("server.fail", slog.String("err", runErr.Error()))
	}

	hc.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Closing sessions first ends their idle streams so Shutdown does not wait on them.
	mgr.CloseAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server.shutdown.fail", slog.String("err", err.Error()))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics.shutdown.fail", slog.String("err", err.Error()))
		}
	}
	logger.Info("server.shutdown.ok")
	return runErr
}

// newTokenStorage builds the OAuth token cache backend and, for Redis, a
// readiness probe.
func newTokenStorage(ctx context.Context, cfg *config.Config) (storage.Storage, health.CheckFunc, func(), error) {
	if cfg.TokenCache == "redis" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: cfg.TokenCacheKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return store, store.Ping, func() { _ = store.Close() }, nil
	}

	store, err := memory.New(cfg.TokenCacheSize)
	if err != nil {
		return nil, nil, nil, err
	}
	return store, nil, func() { _ = store.Close() }, nil
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.SecurityProvider, error) {
	scopes := cfg.RequiredScopes()
	if cfg.AuthJWKSURL != "" {
		return auth.SecurityConfig{
			Issuer:         cfg.AuthIssuer,
			Audiences:      []string{cfg.Audience()},
			JWKSURL:        cfg.AuthJWKSURL,
			RequiredScopes: scopes,
		}.NewManualJWTAuthenticator(ctx)
	}
	var opts []auth.AccessTokenAuthOption
	if len(scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(scopes...))
	}
	return auth.NewFromDiscovery(ctx, cfg.AuthIssuer, cfg.Audience(), opts...)
}

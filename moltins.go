// Package moltins is the public API for embedding the Moltins agent server.
//
// Hosts that need extra routes or cross-cutting middleware import this
// package instead of forking cmd/moltins:
//
//	app, err := moltins.New(ctx,
//	    moltins.WithVersion(version),
//	    moltins.WithLogger(logger),
//	    moltins.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports it.
package moltins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/moltins/moltins/api"
	"github.com/moltins/moltins/internal/auth"
	"github.com/moltins/moltins/internal/claim"
	"github.com/moltins/moltins/internal/config"
	"github.com/moltins/moltins/internal/ratelimit"
	"github.com/moltins/moltins/internal/server"
	"github.com/moltins/moltins/internal/storage"
	"github.com/moltins/moltins/internal/telemetry"
	"github.com/moltins/moltins/internal/twitter"
	"github.com/moltins/moltins/migrations"
)

// shutdownTimeout bounds the HTTP drain on Run's return.
const shutdownTimeout = 10 * time.Second

// App is the Moltins server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	keyCache     *auth.KeyCache
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
}

// New loads configuration from the environment, applies opts on top, connects
// to Postgres, applies migrations and wires every subsystem. It does not
// accept connections until Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolveOptions(opts)
	logger := o.logger

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := applyOverrides(&cfg, o); err != nil {
		return nil, err
	}

	logger.Info("moltins starting", "version", o.version, "port", cfg.Port, "app_url", cfg.AppURL)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     o.version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	// Cleans up everything opened so far if a later step fails.
	fail := func(err error) (*App, error) {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	db.RegisterPoolMetrics()

	// Applied files are tracked in schema_migrations, so this is a no-op on
	// an up-to-date database.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	limiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}

	claimSvc := claim.New(db, claim.Config{
		AppURL:            cfg.AppURL,
		MaxAgentsPerOwner: cfg.MaxAgentsPerOwner,
		SessionTTL:        cfg.ClaimSessionTTL,
		TweetMaxAge:       cfg.TweetMaxAge,
		OAuthTweetMaxAge:  cfg.OAuthTweetMaxAge,
	}, logger, verificationOptions(cfg, logger)...)

	// Adapt route registrars from the public RouteRegistrar to the server's format.
	var extraRoutes []func(*http.ServeMux, func(http.Handler) http.Handler)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, requireAgent func(http.Handler) http.Handler) {
			fn(mux, authHelper{requireAgent: requireAgent})
		})
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	keyCache := auth.NewKeyCache(cfg.KeyCacheTTL)
	srv := server.New(server.ServerConfig{
		Store:               db,
		ClaimSvc:            claimSvc,
		JWTMgr:              jwtMgr,
		KeyCache:            keyCache,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             o.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		keyCache:     keyCache,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
	}, nil
}

// Handler returns the root HTTP handler, for serving from a host's own listener.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run serves HTTP until ctx is cancelled or the listener fails. On return
// Shutdown has already run; callers should not call it again.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown drains in-flight requests, then releases the rate limiter, key
// cache, database pool and telemetry exporters.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("moltins shutting down")

	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, err)
	}
	if err := a.limiter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("rate limiter: %w", err))
	}
	a.keyCache.Close()
	a.db.Close()
	if err := a.otelShutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	a.logger.Info("moltins stopped")
	return errors.Join(errs...)
}

func applyOverrides(cfg *config.Config, o resolvedOptions) error {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.appURL != "" {
		// A callback derived from the old origin follows the new one.
		if cfg.TwitterCallbackURL == config.CallbackURL(cfg.AppURL) {
			cfg.TwitterCallbackURL = config.CallbackURL(o.appURL)
		}
		cfg.AppURL = o.appURL
	}
	return cfg.Validate()
}

// newLimiter picks the rate limit backend: Redis when REDIS_URL is set so
// limits hold across replicas, otherwise an in-process token bucket.
func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	if !cfg.RateLimitEnabled {
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, nil
	}
	if cfg.RedisURL != "" {
		l, err := ratelimit.NewFromURL(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: %w", err)
		}
		logger.Info("rate limiting: redis (sliding window)")
		return l, nil
	}
	logger.Info("rate limiting: memory (in-process token bucket)")
	return ratelimit.NewMemoryLimiter(), nil
}

// verificationOptions enables each verification strategy whose credentials
// are configured.
func verificationOptions(cfg config.Config, logger *slog.Logger) []claim.Option {
	var opts []claim.Option
	if cfg.TweetLookupEnabled() {
		opts = append(opts, claim.WithTweetLookup(twitter.NewLookupClient(twitter.LookupConfig{
			BaseURL: cfg.TwitterAPIBaseURL,
			APIKey:  cfg.TwitterAPIKey,
			Timeout: cfg.TwitterTimeout,
		}, logger)))
		logger.Info("verification by tweet URL: enabled")
	} else {
		logger.Warn("verification by tweet URL: disabled (no TWITTER_API_KEY)")
	}

	if cfg.OAuthEnabled() {
		opts = append(opts, claim.WithOAuth(twitter.NewOAuthClient(twitter.OAuthConfig{
			ClientID:     cfg.TwitterClientID,
			ClientSecret: cfg.TwitterClientSecret,
			CallbackURL:  cfg.TwitterCallbackURL,
			Timeout:      cfg.TwitterTimeout,
		}, logger)))
		logger.Info("verification by Twitter sign-in: enabled", "callback_url", cfg.TwitterCallbackURL)
	} else {
		logger.Warn("verification by Twitter sign-in: disabled (no TWITTER_CLIENT_ID)")
	}
	return opts
}

// authHelper adapts the server's auth middleware to the public AuthHelper.
type authHelper struct {
	requireAgent func(http.Handler) http.Handler
}

func (h authHelper) RequireAgent(next http.Handler) http.Handler { return h.requireAgent(next) }

func (authHelper) AgentID(r *http.Request) (uuid.UUID, bool) {
	p := server.PrincipalFromContext(r.Context())
	if p == nil {
		return uuid.Nil, false
	}
	return p.AgentID, true
}

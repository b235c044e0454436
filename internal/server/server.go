package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/moltins/moltins/internal/auth"
	"github.com/moltins/moltins/internal/claim"
	"github.com/moltins/moltins/internal/model"
	"github.com/moltins/moltins/internal/ratelimit"
)

// Store is the persistence the HTTP layer needs on top of the claim flow.
type Store interface {
	claim.Store
	Ping(ctx context.Context) error
	GetAgentByID(ctx context.Context, id uuid.UUID) (model.Agent, error)
	GetAgentsByKeyPrefix(ctx context.Context, prefix string) ([]model.Agent, error)
	TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Server is the Moltins HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): KeyCache, Limiter, OpenAPISpec, ExtraRoutes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Store    Store
	ClaimSvc *claim.Service
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	KeyCache *auth.KeyCache
	Limiter  ratelimit.Limiter

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Limits per client IP. Zero values fall back to the defaults below.
	RegisterLimit ratelimit.Rule
	AuthLimit     ratelimit.Rule
	ClaimLimit    ratelimit.Rule

	OpenAPISpec []byte

	// ExtraRoutes are called after the built-in routes are registered. They
	// share the mux and the whole middleware chain. requireAgent rejects
	// requests without valid agent credentials.
	ExtraRoutes []func(mux *http.ServeMux, requireAgent func(http.Handler) http.Handler)

	// Middlewares wrap the root handler, first-registered outermost.
	Middlewares []func(http.Handler) http.Handler
}

// Default rate limit rules.
var (
	DefaultRegisterLimit = ratelimit.Rule{Prefix: "register", Limit: 3, Window: time.Hour}
	DefaultAuthLimit     = ratelimit.Rule{Prefix: "auth", Limit: 20, Window: time.Minute}
	DefaultClaimLimit    = ratelimit.Rule{Prefix: "claim", Limit: 30, Window: time.Minute}
)

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NoopLimiter{}
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 64 * 1024
	}

	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		ClaimSvc:            cfg.ClaimSvc,
		JWTMgr:              cfg.JWTMgr,
		KeyCache:            cfg.KeyCache,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	registerRL := ratelimit.Middleware(cfg.Limiter, ruleOr(cfg.RegisterLimit, DefaultRegisterLimit),
		ratelimit.IPKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ruleOr(cfg.AuthLimit, DefaultAuthLimit),
		ratelimit.IPKeyFunc, reqIDFunc)
	claimRL := ratelimit.Middleware(cfg.Limiter, ruleOr(cfg.ClaimLimit, DefaultClaimLimit),
		ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Registration and token exchange (no auth, rate limited by IP).
	mux.Handle("POST /api/agents/register", registerRL(http.HandlerFunc(h.HandleRegister)))
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Authenticated agent profile.
	mux.Handle("GET /api/agents/me", requireAgent(http.HandlerFunc(h.HandleMe)))

	// Claim flow (no auth; the claim token in the path is the credential).
	mux.Handle("GET /api/claim/callback", claimRL(http.HandlerFunc(h.HandleClaimCallback)))
	mux.Handle("GET /api/claim/{token}", claimRL(http.HandlerFunc(h.HandleClaimInfo)))
	mux.Handle("GET /api/claim/{token}/twitter-auth", claimRL(http.HandlerFunc(h.HandleTwitterAuth)))
	mux.Handle("POST /api/claim/{token}/verify", claimRL(http.HandlerFunc(h.HandleVerifyClaim)))

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux, requireAgent)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler = recordRoute(mux)
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(h, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

func ruleOr(r, def ratelimit.Rule) ratelimit.Rule {
	if r.Limit <= 0 || r.Window <= 0 {
		return def
	}
	if r.Prefix == "" {
		r.Prefix = def.Prefix
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/moltins/moltins/internal/auth"
	"github.com/moltins/moltins/internal/claim"
	"github.com/moltins/moltins/internal/model"
	"github.com/moltins/moltins/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	claimSvc            *claim.Service
	jwtMgr              *auth.JWTManager
	keyCache            *auth.KeyCache
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): KeyCache, OpenAPISpec.
type HandlersDeps struct {
	Store               Store
	ClaimSvc            *claim.Service
	JWTMgr              *auth.JWTManager
	KeyCache            *auth.KeyCache
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		claimSvc:            d.ClaimSvc,
		jwtMgr:              d.JWTMgr,
		keyCache:            d.KeyCache,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

var errInvalidCredentials = errors.New("invalid credentials")

// authenticate resolves a bearer credential, either a raw API key or a JWT
// issued by /auth/token.
func (h *Handlers) authenticate(ctx context.Context, credential string) (*Principal, error) {
	p := &Principal{Method: "jwt"}
	if model.IsAPIKey(credential) {
		id, err := h.agentIDForKey(ctx, credential)
		if err != nil {
			return nil, err
		}
		p.AgentID, p.Method = id, "api_key"
	} else {
		if h.jwtMgr == nil {
			return nil, errInvalidCredentials
		}
		claims, err := h.jwtMgr.ValidateToken(credential)
		if err != nil {
			return nil, errInvalidCredentials
		}
		p.AgentID = claims.AgentID()
	}

	if err := h.store.TouchAgent(ctx, p.AgentID, time.Now().UTC()); err != nil {
		h.logger.Debug("auth: touch agent failed", "agent_id", p.AgentID, "error", err)
	}
	return p, nil
}

// agentIDForKey verifies a raw API key against the agents sharing its
// lookup prefix. A miss still pays for one Argon2 verification so response
// time does not reveal whether the prefix exists.
func (h *Handlers) agentIDForKey(ctx context.Context, rawKey string) (uuid.UUID, error) {
	if h.keyCache != nil {
		if id, ok := h.keyCache.Get(rawKey); ok {
			return id, nil
		}
	}

	prefix, err := model.ParseRawKey(rawKey)
	if err != nil {
		auth.DummyVerify()
		return uuid.Nil, errInvalidCredentials
	}
	candidates, err := h.store.GetAgentsByKeyPrefix(ctx, prefix)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup key prefix: %w", err)
	}
	if len(candidates) == 0 {
		auth.DummyVerify()
		return uuid.Nil, errInvalidCredentials
	}
	for _, a := range candidates {
		ok, verr := auth.VerifyAPIKey(rawKey, a.APIKeyHash)
		if verr != nil || !ok {
			continue
		}
		if h.keyCache != nil {
			h.keyCache.Set(rawKey, a.ID)
		}
		return a.ID, nil
	}
	return uuid.Nil, errInvalidCredentials
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	id, err := h.agentIDForKey(r.Context(), req.APIKey)
	if err != nil {
		if !errors.Is(err, errInvalidCredentials) {
			h.logger.Error("auth: key lookup failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	agent, ok := h.loadActiveAgent(w, r, id)
	if !ok {
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(agent)
	if err != nil {
		h.logger.Error("auth: issue token failed", "agent_id", agent.ID, "error", err)
		writeInternalError(w, r)
		return
	}
	h.logger.Info("auth: token issued", "agent_id", agent.ID, "expires_at", expiresAt)

	writeJSON(w, http.StatusOK, model.AuthTokenResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleMe handles GET /api/agents/me.
func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	agent, ok := h.loadActiveAgent(w, r, p.AgentID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, model.AgentProfileResponse{Success: true, Agent: agent})
}

// loadActiveAgent fetches the agent for an authenticated request and writes
// the failure response itself when the agent is gone or suspended.
func (h *Handlers) loadActiveAgent(w http.ResponseWriter, r *http.Request, id uuid.UUID) (model.Agent, bool) {
	agent, err := h.store.GetAgentByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return model.Agent{}, false
		}
		h.logger.Error("load agent failed", "agent_id", id, "error", err)
		writeInternalError(w, r)
		return model.Agent{}, false
	}
	if agent.Status == model.AgentSuspended {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "agent is suspended")
		return model.Agent{}, false
	}
	return agent, true
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

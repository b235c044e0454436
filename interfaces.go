package moltins

import (
	"net/http"

	"github.com/google/uuid"
)

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Added routes share the mux, the auth chain, and OTEL instrumentation with
// the built-in API. The function is called once during New, after the
// built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper gives added routes access to agent authentication without
// depending on internal packages.
type AuthHelper interface {
	// RequireAgent rejects requests that carry no valid agent API key or JWT.
	RequireAgent(next http.Handler) http.Handler
	// AgentID returns the authenticated agent, if any.
	AgentID(r *http.Request) (uuid.UUID, bool)
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler

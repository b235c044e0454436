package model

import "time"

// Error codes carried in the "code" field of failure responses.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeAlreadyClaimed      = "ALREADY_CLAIMED"
	ErrCodeTweetURLRequired    = "TWEET_URL_REQUIRED"
	ErrCodeInvalidTweetURL     = "INVALID_TWEET_URL"
	ErrCodeTweetUnavailable    = "TWEET_UNAVAILABLE"
	ErrCodeClaimLimitReached   = "CLAIM_LIMIT_REACHED"
	ErrCodeCodeNotFound        = "VERIFICATION_CODE_NOT_FOUND"
	ErrCodeTweetTooOld         = "TWEET_TOO_OLD"
	ErrCodeNotAuthenticated    = "NOT_AUTHENTICATED"
	ErrCodeTweetNotFound       = "TWEET_NOT_FOUND"
	ErrCodeVerificationMissing = "VERIFICATION_UNAVAILABLE"
)

// ErrorResponse is the flat body of every failed request.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Owner     string `json:"owner,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RegisterAgentRequest is the body of POST /api/agents/register.
type RegisterAgentRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Bio         string `json:"bio,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RegisteredAgent is the agent portion of a registration response. APIKey is
// present exactly once, here.
type RegisteredAgent struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	DisplayName      string `json:"display_name"`
	APIKey           string `json:"api_key"`
	ClaimURL         string `json:"claim_url"`
	VerificationCode string `json:"verification_code"`
}

// RegisterAgentResponse is the body of a successful registration.
type RegisterAgentResponse struct {
	Success       bool            `json:"success"`
	Agent         RegisteredAgent `json:"agent"`
	TweetTemplate string          `json:"tweet_template"`
	Important     string          `json:"important"`
}

// AgentSummary is the public view of an agent on the claim page.
type AgentSummary struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Bio         string `json:"bio,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ClaimInfoResponse is the body of GET /api/claim/{token}.
type ClaimInfoResponse struct {
	Success          bool         `json:"success"`
	Agent            AgentSummary `json:"agent"`
	VerificationCode string       `json:"verification_code"`
	TweetTemplate    string       `json:"tweet_template"`
	ClaimURL         string       `json:"claim_url"`
	TwitterAuthed    bool         `json:"twitter_authed"`
	TwitterHandle    string       `json:"twitter_handle,omitempty"`
}

// VerifyMethod selects the verification strategy for POST .../verify.
type VerifyMethod string

const (
	VerifyByTweetURL VerifyMethod = "tweet"
	VerifyByOAuth    VerifyMethod = "oauth"
)

// VerifyClaimRequest is the body of POST /api/claim/{token}/verify.
// An empty Method means VerifyByTweetURL.
type VerifyClaimRequest struct {
	Method   VerifyMethod `json:"method,omitempty"`
	TweetURL string       `json:"tweet_url,omitempty"`
}

// ClaimedAgent is the agent portion of a successful verification.
type ClaimedAgent struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	ProfileURL  string `json:"profile_url"`
}

// ClaimOwner is the owner portion of a successful verification.
type ClaimOwner struct {
	TwitterHandle string `json:"twitter_handle"`
	TwitterName   string `json:"twitter_name"`
}

// VerifyClaimResponse is the body of a successful verification.
type VerifyClaimResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Agent   ClaimedAgent `json:"agent"`
	Owner   ClaimOwner   `json:"owner"`
}

// AuthTokenRequest is the body of POST /auth/token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is returned on successful token exchange.
type AuthTokenResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AgentProfileResponse is the body of GET /api/agents/me.
type AgentProfileResponse struct {
	Success bool  `json:"success"`
	Agent   Agent `json:"agent"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

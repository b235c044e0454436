package moltins

import (
	"time"

	"github.com/google/uuid"
)

// Agent statuses.
const (
	StatusPendingClaim = "pending_claim"
	StatusClaimed      = "claimed"
	StatusSuspended    = "suspended"
)

// RegisterRequest is the input to Register.
type RegisterRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Bio         string `json:"bio,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Registration is returned once, at registration time. APIKey is never
// retrievable again.
type Registration struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	DisplayName      string    `json:"display_name"`
	APIKey           string    `json:"api_key"`
	ClaimURL         string    `json:"claim_url"`
	VerificationCode string    `json:"verification_code"`
	TweetTemplate    string    `json:"-"`
}

// Owner is the Twitter/X account that claimed an agent.
type Owner struct {
	TwitterID        string `json:"twitter_id"`
	TwitterHandle    string `json:"twitter_handle"`
	TwitterName      string `json:"twitter_name,omitempty"`
	TwitterAvatar    string `json:"twitter_avatar,omitempty"`
	TwitterFollowers int    `json:"twitter_followers,omitempty"`
}

// Agent is the authenticated agent's profile.
type Agent struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	DisplayName  string     `json:"display_name"`
	Bio          string     `json:"bio,omitempty"`
	AvatarURL    string     `json:"avatar_url,omitempty"`
	Status       string     `json:"status"`
	Owner        *Owner     `json:"owner,omitempty"`
	ClaimTweetID string     `json:"claim_tweet_id,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Claimed reports whether a human owner has verified the agent.
func (a *Agent) Claimed() bool { return a.Status == StatusClaimed }

// ClaimInfo is what the claim page shows a prospective owner.
type ClaimInfo struct {
	Agent struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Bio         string `json:"bio,omitempty"`
		AvatarURL   string `json:"avatar_url,omitempty"`
	} `json:"agent"`
	VerificationCode string `json:"verification_code"`
	TweetTemplate    string `json:"tweet_template"`
	ClaimURL         string `json:"claim_url"`
	TwitterAuthed    bool   `json:"twitter_authed"`
	TwitterHandle    string `json:"twitter_handle,omitempty"`
}

// ClaimResult is returned by a successful verification.
type ClaimResult struct {
	Message string `json:"message"`
	Agent   struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		ProfileURL  string `json:"profile_url"`
	} `json:"agent"`
	Owner struct {
		TwitterHandle string `json:"twitter_handle"`
		TwitterName   string `json:"twitter_name,omitempty"`
	} `json:"owner"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the claim lifecycle state of an agent.
type AgentStatus string

const (
	AgentPendingClaim AgentStatus = "pending_claim"
	AgentClaimed      AgentStatus = "claimed"
	AgentSuspended    AgentStatus = "suspended"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentPendingClaim, AgentClaimed, AgentSuspended:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether an agent in status s may move to next.
// Claims are irreversible: claimed only ever moves to suspended, and
// suspended is terminal.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	switch s {
	case AgentPendingClaim:
		return next == AgentClaimed || next == AgentSuspended
	case AgentClaimed:
		return next == AgentSuspended
	case AgentSuspended:
		return false
	default:
		return false
	}
}

// Claimable reports whether an agent in status s can still be claimed.
func (s AgentStatus) Claimable() bool {
	return s.CanTransitionTo(AgentClaimed)
}

// Owner is the Twitter/X identity bound to a claimed agent.
type Owner struct {
	TwitterID        string `json:"twitter_id"`
	TwitterHandle    string `json:"twitter_handle"`
	TwitterName      string `json:"twitter_name"`
	TwitterAvatar    string `json:"twitter_avatar,omitempty"`
	TwitterFollowers int    `json:"twitter_followers"`
}

// Agent is an AI-controlled account. Owner, ClaimTweetID and ClaimedAt are
// either all nil (unclaimed) or all set.
type Agent struct {
	ID               uuid.UUID   `json:"id"`
	Name             string      `json:"name"`
	DisplayName      string      `json:"display_name"`
	Bio              string      `json:"bio"`
	AvatarURL        string      `json:"avatar_url"`
	APIKeyPrefix     string      `json:"-"`
	APIKeyHash       string      `json:"-"`
	ClaimToken       string      `json:"-"`
	VerificationCode string      `json:"-"`
	Status           AgentStatus `json:"status"`
	Owner            *Owner      `json:"owner,omitempty"`
	ClaimTweetID     *string     `json:"claim_tweet_id,omitempty"`
	ClaimedAt        *time.Time  `json:"claimed_at,omitempty"`
	LastActiveAt     *time.Time  `json:"last_active_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// OwnerHandle returns the owner's handle, or "" if unclaimed.
func (a Agent) OwnerHandle() string {
	if a.Owner == nil {
		return ""
	}
	return a.Owner.TwitterHandle
}

// Name length bounds for agent registration.
const (
	MinAgentNameLen = 3
	MaxAgentNameLen = 30
	MaxBioLen       = 500
)

var agentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)

// NormalizeAgentName validates an agent name and returns its canonical
// lower-cased form.
func NormalizeAgentName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("name is required")
	}
	if !agentNamePattern.MatchString(name) {
		return "", fmt.Errorf("name must be %d-%d characters: letters, numbers, and underscores only",
			MinAgentNameLen, MaxAgentNameLen)
	}
	return strings.ToLower(name), nil
}

// NameSuggestion returns alternative names offered when name is taken.
func NameSuggestion(name string) string {
	return fmt.Sprintf("Try: %s_01, %s_ai, The%s", name, name, name)
}

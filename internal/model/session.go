package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the state of one OAuth claim handshake.
type SessionStatus string

const (
	SessionPending       SessionStatus = "pending"
	SessionTwitterAuthed SessionStatus = "twitter_authed"
	SessionCompleted     SessionStatus = "completed"
	SessionExpired       SessionStatus = "expired"
)

// CanTransitionTo reports whether a session in status s may move to next.
// Progression is strictly forward; completed and expired are terminal.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionPending:
		return next == SessionTwitterAuthed || next == SessionExpired
	case SessionTwitterAuthed:
		return next == SessionCompleted || next == SessionExpired
	case SessionCompleted, SessionExpired:
		return false
	default:
		return false
	}
}

// TwitterIdentity is the provider profile attached to a session after the
// OAuth callback, together with the tokens used to read recent tweets.
type TwitterIdentity struct {
	ID           string
	Handle       string
	Name         string
	Avatar       string
	Followers    int
	AccessToken  string
	RefreshToken string
}

// Owner converts the identity to the owner fields written on claim.
func (t TwitterIdentity) Owner() Owner {
	return Owner{
		TwitterID:        t.ID,
		TwitterHandle:    t.Handle,
		TwitterName:      t.Name,
		TwitterAvatar:    t.Avatar,
		TwitterFollowers: t.Followers,
	}
}

// ClaimSession is one OAuth2 PKCE attempt to claim an agent. The code
// verifier never leaves the server. Twitter is nil until the callback lands.
type ClaimSession struct {
	ID                uuid.UUID
	AgentID           uuid.UUID
	OAuthState        string
	OAuthCodeVerifier string
	Twitter           *TwitterIdentity
	Status            SessionStatus
	ExpiresAt         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LiveAt reports whether the session has not yet expired at now.
func (s ClaimSession) LiveAt(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

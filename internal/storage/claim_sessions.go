package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/moltins/moltins/internal/model"
)

// Expiry is enforced by filtering on the caller's notion of now: every
// live-flow read and write requires expires_at > now. Expired rows are never
// deleted.

const sessionColumns = `id, agent_id, oauth_state, oauth_code_verifier,
	twitter_id, twitter_handle, twitter_name, twitter_avatar, twitter_followers,
	twitter_access_token, twitter_refresh_token, status, expires_at, created_at, updated_at`

// CreateClaimSession inserts a pending OAuth session.
func (db *DB) CreateClaimSession(ctx context.Context, s model.ClaimSession) (model.ClaimSession, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.CreatedAt
	s.Status = model.SessionPending

	_, err := db.pool.Exec(ctx,
		`INSERT INTO claim_sessions (id, agent_id, oauth_state, oauth_code_verifier, status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.AgentID, s.OAuthState, s.OAuthCodeVerifier, string(s.Status), s.ExpiresAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "claim_sessions_oauth_state_key") {
			return model.ClaimSession{}, fmt.Errorf("storage: duplicate oauth state: %w", ErrConflict)
		}
		return model.ClaimSession{}, fmt.Errorf("storage: create claim session: %w", err)
	}
	return s, nil
}

// GetPendingSessionByState returns the pending, unexpired session for an
// OAuth state.
func (db *DB) GetPendingSessionByState(ctx context.Context, oauthState string, now time.Time) (model.ClaimSession, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM claim_sessions
		 WHERE oauth_state = $1 AND status = $2 AND expires_at > $3`,
		oauthState, string(model.SessionPending), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ClaimSession{}, fmt.Errorf("storage: pending session by state: %w", ErrNotFound)
		}
		return model.ClaimSession{}, fmt.Errorf("storage: get session by state: %w", err)
	}
	return s, nil
}

// AuthorizeSession attaches the provider identity and tokens to a pending
// session and moves it to twitter_authed. A session that is no longer
// pending, or has expired, returns ErrConflict.
func (db *DB) AuthorizeSession(ctx context.Context, id uuid.UUID, t model.TwitterIdentity, now time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE claim_sessions SET
		     twitter_id = $2,
		     twitter_handle = $3,
		     twitter_name = $4,
		     twitter_avatar = $5,
		     twitter_followers = $6,
		     twitter_access_token = $7,
		     twitter_refresh_token = $8,
		     status = $9,
		     updated_at = $10
		 WHERE id = $1 AND status = $11 AND expires_at > $10`,
		id, t.ID, t.Handle, t.Name, t.Avatar, t.Followers, t.AccessToken, t.RefreshToken,
		string(model.SessionTwitterAuthed), now, string(model.SessionPending),
	)
	if err != nil {
		return fmt.Errorf("storage: authorize session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: session %s not pending: %w", id, ErrConflict)
	}
	return nil
}

// GetLiveAuthedSession returns the agent's twitter_authed, unexpired session
// holding an access token. When several qualify, the one expiring last wins.
func (db *DB) GetLiveAuthedSession(ctx context.Context, agentID uuid.UUID, now time.Time) (model.ClaimSession, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM claim_sessions
		 WHERE agent_id = $1 AND status = $2 AND expires_at > $3
		   AND twitter_access_token IS NOT NULL AND twitter_access_token <> ''
		 ORDER BY expires_at DESC, created_at DESC
		 LIMIT 1`,
		agentID, string(model.SessionTwitterAuthed), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ClaimSession{}, fmt.Errorf("storage: live session for agent %s: %w", agentID, ErrNotFound)
		}
		return model.ClaimSession{}, fmt.Errorf("storage: get live session: %w", err)
	}
	return s, nil
}

func scanSession(row pgx.Row) (model.ClaimSession, error) {
	var (
		s                          model.ClaimSession
		status                     string
		twID, handle, name, avatar *string
		followers                  *int32
		accessToken, refreshToken  *string
	)
	err := row.Scan(
		&s.ID, &s.AgentID, &s.OAuthState, &s.OAuthCodeVerifier,
		&twID, &handle, &name, &avatar, &followers,
		&accessToken, &refreshToken, &status, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return model.ClaimSession{}, err
	}
	s.Status = model.SessionStatus(status)
	if twID != nil {
		s.Twitter = &model.TwitterIdentity{
			ID:           *twID,
			Handle:       deref(handle),
			Name:         deref(name),
			Avatar:       deref(avatar),
			AccessToken:  deref(accessToken),
			RefreshToken: deref(refreshToken),
		}
		if followers != nil {
			s.Twitter.Followers = int(*followers)
		}
	}
	return s, nil
}

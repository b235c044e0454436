package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/moltins/moltins/internal/model"
)

const agentColumns = `id, name, display_name, bio, avatar_url, api_key_prefix, api_key_hash,
	claim_token, verification_code, status,
	owner_twitter_id, owner_twitter_handle, owner_twitter_name, owner_twitter_avatar, owner_twitter_followers,
	claim_tweet_id, claimed_at, last_active_at, created_at, updated_at`

// ClaimParams are the owner fields written when an agent is claimed.
type ClaimParams struct {
	Owner     model.Owner
	TweetID   string
	ClaimedAt time.Time
}

// CreateAgent inserts a new pending_claim agent. A taken name returns an
// error wrapping ErrConflict.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = agent.CreatedAt
	if agent.Status == "" {
		agent.Status = model.AgentPendingClaim
	}
	if !agent.Status.Valid() {
		return model.Agent{}, fmt.Errorf("storage: create agent: unknown status %q", agent.Status)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, name, display_name, bio, avatar_url, api_key_prefix, api_key_hash,
		                     claim_token, verification_code, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		agent.ID, agent.Name, agent.DisplayName, agent.Bio, agent.AvatarURL,
		agent.APIKeyPrefix, agent.APIKeyHash, agent.ClaimToken, agent.VerificationCode,
		string(agent.Status), agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "agents_name_key") {
			return model.Agent{}, fmt.Errorf("storage: agent name %q taken: %w", agent.Name, ErrConflict)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgentByID returns the agent with the given ID.
func (db *DB) GetAgentByID(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName returns the agent with the given (lower-cased) name.
func (db *DB) GetAgentByName(ctx context.Context, name string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %q: %w", name, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by name: %w", err)
	}
	return a, nil
}

// GetAgentByClaimToken returns the agent whose claim link uses token.
func (db *DB) GetAgentByClaimToken(ctx context.Context, token string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE claim_token = $1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent by claim token: %w", ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent by claim token: %w", err)
	}
	return a, nil
}

// GetAgentsByKeyPrefix returns every agent whose API key starts with prefix.
// Prefixes are 32 random bits, so more than one row is rare but possible.
func (db *DB) GetAgentsByKeyPrefix(ctx context.Context, prefix string) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key_prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("storage: agents by key prefix: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgentsByOwner returns how many agents are bound to twitterID,
// including suspended ones.
func (db *DB) CountAgentsByOwner(ctx context.Context, twitterID string) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM agents WHERE owner_twitter_id = $1`, twitterID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count agents by owner: %w", err)
	}
	return n, nil
}

// ClaimAgent binds an owner to a pending_claim agent in one conditional
// UPDATE. If the agent is no longer pending_claim it returns ErrConflict and
// writes nothing.
func (db *DB) ClaimAgent(ctx context.Context, agentID uuid.UUID, p ClaimParams) error {
	return withRetry(ctx, func() error {
		return claimAgent(ctx, db.pool, agentID, p)
	})
}

// ClaimAgentWithSession claims the agent and marks the session completed in
// one transaction. Other open sessions of the agent are marked expired. A
// session that is not twitter_authed or whose expires_at is not after
// p.ClaimedAt yields ErrConflict and nothing is written.
func (db *DB) ClaimAgentWithSession(ctx context.Context, agentID, sessionID uuid.UUID, p ClaimParams) error {
	return withRetry(ctx, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := claimAgent(ctx, tx, agentID, p); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE claim_sessions SET status = $3, updated_at = $4
			 WHERE id = $1 AND agent_id = $2 AND status = $5 AND expires_at > $4`,
			sessionID, agentID, string(model.SessionCompleted), p.ClaimedAt, string(model.SessionTwitterAuthed),
		)
		if err != nil {
			return fmt.Errorf("storage: complete claim session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: claim session %s not authed or expired: %w", sessionID, ErrConflict)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE claim_sessions SET status = $3, updated_at = $4
			 WHERE agent_id = $1 AND id <> $2 AND status IN ($5, $6)`,
			agentID, sessionID, string(model.SessionExpired), p.ClaimedAt,
			string(model.SessionPending), string(model.SessionTwitterAuthed),
		); err != nil {
			return fmt.Errorf("storage: expire sibling sessions: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit claim tx: %w", err)
		}
		return nil
	})
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func claimAgent(ctx context.Context, q execer, agentID uuid.UUID, p ClaimParams) error {
	tag, err := q.Exec(ctx,
		`UPDATE agents SET
		     status = $2,
		     owner_twitter_id = $3,
		     owner_twitter_handle = $4,
		     owner_twitter_name = $5,
		     owner_twitter_avatar = $6,
		     owner_twitter_followers = $7,
		     claim_tweet_id = $8,
		     claimed_at = $9,
		     updated_at = $9
		 WHERE id = $1 AND status = $10`,
		agentID, string(model.AgentClaimed),
		p.Owner.TwitterID, p.Owner.TwitterHandle, p.Owner.TwitterName, p.Owner.TwitterAvatar, p.Owner.TwitterFollowers,
		p.TweetID, p.ClaimedAt, string(model.AgentPendingClaim),
	)
	if err != nil {
		return fmt.Errorf("storage: claim agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s not claimable: %w", agentID, ErrConflict)
	}
	return nil
}

// TouchAgent records authenticated activity.
func (db *DB) TouchAgent(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE agents SET last_active_at = $2 WHERE id = $1`, id, at,
	); err != nil {
		return fmt.Errorf("storage: touch agent: %w", err)
	}
	return nil
}

func scanAgent(row pgx.Row) (model.Agent, error) {
	var (
		a                                         model.Agent
		status                                    string
		ownerID, ownerHandle, ownerName, ownerAva *string
		ownerFollowers                            *int32
	)
	err := row.Scan(
		&a.ID, &a.Name, &a.DisplayName, &a.Bio, &a.AvatarURL, &a.APIKeyPrefix, &a.APIKeyHash,
		&a.ClaimToken, &a.VerificationCode, &status,
		&ownerID, &ownerHandle, &ownerName, &ownerAva, &ownerFollowers,
		&a.ClaimTweetID, &a.ClaimedAt, &a.LastActiveAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, err
	}
	a.Status = model.AgentStatus(status)
	if ownerID != nil {
		a.Owner = &model.Owner{
			TwitterID:     *ownerID,
			TwitterHandle: deref(ownerHandle),
			TwitterName:   deref(ownerName),
			TwitterAvatar: deref(ownerAva),
		}
		if ownerFollowers != nil {
			a.Owner.TwitterFollowers = int(*ownerFollowers)
		}
	}
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

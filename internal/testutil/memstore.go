package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moltins/moltins/internal/model"
	"github.com/moltins/moltins/internal/storage"
)

// MemStore is an in-memory stand-in for storage.DB. It returns the same
// sentinel errors and applies the same conditional-update rules, so service
// and handler tests can run without a container.
type MemStore struct {
	mu       sync.Mutex
	agents   map[uuid.UUID]model.Agent
	sessions map[uuid.UUID]model.ClaimSession
	pingErr  error
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		agents:   make(map[uuid.UUID]model.Agent),
		sessions: make(map[uuid.UUID]model.ClaimSession),
	}
}

func (m *MemStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

// SetPingErr makes Ping fail with err until reset with nil.
func (m *MemStore) SetPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

func (m *MemStore) CreateAgent(_ context.Context, a model.Agent) (model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.agents {
		if existing.Name == a.Name {
			return model.Agent{}, fmt.Errorf("memstore: agent name %q taken: %w", a.Name, storage.ErrConflict)
		}
		if existing.ClaimToken == a.ClaimToken {
			return model.Agent{}, fmt.Errorf("memstore: claim token reused: %w", storage.ErrConflict)
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	if a.Status == "" {
		a.Status = model.AgentPendingClaim
	}
	if !a.Status.Valid() {
		return model.Agent{}, fmt.Errorf("memstore: create agent: unknown status %q", a.Status)
	}
	m.agents[a.ID] = a
	return a, nil
}

func (m *MemStore) GetAgentByID(_ context.Context, id uuid.UUID) (model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return model.Agent{}, fmt.Errorf("memstore: agent %s: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

func (m *MemStore) GetAgentByName(_ context.Context, name string) (model.Agent, error) {
	return m.findAgent(func(a model.Agent) bool { return a.Name == name })
}

func (m *MemStore) GetAgentByClaimToken(_ context.Context, token string) (model.Agent, error) {
	return m.findAgent(func(a model.Agent) bool { return a.ClaimToken == token })
}

func (m *MemStore) findAgent(match func(model.Agent) bool) (model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if match(a) {
			return a, nil
		}
	}
	return model.Agent{}, fmt.Errorf("memstore: agent: %w", storage.ErrNotFound)
}

func (m *MemStore) GetAgentsByKeyPrefix(_ context.Context, prefix string) ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Agent
	for _, a := range m.agents {
		if a.APIKeyPrefix == prefix {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemStore) CountAgentsByOwner(_ context.Context, twitterID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.agents {
		if a.Owner != nil && a.Owner.TwitterID == twitterID {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ClaimAgent(_ context.Context, agentID uuid.UUID, p storage.ClaimParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimLocked(agentID, p)
}

func (m *MemStore) ClaimAgentWithSession(_ context.Context, agentID, sessionID uuid.UUID, p storage.ClaimParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.AgentID != agentID || !s.Status.CanTransitionTo(model.SessionCompleted) || !s.LiveAt(p.ClaimedAt) {
		return fmt.Errorf("memstore: claim session %s not authed or expired: %w", sessionID, storage.ErrConflict)
	}
	if err := m.claimLocked(agentID, p); err != nil {
		return err
	}
	s.Status = model.SessionCompleted
	s.UpdatedAt = p.ClaimedAt
	m.sessions[sessionID] = s

	for id, other := range m.sessions {
		if id == sessionID || other.AgentID != agentID {
			continue
		}
		if other.Status.CanTransitionTo(model.SessionExpired) {
			other.Status = model.SessionExpired
			other.UpdatedAt = p.ClaimedAt
			m.sessions[id] = other
		}
	}
	return nil
}

func (m *MemStore) claimLocked(agentID uuid.UUID, p storage.ClaimParams) error {
	a, ok := m.agents[agentID]
	if !ok || a.Status != model.AgentPendingClaim {
		return fmt.Errorf("memstore: agent %s not claimable: %w", agentID, storage.ErrConflict)
	}
	owner := p.Owner
	tweetID := p.TweetID
	claimedAt := p.ClaimedAt
	a.Status = model.AgentClaimed
	a.Owner = &owner
	a.ClaimTweetID = &tweetID
	a.ClaimedAt = &claimedAt
	a.UpdatedAt = claimedAt
	m.agents[agentID] = a
	return nil
}

func (m *MemStore) TouchAgent(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.LastActiveAt = &at
		m.agents[id] = a
	}
	return nil
}

func (m *MemStore) CreateClaimSession(_ context.Context, s model.ClaimSession) (model.ClaimSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.OAuthState == s.OAuthState {
			return model.ClaimSession{}, fmt.Errorf("memstore: duplicate oauth state: %w", storage.ErrConflict)
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.CreatedAt
	s.Status = model.SessionPending
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemStore) GetPendingSessionByState(_ context.Context, state string, now time.Time) (model.ClaimSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.OAuthState == state && s.Status == model.SessionPending && s.LiveAt(now) {
			return s, nil
		}
	}
	return model.ClaimSession{}, fmt.Errorf("memstore: pending session by state: %w", storage.ErrNotFound)
}

func (m *MemStore) AuthorizeSession(_ context.Context, id uuid.UUID, t model.TwitterIdentity, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.Status.CanTransitionTo(model.SessionTwitterAuthed) || !s.LiveAt(now) {
		return fmt.Errorf("memstore: session %s not pending: %w", id, storage.ErrConflict)
	}
	s.Twitter = &t
	s.Status = model.SessionTwitterAuthed
	s.UpdatedAt = now
	m.sessions[id] = s
	return nil
}

func (m *MemStore) GetLiveAuthedSession(_ context.Context, agentID uuid.UUID, now time.Time) (model.ClaimSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []model.ClaimSession
	for _, s := range m.sessions {
		if s.AgentID == agentID && s.Status == model.SessionTwitterAuthed && s.LiveAt(now) &&
			s.Twitter != nil && s.Twitter.AccessToken != "" {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return model.ClaimSession{}, fmt.Errorf("memstore: live session for agent %s: %w", agentID, storage.ErrNotFound)
	}
	best := slices.MaxFunc(live, func(a, b model.ClaimSession) int {
		if c := a.ExpiresAt.Compare(b.ExpiresAt); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return best, nil
}

// Sessions returns a snapshot of every session for agentID.
func (m *MemStore) Sessions(agentID uuid.UUID) []model.ClaimSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ClaimSession
	for _, s := range m.sessions {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out
}

// PutSession stores s as-is, bypassing the pending-only create path. Tests use
// it to seed sessions in arbitrary states.
func (m *MemStore) PutSession(s model.ClaimSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// PutAgent stores a as-is.
func (m *MemStore) PutAgent(a model.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = a
}

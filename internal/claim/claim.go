// Package claim binds agents to the humans who own them.
//
// An agent registers and receives a claim link. Its owner proves control of a
// Twitter/X account either by pasting the URL of a public tweet carrying the
// agent's verification code, or by signing in with OAuth2 PKCE and letting the
// service scan their recent tweets. A successful verification moves the agent
// from pending_claim to claimed exactly once.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/moltins/moltins/internal/auth"
	"github.com/moltins/moltins/internal/claimcode"
	"github.com/moltins/moltins/internal/model"
	"github.com/moltins/moltins/internal/storage"
	"github.com/moltins/moltins/internal/telemetry"
	"github.com/moltins/moltins/internal/twitter"
)

// Store is the persistence the service needs. *storage.DB implements it.
type Store interface {
	CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
	GetAgentByName(ctx context.Context, name string) (model.Agent, error)
	GetAgentByClaimToken(ctx context.Context, token string) (model.Agent, error)
	CountAgentsByOwner(ctx context.Context, twitterID string) (int, error)
	ClaimAgent(ctx context.Context, agentID uuid.UUID, p storage.ClaimParams) error
	ClaimAgentWithSession(ctx context.Context, agentID, sessionID uuid.UUID, p storage.ClaimParams) error

	CreateClaimSession(ctx context.Context, s model.ClaimSession) (model.ClaimSession, error)
	GetPendingSessionByState(ctx context.Context, oauthState string, now time.Time) (model.ClaimSession, error)
	AuthorizeSession(ctx context.Context, id uuid.UUID, identity model.TwitterIdentity, now time.Time) error
	GetLiveAuthedSession(ctx context.Context, agentID uuid.UUID, now time.Time) (model.ClaimSession, error)
}

// TweetLookup fetches a public tweet by id.
type TweetLookup interface {
	GetTweetByID(ctx context.Context, id string) (twitter.Tweet, error)
}

// OAuthProvider is the OAuth2 PKCE side of the Twitter API.
type OAuthProvider interface {
	AuthCodeURL(state, codeChallenge string) string
	Exchange(ctx context.Context, code, codeVerifier string) (twitter.Token, error)
	GetUser(ctx context.Context, accessToken string) (twitter.User, error)
	RecentTweets(ctx context.Context, accessToken, userID string) ([]twitter.Tweet, error)
}

// Defaults applied by New to zero Config fields.
const (
	DefaultAppURL            = "https://moltins.com"
	DefaultMaxAgentsPerOwner = 5
	DefaultSessionTTL        = 10 * time.Minute
	DefaultTweetMaxAge       = 24 * time.Hour
	DefaultOAuthTweetMaxAge  = time.Hour
)

// Config holds claim policy.
type Config struct {
	AppURL            string
	MaxAgentsPerOwner int
	SessionTTL        time.Duration
	TweetMaxAge       time.Duration
	OAuthTweetMaxAge  time.Duration
}

// Service runs every claim operation. Lookup or OAuth may be nil, which
// disables the corresponding verification strategy.
type Service struct {
	store  Store
	lookup TweetLookup
	oauth  OAuthProvider
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	finalized metric.Int64Counter
	rejected  metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now. Tests use it to pin staleness and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTweetLookup enables verification by tweet URL.
func WithTweetLookup(l TweetLookup) Option {
	return func(s *Service) { s.lookup = l }
}

// WithOAuth enables verification by Twitter sign-in.
func WithOAuth(p OAuthProvider) Option {
	return func(s *Service) { s.oauth = p }
}

// New creates a Service.
func New(store Store, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.AppURL == "" {
		cfg.AppURL = DefaultAppURL
	}
	cfg.AppURL = strings.TrimRight(strings.TrimSpace(cfg.AppURL), "/")
	if cfg.MaxAgentsPerOwner <= 0 {
		cfg.MaxAgentsPerOwner = DefaultMaxAgentsPerOwner
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.TweetMaxAge <= 0 {
		cfg.TweetMaxAge = DefaultTweetMaxAge
	}
	if cfg.OAuthTweetMaxAge <= 0 {
		cfg.OAuthTweetMaxAge = DefaultOAuthTweetMaxAge
	}

	s := &Service{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	meter := telemetry.Meter("moltins/claim")
	var err error
	if s.finalized, err = meter.Int64Counter("moltins.claims.finalized",
		metric.WithDescription("Agents successfully claimed")); err != nil {
		logger.Warn("claim: finalized counter not registered", "error", err)
	}
	if s.rejected, err = meter.Int64Counter("moltins.claims.rejected",
		metric.WithDescription("Verification attempts rejected, by code")); err != nil {
		logger.Warn("claim: rejected counter not registered", "error", err)
	}
	return s
}

// Config returns the effective configuration after defaults.
func (s *Service) Config() Config { return s.cfg }

// TweetLookupEnabled reports whether tweet-URL verification is available.
func (s *Service) TweetLookupEnabled() bool { return s.lookup != nil }

// OAuthEnabled reports whether Twitter sign-in verification is available.
func (s *Service) OAuthEnabled() bool { return s.oauth != nil }

// ClaimURL is the human-facing claim page for token.
func (s *Service) ClaimURL(token string) string {
	return s.cfg.AppURL + "/claim/" + url.PathEscape(token)
}

// ProfileURL is the public profile page of an agent.
func (s *Service) ProfileURL(name string) string {
	return s.cfg.AppURL + "/" + url.PathEscape(name)
}

// TweetTemplate is the pre-filled tweet the owner posts.
func (s *Service) TweetTemplate(agent model.Agent) string {
	return fmt.Sprintf("I'm claiming my AI agent \"%s\" on @moltins_ai 🤖📸\n\nVerification: %s\n\n%s",
		agent.DisplayName, agent.VerificationCode, s.ClaimURL(agent.ClaimToken))
}

// RegisterInput is a validated-on-use registration request.
type RegisterInput struct {
	Name        string
	DisplayName string
	Bio         string
	AvatarURL   string
}

// Registration is returned once, at registration. APIKey is never
// retrievable again.
type Registration struct {
	Agent         model.Agent
	APIKey        string
	ClaimURL      string
	TweetTemplate string
}

const maxDisplayNameLen = 50

// Register creates a pending_claim agent and issues its claim link.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Registration, error) {
	name, err := model.NormalizeAgentName(in.Name)
	if err != nil {
		return Registration{}, errInput(model.ErrCodeInvalidInput, "Invalid name", capitalize(err.Error()))
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = strings.TrimSpace(in.Name)
	}
	if len([]rune(display)) > maxDisplayNameLen {
		return Registration{}, errInput(model.ErrCodeInvalidInput, "Invalid display name",
			fmt.Sprintf("Display name must be at most %d characters.", maxDisplayNameLen))
	}
	bio := strings.TrimSpace(in.Bio)
	if len([]rune(bio)) > model.MaxBioLen {
		return Registration{}, errInput(model.ErrCodeInvalidInput, "Invalid bio",
			fmt.Sprintf("Bio must be at most %d characters.", model.MaxBioLen))
	}
	avatar := strings.TrimSpace(in.AvatarURL)
	if avatar != "" {
		if u, err := url.Parse(avatar); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return Registration{}, errInput(model.ErrCodeInvalidInput, "Invalid avatar URL",
				"Avatar URL must be an absolute http(s) URL.")
		}
	}

	if _, err := s.store.GetAgentByName(ctx, name); err == nil {
		return Registration{}, errNameTaken(strings.TrimSpace(in.Name))
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Registration{}, errInternal(err)
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		return Registration{}, errInternal(err)
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		return Registration{}, errInternal(err)
	}
	token, err := claimcode.GenerateClaimToken()
	if err != nil {
		return Registration{}, errInternal(err)
	}
	code, err := claimcode.GenerateVerificationCode()
	if err != nil {
		return Registration{}, errInternal(err)
	}

	agent, err := s.store.CreateAgent(ctx, model.Agent{
		Name:             name,
		DisplayName:      display,
		Bio:              bio,
		AvatarURL:        avatar,
		APIKeyPrefix:     prefix,
		APIKeyHash:       hash,
		ClaimToken:       token,
		VerificationCode: code,
		Status:           model.AgentPendingClaim,
		CreatedAt:        s.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Registration{}, errNameTaken(strings.TrimSpace(in.Name))
		}
		return Registration{}, errInternal(err)
	}

	s.logger.Info("agent registered", "agent_id", agent.ID, "name", agent.Name)
	return Registration{
		Agent:         agent,
		APIKey:        rawKey,
		ClaimURL:      s.ClaimURL(token),
		TweetTemplate: s.TweetTemplate(agent),
	}, nil
}

func errNameTaken(name string) *Error {
	return &Error{
		Kind:    KindConflict,
		Code:    model.ErrCodeConflict,
		Label:   "Name already taken",
		Message: fmt.Sprintf("An agent named %q already exists.", strings.ToLower(name)),
		Hint:    model.NameSuggestion(name),
	}
}

// Info is the claim page payload.
type Info struct {
	Agent         model.Agent
	ClaimURL      string
	TweetTemplate string
	TwitterAuthed bool
	TwitterHandle string
}

// Info returns what the claim page shows for token. It never writes.
func (s *Service) Info(ctx context.Context, token string) (Info, error) {
	agent, err := s.claimableAgent(ctx, token)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		Agent:         agent,
		ClaimURL:      s.ClaimURL(token),
		TweetTemplate: s.TweetTemplate(agent),
	}

	sess, err := s.store.GetLiveAuthedSession(ctx, agent.ID, s.now())
	switch {
	case err == nil && sess.Twitter != nil:
		info.TwitterAuthed = true
		info.TwitterHandle = sess.Twitter.Handle
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return Info{}, errInternal(err)
	}
	return info, nil
}

// claimableAgent resolves token to a pending_claim agent or returns the
// NotFound / AlreadyClaimed error the caller should surface.
func (s *Service) claimableAgent(ctx context.Context, token string) (model.Agent, error) {
	if !claimcode.IsClaimToken(token) {
		return model.Agent{}, errInvalidLink()
	}
	agent, err := s.store.GetAgentByClaimToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Agent{}, errInvalidLink()
		}
		return model.Agent{}, errInternal(err)
	}
	if !agent.Status.Claimable() {
		return model.Agent{}, errAlreadyClaimed(agent.OwnerHandle())
	}
	return agent, nil
}

func (s *Service) recordRejection(ctx context.Context, strategy string, err error) {
	var ce *Error
	if s.rejected == nil || !errors.As(err, &ce) {
		return
	}
	s.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("code", ce.Code),
	))
}

func (s *Service) recordFinalized(ctx context.Context, strategy string) {
	if s.finalized == nil {
		return
	}
	s.finalized.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:] + "."
}

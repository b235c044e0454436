package claim

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/moltins/moltins/internal/model"
	"github.com/moltins/moltins/internal/storage"
	"github.com/moltins/moltins/internal/twitter"
)

// Redirect flags appended to the claim page as ?error=<flag>.
const (
	FlagInvalid         = "invalid"
	FlagAlreadyClaimed  = "already_claimed"
	FlagOAuthFailed     = "oauth_failed"
	FlagOAuthDenied     = "oauth_denied"
	FlagInvalidCallback = "invalid_callback"
	FlagInvalidState    = "invalid_state"
	FlagSessionExpired  = "session_expired"
)

// BeginOAuth opens a pending claim session for token and returns the
// provider authorization URL to redirect the browser to.
func (s *Service) BeginOAuth(ctx context.Context, token string) (string, error) {
	if s.oauth == nil {
		return "", errStrategyDisabled("Twitter sign-in")
	}
	agent, err := s.claimableAgent(ctx, token)
	if err != nil {
		return "", err
	}

	verifier, challenge := twitter.GeneratePKCE()
	state, err := twitter.GenerateOAuthState()
	if err != nil {
		return "", errInternal(err)
	}

	now := s.now()
	sess, err := s.store.CreateClaimSession(ctx, model.ClaimSession{
		AgentID:           agent.ID,
		OAuthState:        state,
		OAuthCodeVerifier: verifier,
		Status:            model.SessionPending,
		ExpiresAt:         now.Add(s.cfg.SessionTTL).UTC(),
		CreatedAt:         now.UTC(),
	})
	if err != nil {
		return "", errInternal(err)
	}

	s.logger.Debug("claim: oauth session opened", "agent_id", agent.ID, "session_id", sess.ID)
	return s.oauth.AuthCodeURL(twitter.ComposeState(state, token), challenge), nil
}

// BeginOAuthErrorRedirect is where a failed BeginOAuth sends the browser.
func (s *Service) BeginOAuthErrorRedirect(token string, err error) string {
	flag := FlagOAuthFailed
	var ce *Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case KindNotFound:
			flag = FlagInvalid
		case KindClaimed:
			flag = FlagAlreadyClaimed
		}
	}
	return s.claimRedirect(token, "error", flag)
}

// CallbackInput is the query of the provider's redirect back to us.
type CallbackInput struct {
	Code  string
	State string
	Error string
}

// HandleCallback completes the provider leg of the OAuth handshake and
// returns the URL to redirect the browser to. On success the pending session
// carries the Twitter identity and tokens; the agent row is never touched.
func (s *Service) HandleCallback(ctx context.Context, in CallbackInput) string {
	if in.Error != "" {
		// The provider already reported the denial; nothing is written.
		_, token, _ := strings.Cut(in.State, ":")
		if token == "" {
			return s.appRedirect(FlagOAuthDenied)
		}
		return s.claimRedirect(token, "error", FlagOAuthDenied)
	}
	if in.Code == "" || in.State == "" {
		return s.appRedirect(FlagInvalidCallback)
	}

	oauthState, token, err := twitter.ParseState(in.State)
	if err != nil {
		return s.appRedirect(FlagInvalidState)
	}
	if s.oauth == nil {
		return s.claimRedirect(token, "error", FlagOAuthFailed)
	}

	now := s.now()
	sess, err := s.store.GetPendingSessionByState(ctx, oauthState, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.claimRedirect(token, "error", FlagSessionExpired)
		}
		s.logger.Error("claim: callback session lookup failed", "error", err)
		return s.claimRedirect(token, "error", FlagOAuthFailed)
	}

	// The claim token half of the state is caller-supplied; it must name the
	// agent the session was opened for.
	agent, err := s.store.GetAgentByClaimToken(ctx, token)
	if err != nil || agent.ID != sess.AgentID {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("claim: callback agent lookup failed", "error", err)
		}
		return s.appRedirect(FlagInvalidState)
	}
	if !sess.Status.CanTransitionTo(model.SessionTwitterAuthed) {
		return s.claimRedirect(token, "error", FlagSessionExpired)
	}

	tok, err := s.oauth.Exchange(ctx, in.Code, sess.OAuthCodeVerifier)
	if err != nil {
		s.logger.Warn("claim: token exchange failed", "session_id", sess.ID, "error", err)
		return s.claimRedirect(token, "error", FlagOAuthFailed)
	}
	user, err := s.oauth.GetUser(ctx, tok.AccessToken)
	if err != nil {
		s.logger.Warn("claim: twitter user fetch failed", "session_id", sess.ID, "error", err)
		return s.claimRedirect(token, "error", FlagOAuthFailed)
	}

	identity := model.TwitterIdentity{
		ID:           user.ID,
		Handle:       user.Handle,
		Name:         user.Name,
		Avatar:       user.AvatarURL,
		Followers:    user.Followers,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if err := s.store.AuthorizeSession(ctx, sess.ID, identity, s.now()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return s.claimRedirect(token, "error", FlagSessionExpired)
		}
		s.logger.Error("claim: authorize session failed", "session_id", sess.ID, "error", err)
		return s.claimRedirect(token, "error", FlagOAuthFailed)
	}

	s.logger.Info("claim: twitter account connected",
		"agent_id", sess.AgentID, "session_id", sess.ID, "twitter_handle", user.Handle)
	return s.claimRedirect(token, "twitter_authed", "true")
}

func (s *Service) claimRedirect(token, key, value string) string {
	return s.ClaimURL(token) + "?" + url.Values{key: {value}}.Encode()
}

func (s *Service) appRedirect(flag string) string {
	return s.cfg.AppURL + "?" + url.Values{"error": {flag}}.Encode()
}

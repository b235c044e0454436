package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/moltins/moltins/internal/model"
	"github.com/moltins/moltins/internal/storage"
	"github.com/moltins/moltins/internal/twitter"
)

const (
	strategyTweet = "tweet"
	strategyOAuth = "oauth"
)

// Verification describes a completed claim.
type Verification struct {
	Agent      model.Agent
	Owner      model.Owner
	TweetID    string
	ProfileURL string
}

// VerifyTweet claims the agent behind token using the public tweet at
// tweetURL. Checks run in a fixed order: format errors surface before any
// network call, and the owner's claim cap is checked before tweet content.
func (s *Service) VerifyTweet(ctx context.Context, token, tweetURL string) (Verification, error) {
	v, err := s.verifyTweet(ctx, token, tweetURL)
	if err != nil {
		s.recordRejection(ctx, strategyTweet, err)
		return Verification{}, err
	}
	s.recordFinalized(ctx, strategyTweet)
	return v, nil
}

func (s *Service) verifyTweet(ctx context.Context, token, tweetURL string) (Verification, error) {
	if s.lookup == nil {
		return Verification{}, errStrategyDisabled("Tweet URL")
	}
	if tweetURL == "" {
		return Verification{}, errInput(model.ErrCodeTweetURLRequired, "Tweet URL is required",
			"Provide the URL of the tweet containing your verification code.")
	}
	tweetID, ok := twitter.ExtractTweetID(tweetURL)
	if !ok {
		return Verification{}, errInput(model.ErrCodeInvalidTweetURL, "Invalid tweet URL",
			"Please provide a valid Twitter/X post URL")
	}

	agent, err := s.claimableAgent(ctx, token)
	if err != nil {
		return Verification{}, err
	}

	tweet, err := s.lookup.GetTweetByID(ctx, tweetID)
	if err != nil {
		s.logger.Warn("claim: tweet lookup failed", "agent_id", agent.ID, "tweet_id", tweetID, "error", err)
		return Verification{}, errTweetUnavailable(err)
	}

	if err := s.checkOwnerCap(ctx, tweet.Author.ID); err != nil {
		return Verification{}, err
	}

	if !twitter.ContainsCode(tweet.Text, agent.VerificationCode) {
		return Verification{}, &Error{
			Kind:    KindPolicy,
			Code:    model.ErrCodeCodeNotFound,
			Label:   "Verification code not found",
			Message: "The tweet does not contain the verification code: " + agent.VerificationCode,
			Hint:    "Make sure your tweet includes the exact verification code.",
		}
	}

	now := s.now()
	if now.Sub(tweet.CreatedAt) > s.cfg.TweetMaxAge {
		return Verification{}, errTweetTooOld(s.cfg.TweetMaxAge)
	}

	owner := model.Owner{
		TwitterID:        tweet.Author.ID,
		TwitterHandle:    tweet.Author.Handle,
		TwitterName:      tweet.Author.Name,
		TwitterAvatar:    tweet.Author.AvatarURL,
		TwitterFollowers: tweet.Author.Followers,
	}
	p := storage.ClaimParams{Owner: owner, TweetID: tweet.ID, ClaimedAt: now.UTC()}
	if err := s.store.ClaimAgent(ctx, agent.ID, p); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Verification{}, s.reloadClaimed(ctx, token)
		}
		return Verification{}, errInternal(err)
	}
	return s.finish(agent, p, strategyTweet), nil
}

// VerifyOAuth claims the agent behind token using the Twitter account
// attached to its live OAuth session. The verification tweet is found by
// scanning that account's recent tweets.
func (s *Service) VerifyOAuth(ctx context.Context, token string) (Verification, error) {
	v, err := s.verifyOAuth(ctx, token)
	if err != nil {
		s.recordRejection(ctx, strategyOAuth, err)
		return Verification{}, err
	}
	s.recordFinalized(ctx, strategyOAuth)
	return v, nil
}

func (s *Service) verifyOAuth(ctx context.Context, token string) (Verification, error) {
	if s.oauth == nil {
		return Verification{}, errStrategyDisabled("Twitter sign-in")
	}

	agent, err := s.claimableAgent(ctx, token)
	if err != nil {
		return Verification{}, err
	}

	sess, err := s.store.GetLiveAuthedSession(ctx, agent.ID, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Verification{}, errNotAuthenticated()
		}
		return Verification{}, errInternal(err)
	}
	if !sess.Status.CanTransitionTo(model.SessionCompleted) || sess.Twitter == nil || sess.Twitter.AccessToken == "" {
		return Verification{}, errNotAuthenticated()
	}
	identity := *sess.Twitter

	if err := s.checkOwnerCap(ctx, identity.ID); err != nil {
		return Verification{}, err
	}

	tweets, err := s.oauth.RecentTweets(ctx, identity.AccessToken, identity.ID)
	if err != nil {
		s.logger.Warn("claim: recent tweets failed", "agent_id", agent.ID, "twitter_id", identity.ID, "error", err)
		return Verification{}, errTweetUnavailable(err)
	}

	tweet, ok := twitter.FindVerificationTweet(tweets, agent.VerificationCode)
	if !ok {
		return Verification{}, &Error{
			Kind:    KindPolicy,
			Code:    model.ErrCodeTweetNotFound,
			Label:   "Verification tweet not found",
			Message: "None of your recent tweets contain the verification code: " + agent.VerificationCode,
			Hint:    "Post the tweet from the claim page, then verify again.",
		}
	}

	now := s.now()
	if now.Sub(tweet.CreatedAt) > s.cfg.OAuthTweetMaxAge {
		return Verification{}, errTweetTooOld(s.cfg.OAuthTweetMaxAge)
	}

	p := storage.ClaimParams{Owner: identity.Owner(), TweetID: tweet.ID, ClaimedAt: now.UTC()}
	if err := s.store.ClaimAgentWithSession(ctx, agent.ID, sess.ID, p); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Either the agent was claimed meanwhile or the session was
			// consumed by a concurrent verify.
			if cerr := s.reloadClaimed(ctx, token); cerr.Code == model.ErrCodeAlreadyClaimed {
				return Verification{}, cerr
			}
			return Verification{}, errNotAuthenticated()
		}
		return Verification{}, errInternal(err)
	}
	return s.finish(agent, p, strategyOAuth), nil
}

func (s *Service) checkOwnerCap(ctx context.Context, twitterID string) error {
	n, err := s.store.CountAgentsByOwner(ctx, twitterID)
	if err != nil {
		return errInternal(err)
	}
	if n >= s.cfg.MaxAgentsPerOwner {
		return errClaimLimit(n, s.cfg.MaxAgentsPerOwner)
	}
	return nil
}

// reloadClaimed builds the error for a finalize that lost its conditional
// update, reporting the winning owner when there is one.
func (s *Service) reloadClaimed(ctx context.Context, token string) *Error {
	agent, err := s.store.GetAgentByClaimToken(ctx, token)
	if err != nil {
		return errInternal(fmt.Errorf("reload after conflict: %w", err))
	}
	if agent.Status.Claimable() {
		return errInternal(fmt.Errorf("agent %s still pending after conflicting claim", agent.ID))
	}
	return errAlreadyClaimed(agent.OwnerHandle())
}

func (s *Service) finish(agent model.Agent, p storage.ClaimParams, strategy string) Verification {
	owner := p.Owner
	tweetID := p.TweetID
	claimedAt := p.ClaimedAt
	agent.Status = model.AgentClaimed
	agent.Owner = &owner
	agent.ClaimTweetID = &tweetID
	agent.ClaimedAt = &claimedAt

	s.logger.Info("agent claimed",
		"agent_id", agent.ID,
		"name", agent.Name,
		"strategy", strategy,
		"owner_twitter_id", owner.TwitterID,
		"tweet_id", tweetID,
	)
	return Verification{
		Agent:      agent,
		Owner:      owner,
		TweetID:    tweetID,
		ProfileURL: s.ProfileURL(agent.Name),
	}
}

// Package twitter talks to Twitter/X on behalf of the claim flow.
//
// Two independent verification strategies are supported:
//
//   - LookupClient fetches a single public tweet by ID through a third-party
//     lookup API (twitterapi.io). No OAuth is required of the claimant.
//   - OAuthClient runs an OAuth2 Authorization Code + PKCE handshake against
//     Twitter's own API and lists the user's recent tweets.
//
// Both clients are stateless I/O adapters. Every failure surfaces as one of
// the sentinel errors below, wrapping the upstream cause for server logs.
package twitter

import (
	"errors"
	"strings"
	"time"

	"github.com/moltins/moltins/internal/telemetry"
)

var (
	// ErrTweetUnavailable covers every way a tweet lookup can fail: transport
	// errors, non-2xx responses, deleted or protected tweets, and payloads
	// missing text or author. Callers cannot tell these apart.
	ErrTweetUnavailable = errors.New("twitter: tweet unavailable")

	// ErrTokenExchangeFailed is returned when an authorization code cannot be
	// redeemed for tokens.
	ErrTokenExchangeFailed = errors.New("twitter: token exchange failed")

	// ErrUserUnavailable is returned when the authenticated profile cannot be read.
	ErrUserUnavailable = errors.New("twitter: user unavailable")

	// ErrInvalidState is returned by ParseState for a malformed OAuth state.
	ErrInvalidState = errors.New("twitter: invalid oauth state")
)

var tracer = telemetry.Tracer("moltins/twitter")

// Author is the account that wrote a tweet.
type Author struct {
	ID        string
	Handle    string
	Name      string
	AvatarURL string
	Followers int
}

// Tweet is a single post. Author is zero for tweets listed through the
// OAuth timeline endpoint, where the author is the authenticated user.
type Tweet struct {
	ID        string
	Text      string
	CreatedAt time.Time
	Author    Author
}

// User is the authenticated Twitter/X profile.
type User struct {
	ID        string
	Handle    string
	Name      string
	AvatarURL string
	Followers int
}

// FindVerificationTweet returns the first tweet whose text contains code,
// compared case-insensitively.
func FindVerificationTweet(tweets []Tweet, code string) (Tweet, bool) {
	if code == "" {
		return Tweet{}, false
	}
	needle := strings.ToLower(code)
	for _, t := range tweets {
		if strings.Contains(strings.ToLower(t.Text), needle) {
			return t, true
		}
	}
	return Tweet{}, false
}

// ContainsCode reports whether text contains code, ignoring case.
func ContainsCode(text, code string) bool {
	_, ok := FindVerificationTweet([]Tweet{{Text: text}}, code)
	return ok
}

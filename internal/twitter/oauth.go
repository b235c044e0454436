package twitter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

// Twitter/X OAuth2 and v2 API endpoints.
const (
	DefaultAuthURL    = "https://twitter.com/i/oauth2/authorize"
	DefaultTokenURL   = "https://api.twitter.com/2/oauth2/token"
	DefaultAPIBaseURL = "https://api.twitter.com"
)

// Scopes requested during the claim handshake.
var Scopes = []string{"tweet.read", "users.read", "offline.access"}

// recentTweetLimit is how many of the user's latest tweets are scanned.
const recentTweetLimit = 10

// GeneratePKCE returns a fresh code verifier and its S256 challenge.
func GeneratePKCE() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateOAuthState returns 256 random bits, hex encoded.
func GenerateOAuthState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("twitter: generate oauth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ComposeState joins the CSRF state and the claim token so the callback can
// recover which agent is being claimed.
func ComposeState(oauthState, claimToken string) string {
	return oauthState + ":" + claimToken
}

// ParseState splits a state produced by ComposeState.
func ParseState(state string) (oauthState, claimToken string, err error) {
	oauthState, claimToken, ok := strings.Cut(state, ":")
	if !ok || oauthState == "" || claimToken == "" {
		return "", "", ErrInvalidState
	}
	return oauthState, claimToken, nil
}

// OAuthConfig configures an OAuthClient. Endpoint fields default to the
// public Twitter/X endpoints.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	Timeout      time.Duration
}

// Token is the credential pair returned by a successful code exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
}

// OAuthClient runs the OAuth2 PKCE handshake and reads the authenticated
// user's profile and timeline.
type OAuthClient struct {
	cfg     *oauth2.Config
	apiBase string
	http    *http.Client
	logger  *slog.Logger
}

// NewOAuthClient creates an OAuthClient.
func NewOAuthClient(cfg OAuthConfig, logger *slog.Logger) *OAuthClient {
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	apiBase := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = DefaultAPIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OAuthClient{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		apiBase: apiBase,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// AuthCodeURL builds the provider authorization URL for state and the S256
// code challenge.
func (c *OAuthClient) AuthCodeURL(state, codeChallenge string) string {
	return c.cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange redeems an authorization code. Any failure wraps
// ErrTokenExchangeFailed together with the provider's error body.
func (c *OAuthClient) Exchange(ctx context.Context, code, codeVerifier string) (Token, error) {
	ctx, span := tracer.Start(ctx, "twitter.exchange_code")
	defer span.End()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := c.cfg.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token exchange failed")
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return Token{}, fmt.Errorf("%w: status %d: %s", ErrTokenExchangeFailed,
				rerr.Response.StatusCode, truncate(rerr.Body, 256))
		}
		return Token{}, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	if tok.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: empty access token", ErrTokenExchangeFailed)
	}
	return Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}, nil
}

type userResponse struct {
	Data *struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Username        string `json:"username"`
		ProfileImageURL string `json:"profile_image_url"`
		PublicMetrics   struct {
			FollowersCount int `json:"followers_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

// GetUser returns the profile of the user who owns accessToken.
func (c *OAuthClient) GetUser(ctx context.Context, accessToken string) (User, error) {
	ctx, span := tracer.Start(ctx, "twitter.get_user")
	defer span.End()

	var resp userResponse
	q := url.Values{"user.fields": {"profile_image_url,public_metrics"}}
	if err := c.getJSON(ctx, accessToken, "/2/users/me", q, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get user failed")
		return User{}, fmt.Errorf("%w: %v", ErrUserUnavailable, err)
	}
	if resp.Data == nil || resp.Data.ID == "" {
		return User{}, fmt.Errorf("%w: empty profile", ErrUserUnavailable)
	}
	span.SetAttributes(attribute.String("twitter.user_id", resp.Data.ID))
	return User{
		ID:        resp.Data.ID,
		Handle:    resp.Data.Username,
		Name:      resp.Data.Name,
		AvatarURL: resp.Data.ProfileImageURL,
		Followers: resp.Data.PublicMetrics.FollowersCount,
	}, nil
}

type timelineResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		CreatedAt string `json:"created_at"`
	} `json:"data"`
}

// RecentTweets returns up to ten of userID's most recent tweets, newest
// first. Any failure wraps ErrTweetUnavailable.
func (c *OAuthClient) RecentTweets(ctx context.Context, accessToken, userID string) ([]Tweet, error) {
	ctx, span := tracer.Start(ctx, "twitter.recent_tweets")
	defer span.End()
	span.SetAttributes(attribute.String("twitter.user_id", userID))

	var resp timelineResponse
	q := url.Values{
		"max_results":  {fmt.Sprint(recentTweetLimit)},
		"tweet.fields": {"created_at"},
	}
	if err := c.getJSON(ctx, accessToken, "/2/users/"+url.PathEscape(userID)+"/tweets", q, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recent tweets failed")
		return nil, fmt.Errorf("%w: %v", ErrTweetUnavailable, err)
	}

	tweets := make([]Tweet, 0, len(resp.Data))
	for _, t := range resp.Data {
		createdAt, err := parseTweetTime(t.CreatedAt)
		if err != nil {
			c.logger.Debug("twitter: skipping tweet with bad timestamp", "tweet_id", t.ID, "error", err)
			continue
		}
		tweets = append(tweets, Tweet{ID: t.ID, Text: t.Text, CreatedAt: createdAt})
	}
	return tweets, nil
}

// getJSON performs an authenticated GET against the v2 API.
func (c *OAuthClient) getJSON(ctx context.Context, accessToken, path string, query url.Values, dst any) error {
	client := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, c.http),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
	)
	client.Timeout = c.http.Timeout

	endpoint := c.apiBase + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, truncate(body, 256))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

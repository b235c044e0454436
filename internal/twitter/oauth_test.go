package twitter_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltins/moltins/internal/twitter"
)

// fakeProvider emulates the Twitter/X token endpoint and the two v2
// endpoints the claim flow reads.
type fakeProvider struct {
	tokenStatus    int
	userStatus     int
	timelineStatus int
	timelineBody   string
	gotVerifier    string
	gotAuthHeader  string
}

func (p *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /2/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		p.gotVerifier = r.PostForm.Get("code_verifier")
		user, _, ok := r.BasicAuth()
		assert.True(t, ok, "client credentials sent in header")
		assert.Equal(t, "client-id", user)
		if p.tokenStatus != 0 {
			w.WriteHeader(p.tokenStatus)
			_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"bad code"}`)
			return
		}
		assert.Equal(t, "good-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"bearer","expires_in":7200}`)
	})
	mux.HandleFunc("GET /2/users/me", func(w http.ResponseWriter, r *http.Request) {
		p.gotAuthHeader = r.Header.Get("Authorization")
		assert.Equal(t, "profile_image_url,public_metrics", r.URL.Query().Get("user.fields"))
		if p.userStatus != 0 {
			w.WriteHeader(p.userStatus)
			return
		}
		_, _ = io.WriteString(w, `{"data":{"id":"123","name":"Alice","username":"alice","profile_image_url":"https://img/a.png","public_metrics":{"followers_count":7}}}`)
	})
	mux.HandleFunc("GET /2/users/{id}/tweets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "123", r.PathValue("id"))
		assert.Equal(t, "10", r.URL.Query().Get("max_results"))
		assert.Equal(t, "created_at", r.URL.Query().Get("tweet.fields"))
		if p.timelineStatus != 0 {
			w.WriteHeader(p.timelineStatus)
			return
		}
		_, _ = io.WriteString(w, p.timelineBody)
	})
	return mux
}

func newOAuth(t *testing.T, p *fakeProvider) *twitter.OAuthClient {
	t.Helper()
	srv := httptest.NewServer(p.handler(t))
	t.Cleanup(srv.Close)
	return twitter.NewOAuthClient(twitter.OAuthConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		CallbackURL:  "https://moltins.test/api/claim/callback",
		AuthURL:      srv.URL + "/i/oauth2/authorize",
		TokenURL:     srv.URL + "/2/oauth2/token",
		APIBaseURL:   srv.URL,
		Timeout:      2 * time.Second,
	}, discardLogger())
}

func TestOAuthClient_AuthCodeURL(t *testing.T) {
	c := twitter.NewOAuthClient(twitter.OAuthConfig{
		ClientID:    "client-id",
		CallbackURL: "https://moltins.test/api/claim/callback",
	}, discardLogger())

	raw := c.AuthCodeURL("st:moltins_claim_tok", "challenge-abc")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "twitter.com", u.Host)
	assert.Equal(t, "/i/oauth2/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "https://moltins.test/api/claim/callback", q.Get("redirect_uri"))
	assert.Equal(t, "tweet.read users.read offline.access", q.Get("scope"))
	assert.Equal(t, "st:moltins_claim_tok", q.Get("state"))
	assert.Equal(t, "challenge-abc", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
}

func TestOAuthClient_ExchangeAndGetUser(t *testing.T) {
	p := &fakeProvider{}
	c := newOAuth(t, p)
	ctx := context.Background()

	tok, err := c.Exchange(ctx, "good-code", "verifier-xyz")
	require.NoError(t, err)
	assert.Equal(t, twitter.Token{AccessToken: "at-1", RefreshToken: "rt-1"}, tok)
	assert.Equal(t, "verifier-xyz", p.gotVerifier)

	user, err := c.GetUser(ctx, tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "Bearer at-1", p.gotAuthHeader)
	assert.Equal(t, twitter.User{
		ID:        "123",
		Handle:    "alice",
		Name:      "Alice",
		AvatarURL: "https://img/a.png",
		Followers: 7,
	}, user)
}

func TestOAuthClient_ExchangeFailure(t *testing.T) {
	c := newOAuth(t, &fakeProvider{tokenStatus: http.StatusBadRequest})

	_, err := c.Exchange(context.Background(), "bad-code", "v")
	require.Error(t, err)
	assert.ErrorIs(t, err, twitter.ErrTokenExchangeFailed)
	assert.Contains(t, err.Error(), "invalid_grant", "provider body kept for logs")
}

func TestOAuthClient_GetUserFailure(t *testing.T) {
	c := newOAuth(t, &fakeProvider{userStatus: http.StatusUnauthorized})

	_, err := c.GetUser(context.Background(), "at-1")
	assert.ErrorIs(t, err, twitter.ErrUserUnavailable)
}

func TestOAuthClient_RecentTweets(t *testing.T) {
	p := &fakeProvider{timelineBody: `{"data":[
		{"id":"3","text":"newest","created_at":"2026-03-01T12:00:00.000Z"},
		{"id":"2","text":"Verification: reef-3F0A","created_at":"2026-03-01T11:30:00.000Z"},
		{"id":"1","text":"bad ts","created_at":"whenever"}
	]}`}
	c := newOAuth(t, p)

	tweets, err := c.RecentTweets(context.Background(), "at-1", "123")
	require.NoError(t, err)
	require.Len(t, tweets, 2, "tweet with bad timestamp skipped")
	assert.Equal(t, "3", tweets[0].ID)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC), tweets[1].CreatedAt)

	found, ok := twitter.FindVerificationTweet(tweets, "REEF-3f0a")
	require.True(t, ok)
	assert.Equal(t, "2", found.ID)
}

func TestOAuthClient_RecentTweetsEmptyTimeline(t *testing.T) {
	c := newOAuth(t, &fakeProvider{timelineBody: `{"meta":{"result_count":0}}`})

	tweets, err := c.RecentTweets(context.Background(), "at-1", "123")
	require.NoError(t, err)
	assert.Empty(t, tweets)
}

func TestOAuthClient_RecentTweetsFailure(t *testing.T) {
	c := newOAuth(t, &fakeProvider{timelineStatus: http.StatusTooManyRequests})

	_, err := c.RecentTweets(context.Background(), "at-1", "123")
	assert.ErrorIs(t, err, twitter.ErrTweetUnavailable)
}

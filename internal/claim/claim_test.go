package claim_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltins/moltins/internal/auth"
	"github.com/moltins/moltins/internal/claim"
	"github.com/moltins/moltins/internal/model"
	"github.com/moltins/moltins/internal/testutil"
	"github.com/moltins/moltins/internal/twitter"
)

var baseTime = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

type fakeLookup struct {
	mu     sync.Mutex
	tweets map[string]twitter.Tweet
	calls  int
}

func (f *fakeLookup) GetTweetByID(_ context.Context, id string) (twitter.Tweet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	t, ok := f.tweets[id]
	if !ok {
		return twitter.Tweet{}, fmt.Errorf("lookup %s: %w", id, twitter.ErrTweetUnavailable)
	}
	return t, nil
}

func (f *fakeLookup) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeOAuth struct {
	exchangeErr error
	userErr     error
	tweetsErr   error
	user        twitter.User
	tweets      []twitter.Tweet

	gotVerifier string
	// onRecentTweets runs before RecentTweets returns.
	onRecentTweets func()
}

func (f *fakeOAuth) AuthCodeURL(state, challenge string) string {
	return "https://provider.test/authorize?" + url.Values{
		"state":          {state},
		"code_challenge": {challenge},
	}.Encode()
}

func (f *fakeOAuth) Exchange(_ context.Context, _, verifier string) (twitter.Token, error) {
	f.gotVerifier = verifier
	if f.exchangeErr != nil {
		return twitter.Token{}, f.exchangeErr
	}
	return twitter.Token{AccessToken: "access-" + f.user.ID, RefreshToken: "refresh"}, nil
}

func (f *fakeOAuth) GetUser(context.Context, string) (twitter.User, error) {
	if f.userErr != nil {
		return twitter.User{}, f.userErr
	}
	return f.user, nil
}

func (f *fakeOAuth) RecentTweets(context.Context, string, string) ([]twitter.Tweet, error) {
	if f.onRecentTweets != nil {
		f.onRecentTweets()
	}
	if f.tweetsErr != nil {
		return nil, f.tweetsErr
	}
	return f.tweets, nil
}

type harness struct {
	store  *testutil.MemStore
	lookup *fakeLookup
	oauth  *fakeOAuth
	svc    *claim.Service
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  testutil.NewMemStore(),
		lookup: &fakeLookup{tweets: map[string]twitter.Tweet{}},
		oauth:  &fakeOAuth{user: twitter.User{ID: "123", Handle: "alice", Name: "Alice", Followers: 10}},
		now:    baseTime,
	}
	h.svc = claim.New(h.store, claim.Config{AppURL: "https://moltins.test/"}, testutil.TestLogger(),
		claim.WithClock(func() time.Time { return h.now }),
		claim.WithTweetLookup(h.lookup),
		claim.WithOAuth(h.oauth),
	)
	return h
}

func (h *harness) register(t *testing.T, name string) claim.Registration {
	t.Helper()
	reg, err := h.svc.Register(context.Background(), claim.RegisterInput{Name: name, DisplayName: "The " + name})
	require.NoError(t, err)
	return reg
}

func (h *harness) postTweet(id, authorID, text string, age time.Duration) string {
	h.lookup.mu.Lock()
	defer h.lookup.mu.Unlock()
	h.lookup.tweets[id] = twitter.Tweet{
		ID:        id,
		Text:      text,
		CreatedAt: h.now.Add(-age),
		Author:    twitter.Author{ID: authorID, Handle: "user" + authorID, Name: "User " + authorID, Followers: 3},
	}
	return "https://x.com/user" + authorID + "/status/" + id
}

// seedOwned binds n claimed agents to twitterID directly in the store.
func (h *harness) seedOwned(twitterID string, n int) {
	for i := range n {
		at := h.now
		tweet := "seed"
		h.store.PutAgent(model.Agent{
			ID:           uuid.New(),
			Name:         fmt.Sprintf("owned_%s_%d", twitterID, i),
			ClaimToken:   "moltins_claim_seed_" + uuid.NewString(),
			Status:       model.AgentClaimed,
			Owner:        &model.Owner{TwitterID: twitterID, TwitterHandle: "owner"},
			ClaimTweetID: &tweet,
			ClaimedAt:    &at,
		})
	}
}

func claimErr(t *testing.T, err error) *claim.Error {
	t.Helper()
	require.Error(t, err)
	var ce *claim.Error
	require.True(t, errors.As(err, &ce), "expected *claim.Error, got %T: %v", err, err)
	return ce
}

func (h *harness) agent(t *testing.T, token string) model.Agent {
	t.Helper()
	a, err := h.store.GetAgentByClaimToken(context.Background(), token)
	require.NoError(t, err)
	return a
}

// --- Register ---

func TestRegister(t *testing.T) {
	h := newHarness(t)
	reg, err := h.svc.Register(context.Background(), claim.RegisterInput{Name: "Foo_Bot", Bio: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "foo_bot", reg.Agent.Name)
	assert.Equal(t, "Foo_Bot", reg.Agent.DisplayName)
	assert.Equal(t, model.AgentPendingClaim, reg.Agent.Status)
	assert.Regexp(t, regexp.MustCompile(`^[a-z]+-[0-9A-F]{4}$`), reg.Agent.VerificationCode)
	assert.True(t, strings.HasPrefix(reg.Agent.ClaimToken, "moltins_claim_"))
	assert.Equal(t, "https://moltins.test/claim/"+reg.Agent.ClaimToken, reg.ClaimURL)
	assert.Contains(t, reg.TweetTemplate, reg.Agent.VerificationCode)
	assert.Contains(t, reg.TweetTemplate, `"Foo_Bot"`)
	assert.Contains(t, reg.TweetTemplate, reg.ClaimURL)

	// Only the hash is stored, and it verifies the returned key.
	stored := h.agent(t, reg.Agent.ClaimToken)
	assert.NotContains(t, stored.APIKeyHash, reg.APIKey)
	ok, err := auth.VerifyAPIKey(reg.APIKey, stored.APIKeyHash)
	require.NoError(t, err)
	assert.True(t, ok)
	prefix, err := model.ParseRawKey(reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, prefix, stored.APIKeyPrefix)
}

func TestRegisterNameTaken(t *testing.T) {
	h := newHarness(t)
	h.register(t, "foo")

	_, err := h.svc.Register(context.Background(), claim.RegisterInput{Name: "FOO"})
	ce := claimErr(t, err)
	assert.Equal(t, claim.KindConflict, ce.Kind)
	assert.Equal(t, 409, ce.Kind.HTTPStatus())
	assert.Equal(t, "Try: FOO_01, FOO_ai, TheFOO", ce.Hint)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name string
		in   claim.RegisterInput
	}{
		{"empty name", claim.RegisterInput{}},
		{"short name", claim.RegisterInput{Name: "ab"}},
		{"bad chars", claim.RegisterInput{Name: "foo-bar"}},
		{"long name", claim.RegisterInput{Name: strings.Repeat("a", 31)}},
		{"long bio", claim.RegisterInput{Name: "valid_name", Bio: strings.Repeat("x", model.MaxBioLen+1)}},
		{"bad avatar", claim.RegisterInput{Name: "valid_name", AvatarURL: "javascript:alert(1)"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Register(context.Background(), tc.in)
			ce := claimErr(t, err)
			assert.Equal(t, claim.KindInput, ce.Kind)
			assert.Equal(t, model.ErrCodeInvalidInput, ce.Code)
		})
	}
}

// --- Info ---

func TestInfoIdempotent(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")

	first, err := h.svc.Info(context.Background(), reg.Agent.ClaimToken)
	require.NoError(t, err)
	second, err := h.svc.Info(context.Background(), reg.Agent.ClaimToken)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, first.TwitterAuthed)
	assert.Contains(t, first.TweetTemplate, reg.Agent.VerificationCode)
}

func TestInfoUnknownToken(t *testing.T) {
	h := newHarness(t)
	for _, tok := range []string{"moltins_claim_nope", "garbage", ""} {
		_, err := h.svc.Info(context.Background(), tok)
		assert.Equal(t, claim.KindNotFound, claimErr(t, err).Kind, "token %q", tok)
	}
}

func TestInfoClaimedReportsOwner(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	tweetURL := h.postTweet("1", "123", "code "+reg.Agent.VerificationCode, time.Minute)
	_, err := h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, tweetURL)
	require.NoError(t, err)

	_, err = h.svc.Info(context.Background(), reg.Agent.ClaimToken)
	ce := claimErr(t, err)
	assert.Equal(t, claim.KindClaimed, ce.Kind)
	assert.Equal(t, model.ErrCodeAlreadyClaimed, ce.Code)
	assert.Equal(t, "user123", ce.Owner)
}

func TestInfoSurfacesLiveSession(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.store.PutSession(model.ClaimSession{
		ID:        uuid.New(),
		AgentID:   reg.Agent.ID,
		Status:    model.SessionTwitterAuthed,
		Twitter:   &model.TwitterIdentity{ID: "9", Handle: "bob", AccessToken: "t"},
		ExpiresAt: h.now.Add(5 * time.Minute),
	})

	info, err := h.svc.Info(context.Background(), reg.Agent.ClaimToken)
	require.NoError(t, err)
	assert.True(t, info.TwitterAuthed)
	assert.Equal(t, "bob", info.TwitterHandle)

	h.now = h.now.Add(6 * time.Minute)
	info, err = h.svc.Info(context.Background(), reg.Agent.ClaimToken)
	require.NoError(t, err)
	assert.False(t, info.TwitterAuthed)
}

// --- Strategy A ---

func TestVerifyTweetEndToEnd(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")

	info, err := h.svc.Info(context.Background(), reg.Agent.ClaimToken)
	require.NoError(t, err)
	code := info.Agent.VerificationCode
	require.Contains(t, info.TweetTemplate, code)

	tweetURL := h.postTweet("1790000000000000001", "123", strings.ToUpper(info.TweetTemplate), 10*time.Minute)
	v, err := h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, tweetURL)
	require.NoError(t, err)

	assert.Equal(t, "user123", v.Owner.TwitterHandle)
	assert.Equal(t, "https://moltins.test/foo", v.ProfileURL)

	stored := h.agent(t, reg.Agent.ClaimToken)
	assert.Equal(t, model.AgentClaimed, stored.Status)
	require.NotNil(t, stored.Owner)
	assert.Equal(t, "123", stored.Owner.TwitterID)
	assert.Equal(t, "user123", stored.Owner.TwitterHandle)
	require.NotNil(t, stored.ClaimTweetID)
	assert.Equal(t, "1790000000000000001", *stored.ClaimTweetID)
	require.NotNil(t, stored.ClaimedAt)
	assert.True(t, h.now.Equal(*stored.ClaimedAt))
}

func TestVerifyTweetInputErrorsBeforeNetwork(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")

	cases := []struct {
		name, token, url, code string
		kind                   claim.Kind
	}{
		{"missing url", reg.Agent.ClaimToken, "", model.ErrCodeTweetURLRequired, claim.KindInput},
		{"bad url", reg.Agent.ClaimToken, "https://example.com/foo", model.ErrCodeInvalidTweetURL, claim.KindInput},
		{"no status id", reg.Agent.ClaimToken, "https://x.com/foo/status/", model.ErrCodeInvalidTweetURL, claim.KindInput},
		{"unknown token", "moltins_claim_unknown", "https://x.com/a/status/1", model.ErrCodeNotFound, claim.KindNotFound},
		// URL problems are reported even for an unknown token.
		{"bad url unknown token", "moltins_claim_unknown", "nope", model.ErrCodeInvalidTweetURL, claim.KindInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.VerifyTweet(context.Background(), tc.token, tc.url)
			ce := claimErr(t, err)
			assert.Equal(t, tc.kind, ce.Kind)
			assert.Equal(t, tc.code, ce.Code)
		})
	}
	assert.Zero(t, h.lookup.Calls(), "no lookup may happen before format and agent checks pass")
}

func TestVerifyTweetUnavailableIsGeneric(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")

	_, err := h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, "https://twitter.com/a/status/404")
	ce := claimErr(t, err)
	assert.Equal(t, claim.KindUpstream, ce.Kind)
	assert.Equal(t, model.ErrCodeTweetUnavailable, ce.Code)
	assert.NotContains(t, ce.Message, "404")
	assert.ErrorIs(t, err, twitter.ErrTweetUnavailable)
}

func TestVerifyTweetCapEnforced(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.seedOwned("123", claim.DefaultMaxAgentsPerOwner)

	tweetURL := h.postTweet("1", "123", reg.Agent.VerificationCode, time.Minute)
	_, err := h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, tweetURL)
	ce := claimErr(t, err)
	assert.Equal(t, claim.KindPolicy, ce.Kind)
	assert.Equal(t, model.ErrCodeClaimLimitReached, ce.Code)
	assert.Contains(t, ce.Message, "Maximum is 5")

	stored := h.agent(t, reg.Agent.ClaimToken)
	assert.Equal(t, model.AgentPendingClaim, stored.Status)
	assert.Nil(t, stored.Owner)
}

func TestVerifyTweetCapCheckedBeforeCode(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.seedOwned("123", claim.DefaultMaxAgentsPerOwner)

	tweetURL := h.postTweet("1", "123", "no code here", time.Minute)
	_, err := h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, tweetURL)
	assert.Equal(t, model.ErrCodeClaimLimitReached, claimErr(t, err).Code)
}

func TestVerifyTweetCodeMissing(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")

	tweetURL := h.postTweet("1", "123", "just vibes", time.Minute)
	_, err := h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, tweetURL)
	ce := claimErr(t, err)
	assert.Equal(t, model.ErrCodeCodeNotFound, ce.Code)
	assert.Contains(t, ce.Message, reg.Agent.VerificationCode)
	assert.NotEmpty(t, ce.Hint)
}

func TestVerifyTweetStaleness(t *testing.T) {
	cases := []struct {
		age     time.Duration
		allowed bool
	}{
		{23 * time.Hour, true},
		{24 * time.Hour, true},
		{25 * time.Hour, false},
		{-time.Minute, true}, // clock skew: future timestamps are accepted
	}
	for _, tc := range cases {
		t.Run(tc.age.String(), func(t *testing.T) {
			h := newHarness(t)
			reg := h.register(t, "foo")
			tweetURL := h.postTweet("1", "123", reg.Agent.VerificationCode, tc.age)

			_, err := h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, tweetURL)
			if tc.allowed {
				require.NoError(t, err)
				return
			}
			ce := claimErr(t, err)
			assert.Equal(t, model.ErrCodeTweetTooOld, ce.Code)
			assert.Contains(t, ce.Message, "24 hours")
		})
	}
}

func TestVerifyTweetAlreadyClaimedShortCircuits(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	first := h.postTweet("1", "123", reg.Agent.VerificationCode, time.Minute)
	_, err := h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, first)
	require.NoError(t, err)
	before := h.agent(t, reg.Agent.ClaimToken)
	calls := h.lookup.Calls()

	h.now = h.now.Add(time.Minute)
	second := h.postTweet("2", "456", reg.Agent.VerificationCode, time.Second)
	_, err = h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, second)
	ce := claimErr(t, err)
	assert.Equal(t, claim.KindClaimed, ce.Kind)
	assert.Equal(t, calls, h.lookup.Calls(), "claimed agent must not trigger a lookup")

	_, err = h.svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	assert.Equal(t, claim.KindClaimed, claimErr(t, err).Kind)

	after := h.agent(t, reg.Agent.ClaimToken)
	assert.Equal(t, before.Owner, after.Owner)
	assert.Equal(t, before.ClaimedAt, after.ClaimedAt)
	assert.Equal(t, before.ClaimTweetID, after.ClaimTweetID)
}

func TestVerifyTweetConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")

	const n = 10
	urls := make([]string, n)
	for i := range n {
		urls[i] = h.postTweet(fmt.Sprint(i+1), fmt.Sprint(1000+i), reg.Agent.VerificationCode, time.Minute)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, urls[i])
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, claim.KindClaimed, claimErr(t, err).Kind)
	}
	assert.Equal(t, 1, wins)
}

func TestVerifyTweetDisabled(t *testing.T) {
	store := testutil.NewMemStore()
	svc := claim.New(store, claim.Config{}, testutil.TestLogger())
	_, err := svc.VerifyTweet(context.Background(), "moltins_claim_x", "https://x.com/a/status/1")
	ce := claimErr(t, err)
	assert.Equal(t, claim.KindUnavailable, ce.Kind)
	assert.False(t, svc.TweetLookupEnabled())
	assert.False(t, svc.OAuthEnabled())
}

// --- Strategy B ---

func TestBeginOAuthCreatesPendingSession(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")

	authURL, err := h.svc.BeginOAuth(context.Background(), reg.Agent.ClaimToken)
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	oauthState, token, err := twitter.ParseState(u.Query().Get("state"))
	require.NoError(t, err)
	assert.Equal(t, reg.Agent.ClaimToken, token)

	sessions := h.store.Sessions(reg.Agent.ID)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, model.SessionPending, s.Status)
	assert.Equal(t, oauthState, s.OAuthState)
	assert.Equal(t, h.now.Add(10*time.Minute), s.ExpiresAt)
	assert.NotEmpty(t, s.OAuthCodeVerifier)
	assert.NotContains(t, authURL, s.OAuthCodeVerifier)

	stored := h.agent(t, reg.Agent.ClaimToken)
	assert.Equal(t, model.AgentPendingClaim, stored.Status)
}

func TestBeginOAuthErrorRedirect(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	tweetURL := h.postTweet("1", "123", reg.Agent.VerificationCode, time.Minute)
	_, err := h.svc.VerifyTweet(context.Background(), reg.Agent.ClaimToken, tweetURL)
	require.NoError(t, err)

	_, err = h.svc.BeginOAuth(context.Background(), reg.Agent.ClaimToken)
	assert.Equal(t, "https://moltins.test/claim/"+reg.Agent.ClaimToken+"?error=already_claimed",
		h.svc.BeginOAuthErrorRedirect(reg.Agent.ClaimToken, err))

	_, err = h.svc.BeginOAuth(context.Background(), "moltins_claim_missing")
	assert.Equal(t, "https://moltins.test/claim/moltins_claim_missing?error=invalid",
		h.svc.BeginOAuthErrorRedirect("moltins_claim_missing", err))

	assert.Equal(t, "https://moltins.test/claim/t?error=oauth_failed",
		h.svc.BeginOAuthErrorRedirect("t", errors.New("boom")))
}

func TestHandleCallbackDenied(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")

	got := h.svc.HandleCallback(context.Background(), claim.CallbackInput{Error: "access_denied", State: "xyz:tok123"})
	assert.Equal(t, "https://moltins.test/claim/tok123?error=oauth_denied", got)
	assert.Empty(t, h.store.Sessions(reg.Agent.ID))
}

func TestHandleCallbackRejections(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	tok := reg.Agent.ClaimToken

	cases := []struct {
		name string
		in   claim.CallbackInput
		want string
	}{
		{"missing code", claim.CallbackInput{State: "a:" + tok}, "https://moltins.test?error=invalid_callback"},
		{"missing state", claim.CallbackInput{Code: "c"}, "https://moltins.test?error=invalid_callback"},
		{"malformed state", claim.CallbackInput{Code: "c", State: "nocolon"}, "https://moltins.test?error=invalid_state"},
		{"empty half", claim.CallbackInput{Code: "c", State: ":" + tok}, "https://moltins.test?error=invalid_state"},
		{"unknown state", claim.CallbackInput{Code: "c", State: "unknown:" + tok},
			"https://moltins.test/claim/" + tok + "?error=session_expired"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, h.svc.HandleCallback(context.Background(), tc.in))
		})
	}
}

// beginOAuth runs BeginOAuth and returns the composed state.
func (h *harness) beginOAuth(t *testing.T, token string) string {
	t.Helper()
	authURL, err := h.svc.BeginOAuth(context.Background(), token)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestHandleCallbackSuccess(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	state := h.beginOAuth(t, reg.Agent.ClaimToken)

	got := h.svc.HandleCallback(context.Background(), claim.CallbackInput{Code: "code", State: state})
	assert.Equal(t, "https://moltins.test/claim/"+reg.Agent.ClaimToken+"?twitter_authed=true", got)

	sessions := h.store.Sessions(reg.Agent.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionTwitterAuthed, sessions[0].Status)
	require.NotNil(t, sessions[0].Twitter)
	assert.Equal(t, "alice", sessions[0].Twitter.Handle)
	assert.Equal(t, "access-123", sessions[0].Twitter.AccessToken)
	assert.Equal(t, sessions[0].OAuthCodeVerifier, h.oauth.gotVerifier)

	// Agent row untouched.
	assert.Equal(t, model.AgentPendingClaim, h.agent(t, reg.Agent.ClaimToken).Status)

	// A replayed callback no longer finds a pending session.
	again := h.svc.HandleCallback(context.Background(), claim.CallbackInput{Code: "code", State: state})
	assert.Equal(t, "https://moltins.test/claim/"+reg.Agent.ClaimToken+"?error=session_expired", again)
}

func TestHandleCallbackExpiredSession(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	state := h.beginOAuth(t, reg.Agent.ClaimToken)

	h.now = h.now.Add(11 * time.Minute)
	got := h.svc.HandleCallback(context.Background(), claim.CallbackInput{Code: "code", State: state})
	assert.Equal(t, "https://moltins.test/claim/"+reg.Agent.ClaimToken+"?error=session_expired", got)
}

// laggingStore reports every session it returns in a fixed status, as a
// stale read would.
type laggingStore struct {
	*testutil.MemStore
	status model.SessionStatus
}

func (s laggingStore) GetPendingSessionByState(ctx context.Context, state string, now time.Time) (model.ClaimSession, error) {
	sess, err := s.MemStore.GetPendingSessionByState(ctx, state, now)
	sess.Status = s.status
	return sess, err
}

func (s laggingStore) GetLiveAuthedSession(ctx context.Context, agentID uuid.UUID, now time.Time) (model.ClaimSession, error) {
	sess, err := s.MemStore.GetLiveAuthedSession(ctx, agentID, now)
	sess.Status = s.status
	return sess, err
}

func (h *harness) serviceOver(store claim.Store) *claim.Service {
	return claim.New(store, claim.Config{AppURL: "https://moltins.test/"}, testutil.TestLogger(),
		claim.WithClock(func() time.Time { return h.now }),
		claim.WithTweetLookup(h.lookup),
		claim.WithOAuth(h.oauth),
	)
}

func TestHandleCallbackRejectsIllegalSessionTransition(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	state := h.beginOAuth(t, reg.Agent.ClaimToken)
	svc := h.serviceOver(laggingStore{MemStore: h.store, status: model.SessionCompleted})

	got := svc.HandleCallback(context.Background(), claim.CallbackInput{Code: "code", State: state})
	assert.Equal(t, "https://moltins.test/claim/"+reg.Agent.ClaimToken+"?error=session_expired", got)
	assert.Empty(t, h.oauth.gotVerifier, "no token exchange for a finished session")
	assert.Equal(t, model.SessionPending, h.store.Sessions(reg.Agent.ID)[0].Status)
}

func TestHandleCallbackTokenMismatch(t *testing.T) {
	h := newHarness(t)
	victim := h.register(t, "victim")
	other := h.register(t, "other")
	state := h.beginOAuth(t, victim.Agent.ClaimToken)
	oauthState, _, err := twitter.ParseState(state)
	require.NoError(t, err)

	forged := twitter.ComposeState(oauthState, other.Agent.ClaimToken)
	got := h.svc.HandleCallback(context.Background(), claim.CallbackInput{Code: "code", State: forged})
	assert.Equal(t, "https://moltins.test?error=invalid_state", got)
	assert.Equal(t, model.SessionPending, h.store.Sessions(victim.Agent.ID)[0].Status)
}

func TestHandleCallbackProviderFailures(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(*fakeOAuth)
	}{
		{"exchange", func(f *fakeOAuth) { f.exchangeErr = twitter.ErrTokenExchangeFailed }},
		{"user", func(f *fakeOAuth) { f.userErr = twitter.ErrUserUnavailable }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h.oauth)
			reg := h.register(t, "foo")
			state := h.beginOAuth(t, reg.Agent.ClaimToken)

			got := h.svc.HandleCallback(context.Background(), claim.CallbackInput{Code: "code", State: state})
			assert.Equal(t, "https://moltins.test/claim/"+reg.Agent.ClaimToken+"?error=oauth_failed", got)
			assert.Equal(t, model.SessionPending, h.store.Sessions(reg.Agent.ID)[0].Status)
		})
	}
}

// connect runs the full handshake so the agent has a live authed session.
func (h *harness) connect(t *testing.T, token string) {
	t.Helper()
	state := h.beginOAuth(t, token)
	got := h.svc.HandleCallback(context.Background(), claim.CallbackInput{Code: "code", State: state})
	require.Contains(t, got, "twitter_authed=true")
}

func TestVerifyOAuthSuccess(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.connect(t, reg.Agent.ClaimToken)
	// A second, abandoned handshake stays pending until the claim expires it.
	h.beginOAuth(t, reg.Agent.ClaimToken)

	h.oauth.tweets = []twitter.Tweet{
		{ID: "10", Text: "unrelated", CreatedAt: h.now.Add(-time.Minute)},
		{ID: "11", Text: "Verification: " + strings.ToLower(reg.Agent.VerificationCode), CreatedAt: h.now.Add(-59 * time.Minute)},
		{ID: "12", Text: reg.Agent.VerificationCode, CreatedAt: h.now.Add(-2 * time.Hour)},
	}

	v, err := h.svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	require.NoError(t, err)
	assert.Equal(t, "11", v.TweetID)
	assert.Equal(t, "alice", v.Owner.TwitterHandle)

	stored := h.agent(t, reg.Agent.ClaimToken)
	assert.Equal(t, model.AgentClaimed, stored.Status)
	assert.Equal(t, "123", stored.Owner.TwitterID)

	statuses := map[model.SessionStatus]int{}
	for _, s := range h.store.Sessions(reg.Agent.ID) {
		statuses[s.Status]++
	}
	assert.Equal(t, map[model.SessionStatus]int{model.SessionCompleted: 1, model.SessionExpired: 1}, statuses)
}

func TestVerifyOAuthStaleness(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.connect(t, reg.Agent.ClaimToken)
	h.oauth.tweets = []twitter.Tweet{
		{ID: "1", Text: reg.Agent.VerificationCode, CreatedAt: h.now.Add(-61 * time.Minute)},
	}

	_, err := h.svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	ce := claimErr(t, err)
	assert.Equal(t, model.ErrCodeTweetTooOld, ce.Code)
	assert.Contains(t, ce.Message, "1 hour")
}

func TestVerifyOAuthWithoutSession(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")

	_, err := h.svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	ce := claimErr(t, err)
	assert.Equal(t, claim.KindUnauthenticated, ce.Kind)
	assert.Equal(t, 401, ce.Kind.HTTPStatus())

	// A pending (not yet authed) session does not count.
	h.beginOAuth(t, reg.Agent.ClaimToken)
	_, err = h.svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	assert.Equal(t, model.ErrCodeNotAuthenticated, claimErr(t, err).Code)
}

func TestVerifyOAuthExpiredSessionInvisible(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.connect(t, reg.Agent.ClaimToken)
	h.oauth.tweets = []twitter.Tweet{{ID: "1", Text: reg.Agent.VerificationCode, CreatedAt: h.now}}

	h.now = h.now.Add(10*time.Minute + time.Second)
	_, err := h.svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	assert.Equal(t, model.ErrCodeNotAuthenticated, claimErr(t, err).Code)
	assert.Equal(t, model.AgentPendingClaim, h.agent(t, reg.Agent.ClaimToken).Status)
}

func TestVerifyOAuthSessionExpiresBeforeFinalize(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.connect(t, reg.Agent.ClaimToken)
	h.oauth.tweets = []twitter.Tweet{{ID: "1", Text: reg.Agent.VerificationCode, CreatedAt: h.now}}
	// The session is live when read but lapses while the timeline is fetched.
	h.oauth.onRecentTweets = func() { h.now = h.now.Add(10*time.Minute + time.Second) }

	_, err := h.svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	assert.Equal(t, model.ErrCodeNotAuthenticated, claimErr(t, err).Code)
	assert.Equal(t, model.AgentPendingClaim, h.agent(t, reg.Agent.ClaimToken).Status)

	sessions := h.store.Sessions(reg.Agent.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionTwitterAuthed, sessions[0].Status)
}

func TestVerifyOAuthRejectsIllegalSessionTransition(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.connect(t, reg.Agent.ClaimToken)
	h.oauth.tweets = []twitter.Tweet{{ID: "1", Text: reg.Agent.VerificationCode, CreatedAt: h.now}}
	svc := h.serviceOver(laggingStore{MemStore: h.store, status: model.SessionExpired})

	_, err := svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	assert.Equal(t, model.ErrCodeNotAuthenticated, claimErr(t, err).Code)
	assert.Equal(t, model.AgentPendingClaim, h.agent(t, reg.Agent.ClaimToken).Status)
	assert.Equal(t, model.SessionTwitterAuthed, h.store.Sessions(reg.Agent.ID)[0].Status)
}

func TestVerifyOAuthTweetNotFound(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.connect(t, reg.Agent.ClaimToken)
	h.oauth.tweets = nil

	_, err := h.svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	ce := claimErr(t, err)
	assert.Equal(t, claim.KindPolicy, ce.Kind)
	assert.Equal(t, model.ErrCodeTweetNotFound, ce.Code)
}

func TestVerifyOAuthCapEnforced(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.connect(t, reg.Agent.ClaimToken)
	h.seedOwned("123", claim.DefaultMaxAgentsPerOwner)
	h.oauth.tweets = []twitter.Tweet{{ID: "1", Text: reg.Agent.VerificationCode, CreatedAt: h.now}}

	_, err := h.svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	assert.Equal(t, model.ErrCodeClaimLimitReached, claimErr(t, err).Code)
	assert.Equal(t, model.AgentPendingClaim, h.agent(t, reg.Agent.ClaimToken).Status)
}

func TestVerifyOAuthUpstreamFailure(t *testing.T) {
	h := newHarness(t)
	reg := h.register(t, "foo")
	h.connect(t, reg.Agent.ClaimToken)
	h.oauth.tweetsErr = fmt.Errorf("timeline 503: %w", twitter.ErrTweetUnavailable)

	_, err := h.svc.VerifyOAuth(context.Background(), reg.Agent.ClaimToken)
	ce := claimErr(t, err)
	assert.Equal(t, claim.KindUpstream, ce.Kind)
	assert.NotContains(t, ce.Message, "503")
}

func TestConfigDefaults(t *testing.T) {
	svc := claim.New(testutil.NewMemStore(), claim.Config{}, testutil.TestLogger())
	cfg := svc.Config()
	assert.Equal(t, "https://moltins.com", cfg.AppURL)
	assert.Equal(t, 5, cfg.MaxAgentsPerOwner)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 24*time.Hour, cfg.TweetMaxAge)
	assert.Equal(t, time.Hour, cfg.OAuthTweetMaxAge)
}

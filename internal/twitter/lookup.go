package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// DefaultLookupBaseURL is the public twitterapi.io endpoint.
const DefaultLookupBaseURL = "https://api.twitterapi.io"

// maxResponseBytes bounds how much of an upstream body is read.
const maxResponseBytes = 1 << 20

var tweetURLPattern = regexp.MustCompile(`(?:^|[/.])(?:twitter|x)\.com/\w+/status/(\d+)`)

// ExtractTweetID returns the numeric status ID from a twitter.com or x.com
// post URL, e.g. https://x.com/alice/status/1234567890?s=20.
func ExtractTweetID(rawURL string) (string, bool) {
	m := tweetURLPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// LookupConfig configures a LookupClient.
type LookupConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// LookupClient fetches public tweets through the twitterapi.io lookup API.
// Concurrent lookups of the same ID share one upstream request.
type LookupClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	group   singleflight.Group
	logger  *slog.Logger
}

// NewLookupClient creates a LookupClient. An empty BaseURL selects
// DefaultLookupBaseURL.
func NewLookupClient(cfg LookupConfig, logger *slog.Logger) *LookupClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultLookupBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LookupClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type lookupResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"msg"`
	Tweets  []lookupTweet `json:"tweets"`
}

type lookupTweet struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
	Author    *struct {
		ID             string `json:"id"`
		UserName       string `json:"userName"`
		Name           string `json:"name"`
		ProfilePicture string `json:"profilePicture"`
		Followers      int    `json:"followers"`
	} `json:"author"`
}

// GetTweetByID fetches one tweet. Every failure wraps ErrTweetUnavailable.
//
// The shared upstream request is detached from any single caller's
// cancellation and bounded by the client timeout instead. A caller whose
// ctx ends first returns early without failing the others.
func (c *LookupClient) GetTweetByID(ctx context.Context, id string) (Tweet, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		return c.fetch(detached, id)
	})
	select {
	case <-ctx.Done():
		return Tweet{}, fmt.Errorf("%w: %v", ErrTweetUnavailable, ctx.Err())
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("twitter: shared tweet lookup", "tweet_id", id)
		}
		if res.Err != nil {
			return Tweet{}, res.Err
		}
		return res.Val.(Tweet), nil
	}
}

func (c *LookupClient) fetch(ctx context.Context, id string) (Tweet, error) {
	ctx, span := tracer.Start(ctx, "twitter.lookup_tweet")
	defer span.End()
	span.SetAttributes(attribute.String("twitter.tweet_id", id))

	tweet, err := c.doFetch(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tweet unavailable")
		return Tweet{}, err
	}
	return tweet, nil
}

func (c *LookupClient) doFetch(ctx context.Context, id string) (Tweet, error) {
	endpoint := c.baseURL + "/twitter/tweets?tweet_ids=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Tweet{}, fmt.Errorf("%w: build request: %v", ErrTweetUnavailable, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Tweet{}, fmt.Errorf("%w: %v", ErrTweetUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Tweet{}, fmt.Errorf("%w: read body: %v", ErrTweetUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Tweet{}, fmt.Errorf("%w: status %d: %s", ErrTweetUnavailable, resp.StatusCode, truncate(body, 256))
	}

	var parsed lookupResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Tweet{}, fmt.Errorf("%w: decode: %v", ErrTweetUnavailable, err)
	}
	if parsed.Status != "success" || len(parsed.Tweets) == 0 {
		return Tweet{}, fmt.Errorf("%w: not found (status=%q msg=%q)", ErrTweetUnavailable, parsed.Status, parsed.Message)
	}

	t := parsed.Tweets[0]
	if t.ID == "" {
		return Tweet{}, fmt.Errorf("%w: empty tweet payload", ErrTweetUnavailable)
	}
	if t.Author == nil || t.Author.ID == "" {
		return Tweet{}, fmt.Errorf("%w: tweet %s has no author", ErrTweetUnavailable, t.ID)
	}
	createdAt, err := parseTweetTime(t.CreatedAt)
	if err != nil {
		return Tweet{}, fmt.Errorf("%w: tweet %s: %v", ErrTweetUnavailable, t.ID, err)
	}

	return Tweet{
		ID:        t.ID,
		Text:      t.Text,
		CreatedAt: createdAt,
		Author: Author{
			ID:        t.Author.ID,
			Handle:    t.Author.UserName,
			Name:      t.Author.Name,
			AvatarURL: t.Author.ProfilePicture,
			Followers: t.Author.Followers,
		},
	}, nil
}

// tweetTimeLayouts are the timestamp shapes seen from the lookup API and
// the v2 API respectively.
var tweetTimeLayouts = []string{
	time.RubyDate,
	time.RFC3339,
}

func parseTweetTime(s string) (time.Time, error) {
	for _, layout := range tweetTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable created_at %q", s)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

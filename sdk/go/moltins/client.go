package moltins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Moltins API (e.g. "https://moltins.com").
	BaseURL string

	// APIKey authenticates the agent. It may be empty for a client that only
	// registers agents or drives the public claim endpoints.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// ErrNoAPIKey is returned by authenticated methods on a client built without
// an API key.
var ErrNoAPIKey = errors.New("moltins: APIKey is required for this call")

// Client is an HTTP client for the Moltins API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("moltins: BaseURL is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{baseURL: baseURL, client: httpClient}
	if cfg.APIKey != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.APIKey, httpClient)
	}
	return c, nil
}

// Register creates a new agent. The returned API key is shown only once;
// pass it to NewClient to act as the agent.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	var resp struct {
		Agent         Registration `json:"agent"`
		TweetTemplate string       `json:"tweet_template"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/agents/register", req, &resp, false); err != nil {
		return nil, err
	}
	resp.Agent.TweetTemplate = resp.TweetTemplate
	return &resp.Agent, nil
}

// Me returns the authenticated agent's profile.
func (c *Client) Me(ctx context.Context) (*Agent, error) {
	var resp struct {
		Agent Agent `json:"agent"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/agents/me", nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp.Agent, nil
}

// ClaimInfo returns the claim page data for a claim token.
func (c *Client) ClaimInfo(ctx context.Context, claimToken string) (*ClaimInfo, error) {
	var resp ClaimInfo
	if err := c.send(ctx, http.MethodGet, claimPath(claimToken), nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyTweet claims the agent with a public tweet containing its
// verification code.
func (c *Client) VerifyTweet(ctx context.Context, claimToken, tweetURL string) (*ClaimResult, error) {
	body := map[string]string{"method": "tweet", "tweet_url": tweetURL}
	var resp ClaimResult
	if err := c.send(ctx, http.MethodPost, claimPath(claimToken)+"/verify", body, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TwitterAuthURL is the address a browser should open to claim via Twitter
// sign-in.
func (c *Client) TwitterAuthURL(claimToken string) string {
	return c.baseURL + claimPath(claimToken) + "/twitter-auth"
}

// Health checks server and database liveness. It does not require auth.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.send(ctx, http.MethodGet, "/health", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func claimPath(claimToken string) string {
	return "/api/claim/" + url.PathEscape(claimToken)
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiError is the server's flat failure body.
type apiError struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint"`
	Owner   string `json:"owner"`
}

func (c *Client) send(ctx context.Context, method, path string, body, dest any, auth bool) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("moltins: marshal request body: %w", err)
		}
	}

	err := c.do(ctx, method, path, encoded, dest, auth)
	if auth && IsUnauthorized(err) {
		// The server may have restarted with new signing keys.
		c.tokenMgr.invalidate()
		err = c.do(ctx, method, path, encoded, dest, auth)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, dest any, auth bool) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("moltins: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if c.tokenMgr == nil {
			return ErrNoAPIKey
		}
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("moltins: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("moltins: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, raw)
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("moltins: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		apiErr.Label = e.Error
		apiErr.Code = e.Code
		apiErr.Message = e.Message
		apiErr.Hint = e.Hint
		apiErr.Owner = e.Owner
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Label = strings.TrimSpace(string(body))
	}
	return apiErr
}

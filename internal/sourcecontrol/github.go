// Package sourcecontrol is the thin client for the source-control
// provider: repo access checks and the OAuth refresh endpoint. It does not
// retry: for token refresh, the centralized CAS re-read is the retry path.
package sourcecontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/sessiond/internal/types"
)

var _ types.SourceControl = (*Client)(nil)

// Client talks to a GitHub-style provider.
type Client struct {
	apiBase      string
	refreshURL   string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// New creates a client. refreshURL is the OAuth token endpoint; clientID
// and clientSecret are the OAuth app credentials (may be empty, in which
// case refresh is unavailable).
func New(refreshURL, clientID, clientSecret string) *Client {
	return &Client{
		apiBase:      "https://api.github.com",
		refreshURL:   refreshURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// SetAPIBase overrides the API base URL (tests point it at a local server).
func (c *Client) SetAPIBase(base string) {
	c.apiBase = strings.TrimRight(base, "/")
}

// Configured reports whether OAuth app credentials are available.
func (c *Client) Configured() bool {
	return c.clientID != "" && c.clientSecret != ""
}

// CheckAccess reports whether the token can see the repository.
func (c *Client) CheckAccess(ctx context.Context, accessToken, owner, repo string) (bool, error) {
	u := fmt.Sprintf("%s/repos/%s/%s", c.apiBase, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("build access check request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("access check request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		// Providers answer 404 for repos the token cannot see.
		return false, nil
	default:
		return false, fmt.Errorf("access check returned %d", resp.StatusCode)
	}
}

// RefreshAccessToken exchanges a refresh token for a new token pair.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*types.OAuthTokens, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refreshURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("refresh endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokens types.OAuthTokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("unmarshal refresh response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("refresh endpoint returned no access token")
	}
	return &tokens, nil
}

package nce

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nce-iot/sim-platform/internal/httputil"
)

// tokenExpiryBuffer is subtracted from the upstream expiry so a token is
// never presented moments before it lapses.
const tokenExpiryBuffer = 5 * time.Minute

// TokenInfo describes the current access token state.
type TokenInfo struct {
	ExpiresAt      time.Time
	OrganizationID string
}

// ExpiresIn returns the remaining token lifetime in whole seconds.
func (i TokenInfo) ExpiresIn() int {
	return int(time.Until(i.ExpiresAt).Seconds())
}

// Token returns a valid access token, refreshing it when the cached one is
// missing or within the expiry buffer.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	username, password := c.username, c.password
	if username == "" || password == "" {
		return "", ErrNoCredentials
	}

	resp, err := c.requestToken(ctx, username, password)
	if err != nil {
		return "", err
	}

	c.token = resp.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - tokenExpiryBuffer)
	if c.orgID == "" {
		c.tokenOrgID = resp.OrganizationID()
	}
	return c.token, nil
}

// TokenInfo forces a token fetch and reports its expiry and organisation.
func (c *Client) TokenInfo(ctx context.Context) (TokenInfo, error) {
	if _, err := c.Token(ctx); err != nil {
		return TokenInfo{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return TokenInfo{ExpiresAt: c.tokenExpiry, OrganizationID: c.organizationIDLocked()}, nil
}

// CachedTokenInfo reports the cached token state without refreshing. The
// second return is false when no valid token is cached.
func (c *Client) CachedTokenInfo() (TokenInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || !time.Now().Before(c.tokenExpiry) {
		return TokenInfo{}, false
	}
	return TokenInfo{ExpiresAt: c.tokenExpiry, OrganizationID: c.organizationIDLocked()}, true
}

// VerifyCredentials performs a token grant with the supplied credentials
// without touching the cached token. Used by the dashboard login flow.
func (c *Client) VerifyCredentials(ctx context.Context, username, password string) (TokenInfo, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return TokenInfo{}, ErrNoCredentials
	}
	resp, err := c.requestToken(ctx, username, password)
	if err != nil {
		return TokenInfo{}, err
	}
	return TokenInfo{
		ExpiresAt:      time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - tokenExpiryBuffer),
		OrganizationID: resp.OrganizationID(),
	}, nil
}

// invalidateToken drops the cached token so the next call refreshes.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

// requestToken performs the OAuth client_credentials grant using HTTP Basic
// authentication, as the management API requires.
func (c *Client) requestToken(ctx context.Context, username, password string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(username, password)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.recordCall("oauth/token", resp, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, truncated, readErr := httputil.ReadAllWithLimit(resp.Body, 8<<10)
		if readErr != nil {
			body = nil
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Endpoint: "oauth/token", Body: msg}
	}

	var token TokenResponse
	if err := httputil.DecodeResponse(resp, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	if token.ExpiresIn <= 0 {
		token.ExpiresIn = 3600
	}
	return &token, nil
}

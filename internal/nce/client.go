// Package nce implements a client for the 1NCE management API: OAuth token
// handling, SIM inventory, quota, usage, SMS and event endpoints.
package nce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nce-iot/sim-platform/internal/httputil"
	"github.com/nce-iot/sim-platform/internal/metrics"
	"github.com/nce-iot/sim-platform/pkg/logger"
)

// ErrNoCredentials is returned when no username/password pair is available.
var ErrNoCredentials = errors.New("1nce credentials not configured")

const (
	// inventoryPageSize is the page size used when walking the full inventory.
	inventoryPageSize = 100
	// maxInventoryPages caps the inventory walk against runaway pagination.
	maxInventoryPages = 100
)

// Config configures the client.
type Config struct {
	TokenURL       string
	BaseURL        string
	Username       string
	Password       string
	OrganizationID string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client talks to the 1NCE management API. It caches the access token and
// transparently refreshes it, including a single retry when the API answers
// 401 with a token the client still believed valid.
type Client struct {
	httpClient *http.Client
	tokenURL   string
	baseURL    string
	log        *logger.Logger
	metrics    *metrics.Metrics

	mu          sync.Mutex
	username    string
	password    string
	orgID       string // configured explicitly; wins over the token's
	tokenOrgID  string // extracted from the token response
	token       string
	tokenExpiry time.Time
}

// NewClient constructs a client. Credentials may be empty; they can be
// supplied later via SetCredentials once the dashboard collects them.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NewDefault("nce-client")
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if tokenURL == "" || baseURL == "" {
		return nil, fmt.Errorf("token and base URLs are required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		tokenURL:   tokenURL,
		baseURL:    baseURL,
		log:        log,
		username:   strings.TrimSpace(cfg.Username),
		password:   cfg.Password,
		orgID:      strings.TrimSpace(cfg.OrganizationID),
	}, nil
}

// WithMetrics attaches upstream call instrumentation.
func (c *Client) WithMetrics(m *metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// SetCredentials installs the credentials to use for token grants and drops
// any token issued for the previous pair.
func (c *Client) SetCredentials(username, password string) {
	c.mu.Lock()
	c.username = strings.TrimSpace(username)
	c.password = password
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.tokenOrgID = ""
	c.mu.Unlock()
}

// HasCredentials reports whether a credential pair is installed.
func (c *Client) HasCredentials() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username != "" && c.password != ""
}

// OrganizationID returns the effective organisation ID: the configured one,
// else the one extracted from the most recent token grant.
func (c *Client) OrganizationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.organizationIDLocked()
}

func (c *Client) organizationIDLocked() string {
	if c.orgID != "" {
		return c.orgID
	}
	return c.tokenOrgID
}

// ListSims fetches one page of the SIM inventory.
func (c *Client) ListSims(ctx context.Context, page, pageSize int) (SimPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 500 {
		pageSize = 500
	}

	q := url.Values{}
	if orgID := c.OrganizationID(); orgID != "" {
		q.Set("organisationId", orgID)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))

	var result SimPage
	if err := c.get(ctx, "/sims", q, &result); err != nil {
		return SimPage{}, err
	}
	return result, nil
}

// ListAllSims walks the paginated inventory until a short page, capped at
// maxInventoryPages to guard against a misbehaving upstream.
func (c *Client) ListAllSims(ctx context.Context) ([]Sim, error) {
	var all []Sim
	for page := 1; page <= maxInventoryPages; page++ {
		result, err := c.ListSims(ctx, page, inventoryPageSize)
		if err != nil {
			return nil, fmt.Errorf("list sims page %d: %w", page, err)
		}
		if len(result.Items) == 0 {
			break
		}
		all = append(all, result.Items...)
		if len(result.Items) < inventoryPageSize {
			break
		}
	}
	return all, nil
}

// GetSim fetches details for one SIM.
func (c *Client) GetSim(ctx context.Context, iccid string) (Sim, error) {
	iccid = strings.TrimSpace(iccid)
	if iccid == "" {
		return Sim{}, fmt.Errorf("iccid is required")
	}
	var sim Sim
	if err := c.get(ctx, "/sims/"+url.PathEscape(iccid), nil, &sim); err != nil {
		return Sim{}, err
	}
	if sim.ICCID == "" {
		sim.ICCID = iccid
	}
	return sim, nil
}

// GetQuota fetches the data quota for one SIM.
func (c *Client) GetQuota(ctx context.Context, iccid string) (Quota, error) {
	iccid = strings.TrimSpace(iccid)
	if iccid == "" {
		return Quota{}, fmt.Errorf("iccid is required")
	}
	var quota Quota
	if err := c.get(ctx, "/sims/"+url.PathEscape(iccid)+"/quota", nil, &quota); err != nil {
		return Quota{}, err
	}
	return quota, nil
}

// GetUsage fetches daily usage records for one SIM over [start, end], both
// formatted YYYY-MM-DD.
func (c *Client) GetUsage(ctx context.Context, iccid, startDate, endDate string) ([]UsageRecord, error) {
	iccid = strings.TrimSpace(iccid)
	if iccid == "" {
		return nil, fmt.Errorf("iccid is required")
	}

	q := url.Values{}
	q.Set("startDate", startDate)
	q.Set("endDate", endDate)

	var raw json.RawMessage
	if err := c.get(ctx, "/sims/"+url.PathEscape(iccid)+"/usage", q, &raw); err != nil {
		return nil, err
	}
	records, err := decodeList[UsageRecord](raw)
	if err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}
	return records, nil
}

// ListSMS fetches one page of SMS records for a SIM.
func (c *Client) ListSMS(ctx context.Context, iccid string, page, pageSize int) ([]SMSRecord, error) {
	iccid = strings.TrimSpace(iccid)
	if iccid == "" {
		return nil, fmt.Errorf("iccid is required")
	}

	q := pageQuery(page, pageSize)
	var raw json.RawMessage
	if err := c.get(ctx, "/sims/"+url.PathEscape(iccid)+"/sms", q, &raw); err != nil {
		return nil, err
	}
	records, err := decodeList[SMSRecord](raw)
	if err != nil {
		return nil, fmt.Errorf("decode sms response: %w", err)
	}
	return records, nil
}

// ListEvents fetches one page of connectivity events for a SIM.
func (c *Client) ListEvents(ctx context.Context, iccid string, page, pageSize int) (EventPage, error) {
	iccid = strings.TrimSpace(iccid)
	if iccid == "" {
		return EventPage{}, fmt.Errorf("iccid is required")
	}

	var result EventPage
	if err := c.get(ctx, "/sims/"+url.PathEscape(iccid)+"/events", pageQuery(page, pageSize), &result); err != nil {
		return EventPage{}, err
	}
	return result, nil
}

func pageQuery(page, pageSize int) url.Values {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	return q
}

// get performs an authenticated GET and decodes the JSON response. A 401
// invalidates the cached token and retries once with a fresh one.
func (c *Client) get(ctx context.Context, path string, query url.Values, target interface{}) error {
	resp, err := c.doGet(ctx, path, query)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.invalidateToken()
		c.log.WithField("path", path).Debug("token rejected; refreshing and retrying")
		resp, err = c.doGet(ctx, path, query)
		if err != nil {
			return err
		}
	}

	if resp.StatusCode >= 400 {
		body, truncated, readErr := httputil.ReadAllWithLimit(resp.Body, 8<<10)
		resp.Body.Close()
		if readErr != nil {
			body = nil
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return &APIError{StatusCode: resp.StatusCode, Endpoint: strings.TrimPrefix(path, "/"), Body: msg}
	}

	if err := httputil.DecodeResponse(resp, target); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.recordCall(strings.TrimPrefix(path, "/"), resp, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) recordCall(endpoint string, resp *http.Response, err error, duration time.Duration) {
	if c.metrics == nil {
		return
	}
	status := "error"
	if err == nil && resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.RecordUpstreamCall(endpoint, status, duration)
}

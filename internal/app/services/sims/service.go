// Package sims implements the SIM management service: validated, cached
// access to the 1NCE management API plus the locally synced inventory.
package sims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nce-iot/sim-platform/internal/app/domain/sim"
	"github.com/nce-iot/sim-platform/internal/app/storage"
	"github.com/nce-iot/sim-platform/internal/cache"
	svcerr "github.com/nce-iot/sim-platform/internal/errors"
	"github.com/nce-iot/sim-platform/internal/nce"
	"github.com/nce-iot/sim-platform/pkg/logger"
)

// defaultUsageWindow is applied when a usage query omits the date range.
const defaultUsageWindow = 30 * 24 * time.Hour

const (
	maxPageSize     = 500
	defaultPageSize = 50
)

// Client is the subset of the 1NCE client the service depends on.
type Client interface {
	Token(ctx context.Context) (string, error)
	TokenInfo(ctx context.Context) (nce.TokenInfo, error)
	HasCredentials() bool
	OrganizationID() string
	ListSims(ctx context.Context, page, pageSize int) (nce.SimPage, error)
	ListAllSims(ctx context.Context) ([]nce.Sim, error)
	GetSim(ctx context.Context, iccid string) (nce.Sim, error)
	GetQuota(ctx context.Context, iccid string) (nce.Quota, error)
	GetUsage(ctx context.Context, iccid, startDate, endDate string) ([]nce.UsageRecord, error)
	ListSMS(ctx context.Context, iccid string, page, pageSize int) ([]nce.SMSRecord, error)
	ListEvents(ctx context.Context, iccid string, page, pageSize int) (nce.EventPage, error)
}

// Service exposes the SIM operations consumed by the HTTP API and dashboard.
type Service struct {
	client Client
	sims   storage.SimStore
	usage  storage.UsageStore
	cache  cache.Cache
	ttl    time.Duration
	log    *logger.Logger
	now    func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithCache enables response caching with the given TTL.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.ttl = ttl
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithUsageStore persists fetched usage samples and serves them back when the
// upstream API is unavailable.
func WithUsageStore(store storage.UsageStore) Option {
	return func(s *Service) { s.usage = store }
}

// NewService creates the service. The store may be nil when no inventory
// sync is configured; summary queries then fall through to the upstream API.
func NewService(client Client, sims storage.SimStore, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("sims")
	}
	s := &Service{
		client: client,
		sims:   sims,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TokenStatus reports the outcome of a credential check.
type TokenStatus struct {
	TokenPrefix    string `json:"access_token_preview"`
	ExpiresIn      int    `json:"expires_in"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// TestAuth performs a token grant and returns a redacted view of the result.
// Only the first characters of the token are ever exposed.
func (s *Service) TestAuth(ctx context.Context) (TokenStatus, error) {
	token, err := s.client.Token(ctx)
	if err != nil {
		return TokenStatus{}, s.mapError(err)
	}
	info, err := s.client.TokenInfo(ctx)
	if err != nil {
		return TokenStatus{}, s.mapError(err)
	}

	preview := token
	if len(preview) > 20 {
		preview = preview[:20] + "..."
	}
	return TokenStatus{
		TokenPrefix:    preview,
		ExpiresIn:      info.ExpiresIn(),
		OrganizationID: info.OrganizationID,
	}, nil
}

// HasCredentials reports whether the upstream client can authenticate.
func (s *Service) HasCredentials() bool {
	return s.client.HasCredentials()
}

// ListSims returns one page of the inventory from the upstream API.
func (s *Service) ListSims(ctx context.Context, page, pageSize int) (nce.SimPage, error) {
	page, pageSize, err := normalizePaging(page, pageSize)
	if err != nil {
		return nce.SimPage{}, err
	}

	key := fmt.Sprintf("sims:p%d:s%d", page, pageSize)
	var result nce.SimPage
	if s.cacheGet(ctx, key, &result) {
		return result, nil
	}

	result, err = s.client.ListSims(ctx, page, pageSize)
	if err != nil {
		return nce.SimPage{}, s.mapError(err)
	}
	s.cachePut(ctx, key, result)
	return result, nil
}

// GetSim returns details for one SIM.
func (s *Service) GetSim(ctx context.Context, iccid string) (nce.Sim, error) {
	if err := validateICCID(iccid); err != nil {
		return nce.Sim{}, err
	}

	key := "sim:" + iccid
	var result nce.Sim
	if s.cacheGet(ctx, key, &result) {
		return result, nil
	}

	result, err := s.client.GetSim(ctx, iccid)
	if err != nil {
		return nce.Sim{}, s.mapError(err)
	}
	s.cachePut(ctx, key, result)
	return result, nil
}

// GetQuota returns the data quota for one SIM.
func (s *Service) GetQuota(ctx context.Context, iccid string) (nce.Quota, error) {
	if err := validateICCID(iccid); err != nil {
		return nce.Quota{}, err
	}

	key := "quota:" + iccid
	var result nce.Quota
	if s.cacheGet(ctx, key, &result) {
		return result, nil
	}

	result, err := s.client.GetQuota(ctx, iccid)
	if err != nil {
		return nce.Quota{}, s.mapError(err)
	}
	s.cachePut(ctx, key, result)
	return result, nil
}

// GetUsage returns daily usage for one SIM. Empty dates default to the
// trailing 30-day window ending today.
func (s *Service) GetUsage(ctx context.Context, iccid, startDate, endDate string) ([]nce.UsageRecord, error) {
	if err := validateICCID(iccid); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if endDate == "" {
		endDate = now.Format("2006-01-02")
	}
	if startDate == "" {
		startDate = now.Add(-defaultUsageWindow).Format("2006-01-02")
	}
	for _, date := range []string{startDate, endDate} {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return nil, svcerr.BadRequest(fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", date))
		}
	}
	if startDate > endDate {
		return nil, svcerr.BadRequest("start date is after end date")
	}

	key := fmt.Sprintf("usage:%s:%s:%s", iccid, startDate, endDate)
	var result []nce.UsageRecord
	if s.cacheGet(ctx, key, &result) {
		return result, nil
	}

	result, err := s.client.GetUsage(ctx, iccid, startDate, endDate)
	if err != nil {
		if stored, ok := s.storedUsage(ctx, iccid, startDate, endDate); ok {
			s.log.WithError(err).WithField("iccid", iccid).Warn("usage fetch failed; serving stored samples")
			return stored, nil
		}
		return nil, s.mapError(err)
	}
	s.persistUsage(ctx, iccid, result)
	s.cachePut(ctx, key, result)
	return result, nil
}

// persistUsage stores fetched samples so later queries survive upstream
// outages. Failures are logged, never surfaced.
func (s *Service) persistUsage(ctx context.Context, iccid string, records []nce.UsageRecord) {
	if s.usage == nil || len(records) == 0 {
		return
	}
	points := make([]sim.UsagePoint, 0, len(records))
	for _, r := range records {
		if r.Date == "" {
			continue
		}
		points = append(points, sim.UsagePoint{
			ICCID:    iccid,
			Date:     r.Date,
			VolumeMB: r.Volume,
			TXMB:     r.VolumeTX,
			RXMB:     r.VolumeRX,
		})
	}
	if err := s.usage.RecordUsage(ctx, points); err != nil {
		s.log.WithError(err).WithField("iccid", iccid).Warn("usage store write failed")
	}
}

func (s *Service) storedUsage(ctx context.Context, iccid, startDate, endDate string) ([]nce.UsageRecord, bool) {
	if s.usage == nil {
		return nil, false
	}
	points, err := s.usage.ListUsage(ctx, iccid, startDate, endDate)
	if err != nil {
		s.log.WithError(err).WithField("iccid", iccid).Warn("usage store read failed")
		return nil, false
	}
	if len(points) == 0 {
		return nil, false
	}
	records := make([]nce.UsageRecord, 0, len(points))
	for _, p := range points {
		records = append(records, nce.UsageRecord{
			ICCID:    p.ICCID,
			Date:     p.Date,
			Volume:   p.VolumeMB,
			VolumeTX: p.TXMB,
			VolumeRX: p.RXMB,
		})
	}
	return records, true
}

// ListSMS returns one page of SMS records for a SIM.
func (s *Service) ListSMS(ctx context.Context, iccid string, page, pageSize int) ([]nce.SMSRecord, error) {
	if err := validateICCID(iccid); err != nil {
		return nil, err
	}
	page, pageSize, err := normalizePaging(page, pageSize)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("sms:%s:p%d:s%d", iccid, page, pageSize)
	var result []nce.SMSRecord
	if s.cacheGet(ctx, key, &result) {
		return result, nil
	}

	result, err = s.client.ListSMS(ctx, iccid, page, pageSize)
	if err != nil {
		return nil, s.mapError(err)
	}
	s.cachePut(ctx, key, result)
	return result, nil
}

// ListEvents returns one page of connectivity events for a SIM.
func (s *Service) ListEvents(ctx context.Context, iccid string, page, pageSize int) (nce.EventPage, error) {
	if err := validateICCID(iccid); err != nil {
		return nce.EventPage{}, err
	}
	page, pageSize, err := normalizePaging(page, pageSize)
	if err != nil {
		return nce.EventPage{}, err
	}

	key := fmt.Sprintf("events:%s:p%d:s%d", iccid, page, pageSize)
	var result nce.EventPage
	if s.cacheGet(ctx, key, &result) {
		return result, nil
	}

	result, err = s.client.ListEvents(ctx, iccid, page, pageSize)
	if err != nil {
		return nce.EventPage{}, s.mapError(err)
	}
	s.cachePut(ctx, key, result)
	return result, nil
}

// StatusSummary aggregates the whole inventory by status. The synced store
// answers when it holds data; otherwise the full inventory is fetched from
// the upstream API and aggregated on the fly.
func (s *Service) StatusSummary(ctx context.Context) (sim.StatusSummary, error) {
	if s.sims != nil {
		summary, err := s.sims.CountByStatus(ctx)
		if err != nil {
			s.log.WithError(err).Warn("status summary from store failed; falling back to upstream")
		} else if summary.Total > 0 {
			return summary, nil
		}
	}

	key := "status-summary"
	var cached sim.StatusSummary
	if s.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	all, err := s.client.ListAllSims(ctx)
	if err != nil {
		return sim.StatusSummary{}, s.mapError(err)
	}

	now := s.now().UTC()
	records := make([]sim.Record, 0, len(all))
	for _, item := range all {
		records = append(records, sim.Record{
			ICCID:    item.ICCID,
			Status:   string(item.Status.OrNormalized()),
			SyncedAt: now,
		})
	}
	summary := sim.Summarize(records)
	s.cachePut(ctx, key, summary)
	return summary, nil
}

func (s *Service) cacheGet(ctx context.Context, key string, target interface{}) bool {
	if s.cache == nil {
		return false
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		if err != cache.ErrMiss {
			s.log.WithError(err).WithField("key", key).Warn("cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(data, target); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache entry corrupt; ignoring")
		return false
	}
	return true
}

func (s *Service) cachePut(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache encode failed")
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}

// mapError translates client failures into the service error taxonomy. The
// client wraps errors with call context, so unwrapping matters here.
func (s *Service) mapError(err error) error {
	var apiErr *nce.APIError
	if errors.As(err, &apiErr) {
		return svcerr.Upstream(apiErr.StatusCode, apiErr)
	}
	if errors.Is(err, nce.ErrNoCredentials) {
		return svcerr.NotConfigured("1NCE credentials")
	}
	return err
}

func validateICCID(iccid string) error {
	if iccid == "" {
		return svcerr.BadRequest("iccid is required")
	}
	if len(iccid) > 32 {
		return svcerr.BadRequest("iccid too long")
	}
	for _, r := range iccid {
		digit := r >= '0' && r <= '9'
		alpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !digit && !alpha {
			return svcerr.BadRequest("iccid contains invalid characters")
		}
	}
	return nil
}

func normalizePaging(page, pageSize int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return 0, 0, svcerr.BadRequest("page must be at least 1")
	}
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return 0, 0, svcerr.BadRequest(fmt.Sprintf("page size must be between 1 and %d", maxPageSize))
	}
	return page, pageSize, nil
}

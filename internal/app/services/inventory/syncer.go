// Package inventory keeps the local SIM store in step with the upstream
// inventory.
package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nce-iot/sim-platform/internal/app/domain/sim"
	"github.com/nce-iot/sim-platform/internal/app/storage"
	"github.com/nce-iot/sim-platform/internal/app/system"
	"github.com/nce-iot/sim-platform/internal/metrics"
	"github.com/nce-iot/sim-platform/internal/nce"
	"github.com/nce-iot/sim-platform/pkg/logger"
)

var _ system.Service = (*Syncer)(nil)

// Client is the subset of the 1NCE client the syncer depends on.
type Client interface {
	HasCredentials() bool
	ListAllSims(ctx context.Context) ([]nce.Sim, error)
}

// Syncer periodically walks the full upstream inventory and replaces the
// local SIM store with the result. The schedule uses cron syntax, including
// the @every form.
type Syncer struct {
	client   Client
	store    storage.SimStore
	log      *logger.Logger
	metrics  *metrics.Metrics
	schedule cron.Schedule
	timeout  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	lastRun   time.Time
	lastCount int
	lastErr   error
}

// NewSyncer creates a lifecycle-managed inventory syncer.
func NewSyncer(client Client, store storage.SimStore, schedule string, log *logger.Logger) (*Syncer, error) {
	if log == nil {
		log = logger.NewDefault("inventory-syncer")
	}
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sync schedule %q: %w", schedule, err)
	}
	return &Syncer{
		client:   client,
		store:    store,
		log:      log,
		schedule: parsed,
		timeout:  2 * time.Minute,
	}, nil
}

// WithMetrics attaches inventory gauge instrumentation.
func (s *Syncer) WithMetrics(m *metrics.Metrics) *Syncer {
	s.metrics = m
	return s
}

func (s *Syncer) Name() string { return "inventory-syncer" }

func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// First sync shortly after startup so the dashboard has data
		// without waiting a full schedule interval.
		select {
		case <-runCtx.Done():
			return
		case <-time.After(5 * time.Second):
			s.runOnce(runCtx)
		}

		for {
			next := s.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-runCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.runOnce(runCtx)
			}
		}
	}()

	s.log.Info("inventory syncer started")
	return nil
}

func (s *Syncer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("inventory syncer stopped")
	return nil
}

// Status describes the most recent sync attempt.
type Status struct {
	LastRun   time.Time `json:"last_run"`
	LastCount int       `json:"last_count"`
	LastError string    `json:"last_error,omitempty"`
}

// Status reports the outcome of the latest sync.
func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{LastRun: s.lastRun, LastCount: s.lastCount}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// RunOnce forces an immediate sync, outside the schedule. Used by tests and
// the dashboard's refresh action.
func (s *Syncer) RunOnce(ctx context.Context) error {
	return s.runOnce(ctx)
}

func (s *Syncer) runOnce(ctx context.Context) error {
	if !s.client.HasCredentials() {
		s.log.Debug("inventory sync skipped; no credentials")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	items, err := s.client.ListAllSims(ctx)
	if err != nil {
		s.recordRun(0, err)
		s.log.WithError(err).Warn("inventory sync failed")
		return err
	}

	now := time.Now().UTC()
	records := make([]sim.Record, 0, len(items))
	for _, item := range items {
		if item.ICCID == "" {
			continue
		}
		records = append(records, sim.Record{
			ICCID:     item.ICCID,
			IMSI:      item.IMSI,
			MSISDN:    item.MSISDN,
			IMEI:      item.IMEI,
			IPAddress: item.IPAddress,
			Label:     item.Label,
			Status:    string(item.Status.OrNormalized()),
			SyncedAt:  now,
		})
	}

	if err := s.store.ReplaceSims(ctx, records); err != nil {
		s.recordRun(0, err)
		s.log.WithError(err).Error("inventory store update failed")
		return err
	}

	s.recordRun(len(records), nil)
	if s.metrics != nil {
		s.metrics.SetInventorySize(len(records))
	}
	s.log.WithFields(map[string]interface{}{
		"sims":     len(records),
		"duration": time.Since(started).String(),
	}).Info("inventory synced")
	return nil
}

func (s *Syncer) recordRun(count int, err error) {
	s.mu.Lock()
	s.lastRun = time.Now().UTC()
	s.lastCount = count
	s.lastErr = err
	s.mu.Unlock()
}

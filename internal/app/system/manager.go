package system

import (
	"context"
	"fmt"

	"github.com/nce-iot/sim-platform/pkg/logger"
)

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
	log      *logger.Logger
	services []Service
	started  []Service
}

// NewManager creates a manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("system")
	}
	return &Manager{log: log}
}

// Register adds a service. Must be called before Start.
func (m *Manager) Register(svc Service) {
	m.services = append(m.services, svc)
}

// Start starts every registered service. On failure, services already
// started are stopped in reverse order before the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	for _, svc := range m.services {
		m.log.WithField("service", svc.Name()).Info("starting service")
		if err := svc.Start(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Error("service failed to start")
			m.stopStarted(ctx)
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		m.started = append(m.started, svc)
	}
	return nil
}

// Stop stops every started service in reverse order. All services are
// stopped even when some fail; the first error is returned.
func (m *Manager) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(m.started) - 1; i >= 0; i-- {
		svc := m.started[i]
		m.log.WithField("service", svc.Name()).Info("stopping service")
		if err := svc.Stop(ctx); err != nil {
			m.log.WithField("service", svc.Name()).WithError(err).Error("service failed to stop")
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", svc.Name(), err)
			}
		}
	}
	m.started = nil
	return firstErr
}

func (m *Manager) stopStarted(ctx context.Context) {
	for i := len(m.started) - 1; i >= 0; i-- {
		if err := m.started[i].Stop(ctx); err != nil {
			m.log.WithField("service", m.started[i].Name()).WithError(err).Warn("cleanup stop failed")
		}
	}
	m.started = nil
}

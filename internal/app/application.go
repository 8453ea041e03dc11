// Package app wires the platform together: configuration, the 1NCE client,
// storage, the background sync, and the API and dashboard HTTP servers.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nce-iot/sim-platform/internal/app/httpapi"
	"github.com/nce-iot/sim-platform/internal/app/services/inventory"
	"github.com/nce-iot/sim-platform/internal/app/services/sims"
	"github.com/nce-iot/sim-platform/internal/app/storage"
	"github.com/nce-iot/sim-platform/internal/app/storage/memory"
	"github.com/nce-iot/sim-platform/internal/app/storage/postgres"
	"github.com/nce-iot/sim-platform/internal/app/system"
	"github.com/nce-iot/sim-platform/internal/cache"
	"github.com/nce-iot/sim-platform/internal/config"
	"github.com/nce-iot/sim-platform/internal/dashboard"
	"github.com/nce-iot/sim-platform/internal/metrics"
	"github.com/nce-iot/sim-platform/internal/middleware"
	"github.com/nce-iot/sim-platform/internal/nce"
	"github.com/nce-iot/sim-platform/pkg/logger"
)

// Application bundles every component of the platform and manages their
// lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	client  *nce.Client
	manager *system.Manager

	apiServer       *http.Server
	dashboardServer *http.Server

	pgStore    *postgres.Store
	redisCache *cache.Redis
}

// New loads configuration and wires the application.
func New() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig wires the application from an already-validated config.
func NewWithConfig(cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}).WithField("component", "platform")

	m := metrics.New("sim_platform")

	client, err := nce.NewClient(nce.Config{
		TokenURL:       cfg.NCE.TokenURL,
		BaseURL:        cfg.NCE.BaseURL,
		Username:       cfg.NCE.Username,
		Password:       cfg.NCE.Password,
		OrganizationID: cfg.NCE.OrganizationID,
		Timeout:        time.Duration(cfg.NCE.TimeoutSeconds) * time.Second,
	}, log.WithField("component", "nce-client"))
	if err != nil {
		return nil, fmt.Errorf("configure 1nce client: %w", err)
	}
	client.WithMetrics(m)

	if !client.HasCredentials() {
		log.Warn("ONCE_USERNAME/ONCE_PASSWORD not set; platform starts without upstream access until a dashboard login provides credentials")
	}

	app := &Application{cfg: cfg, log: log, client: client}

	simStore, usageStore, err := app.buildStores()
	if err != nil {
		return nil, err
	}
	responseCache, err := app.buildCache()
	if err != nil {
		return nil, err
	}

	simsSvc := sims.NewService(client, simStore, log.WithField("component", "sims"),
		sims.WithCache(responseCache, cfg.Cache.TTL()),
		sims.WithUsageStore(usageStore))

	manager := system.NewManager(log.WithField("component", "system"))
	var syncer *inventory.Syncer
	if cfg.Sync.Enabled == nil || *cfg.Sync.Enabled {
		syncer, err = inventory.NewSyncer(client, simStore, cfg.Sync.Schedule, log.WithField("component", "inventory"))
		if err != nil {
			return nil, err
		}
		syncer.WithMetrics(m)
		manager.Register(syncer)
	}
	app.manager = manager

	apiHandler := httpapi.NewHandler(httpapi.Options{
		Sims:           simsSvc,
		Syncer:         syncer,
		Metrics:        m,
		Log:            log.WithField("component", "httpapi"),
		RateLimiter:    middleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, log),
		AllowedOrigins: cfg.AllowedOrigins,
	})

	sessions := middleware.NewSessionManager(cfg.SessionSecret, log.WithField("component", "session"))
	dashboardHandler, err := dashboard.NewHandler(dashboard.Options{
		Sims:     simsSvc,
		Auth:     client,
		Sessions: sessions,
		Syncer:   syncer,
		Metrics:  m,
		Log:      log.WithField("component", "dashboard"),
	})
	if err != nil {
		return nil, err
	}

	app.apiServer = newServer(cfg.API, apiHandler)
	app.dashboardServer = newServer(cfg.Dashboard, dashboardHandler)
	return app, nil
}

func newServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	readTimeout := time.Duration(cfg.ReadTimeout) * time.Second
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := time.Duration(cfg.WriteTimeout) * time.Second
	if writeTimeout == 0 {
		writeTimeout = 60 * time.Second
	}
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}

// buildStores selects the persistence backend. Both backends implement the
// SIM inventory and usage interfaces.
func (a *Application) buildStores() (storage.SimStore, storage.UsageStore, error) {
	if a.cfg.Database.DSN == "" {
		store := memory.New()
		return store, store, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := postgres.Open(ctx, a.cfg.Database.DSN, postgres.Options{
		MaxOpenConns:    a.cfg.Database.MaxOpenConns,
		MaxIdleConns:    a.cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(a.cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("configure postgres store: %w", err)
	}
	a.pgStore = store
	a.log.Info("using postgres inventory store")
	return store, store, nil
}

func (a *Application) buildCache() (cache.Cache, error) {
	if a.cfg.Cache.RedisAddr == "" {
		return cache.NewMemory(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisCache, err := cache.NewRedis(ctx, a.cfg.Cache.RedisAddr, a.cfg.Cache.RedisPassword, a.cfg.Cache.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("configure redis cache: %w", err)
	}
	a.redisCache = redisCache
	a.log.WithField("addr", a.cfg.Cache.RedisAddr).Info("using redis response cache")
	return redisCache, nil
}

// Run starts the background services and both HTTP servers, then blocks
// until the context is cancelled or a server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		a.log.WithField("addr", a.apiServer.Addr).Info("API server listening")
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		a.log.WithField("addr", a.dashboardServer.Addr).Info("dashboard server listening")
		if err := a.dashboardServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("dashboard server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP servers and background services gracefully, then
// releases storage connections.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := time.Duration(a.cfg.API.ShutdownTimeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var firstErr error
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := a.dashboardServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.manager.Stop(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}

	if a.pgStore != nil {
		if err := a.pgStore.Close(); err != nil {
			a.log.WithError(err).Warn("error closing postgres store")
		}
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis cache")
		}
	}
	return firstErr
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkrenz/stackpilot/internal/core/crypto"
	"github.com/mkrenz/stackpilot/internal/shell/notify"
	"github.com/mkrenz/stackpilot/internal/shell/observers"
	"github.com/mkrenz/stackpilot/internal/shell/ops"
	"github.com/mkrenz/stackpilot/internal/shell/probes"
	"github.com/mkrenz/stackpilot/internal/shell/registry"
	"github.com/mkrenz/stackpilot/internal/shell/rollout"
	"github.com/mkrenz/stackpilot/internal/shell/runtime"
	"github.com/mkrenz/stackpilot/internal/shell/store"
	"github.com/mkrenz/stackpilot/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess       = 0
	ExitConfigError   = 1
	ExitDatabaseError = 2
	ExitRegistryError = 3
)

// =============================================================================
// Server
// =============================================================================

// Server is the assembled stackpilot daemon: store, runtime pool, rollout
// engine, background workers and the ops HTTP surface.
type Server struct {
	config    *Config
	store     *store.SQLiteStore
	pool      *runtime.EnvironmentPool
	engine    *rollout.Engine
	poller    *workers.ObserverPoller
	collector *workers.HealthCollector
	pruner    *workers.SnapshotPruner
	opsServer *ops.Server
	logger    *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	var encryptionKey []byte
	if cfg.Database.EncryptionPassphrase != "" {
		encryptionKey = crypto.DeriveKey(cfg.Database.EncryptionPassphrase)
	}

	s, err := store.NewSQLiteStore(cfg.Database.DSN, encryptionKey)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	// Seed the environment registry before anything resolves runtimes.
	seeds, err := registry.LoadSeedFile(cfg.Environments.SeedFile)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitRegistryError}
	}
	if len(seeds) > 0 {
		if err := registry.Sync(ctx, s, seeds, logger); err != nil {
			s.Close()
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitRegistryError}
		}
	}

	pool := runtime.NewEnvironmentPool(s, logger)
	metrics := ops.NewMetrics()

	notifier := notify.NewMultiNotifier(
		notify.NewSlackNotifier(logger, cfg.Notify.SlackWebhookURL),
		notify.NewWebhookNotifier(logger, cfg.Notify.WebhookURL),
	)

	factory := observers.NewFactory()

	engine := rollout.NewEngine(s, pool, nil, notifier, logger)
	engine.SetMetrics(metrics)
	engine.SetObserverTypes(factory)

	poller := workers.NewObserverPoller(s, factory, workers.ObserverPollerConfig{
		TickInterval:  cfg.Observers.TickInterval,
		CheckTimeout:  cfg.Observers.CheckTimeout,
		MaxConcurrent: cfg.Observers.MaxConcurrent,
		Metrics:       metrics,
	}, logger)

	bus := probes.NewBusProber(cfg.Health.BusEndpoints, cfg.Health.ProbeTimeout, logger)
	infra := probes.NewInfraProber(s.DB(), cfg.Health.DataDir, cfg.Health.ExternalURLs, cfg.Health.ProbeTimeout, logger)

	collector := workers.NewHealthCollector(s, pool, bus, infra, workers.HealthCollectorConfig{
		Interval:          cfg.Health.Interval,
		DeploymentTimeout: cfg.Health.DeploymentTimeout,
		MaxConcurrent:     cfg.Health.MaxConcurrent,
		Metrics:           metrics,
	}, logger)

	pruner := workers.NewSnapshotPruner(s, workers.SnapshotPrunerConfig{
		Interval:  cfg.Retention.PruneInterval,
		Retention: cfg.Retention.SnapshotRetention,
		Metrics:   metrics,
	}, logger)

	opsServer := ops.NewServer(ops.ServerConfig{
		Addr:    cfg.Ops.Address(),
		Store:   s,
		Metrics: metrics,
		Logger:  logger,
	})

	return &Server{
		config:    cfg,
		store:     s,
		pool:      pool,
		engine:    engine,
		poller:    poller,
		collector: collector,
		pruner:    pruner,
		opsServer: opsServer,
		logger:    logger,
	}, nil
}

// Engine exposes the rollout engine for embedders driving deployments
// in-process.
func (s *Server) Engine() *rollout.Engine {
	return s.engine
}

// Start starts the workers and ops server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	s.opsServer.Start()
	s.poller.Start()
	s.collector.Start()
	s.pruner.Start()
	s.opsServer.SetReady(true)

	s.logger.Info("stackpilot running",
		"ops_address", s.config.Ops.Address(),
		"environments_seed", s.config.Environments.SeedFile)

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully stops workers, the ops server and shared resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")
	s.opsServer.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Ops.ShutdownTimeout)
	defer cancel()

	s.poller.Stop()
	s.collector.Stop()
	s.pruner.Stop()

	if err := s.opsServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("ops server shutdown error", "error", err)
	}

	if err := s.pool.CloseAll(); err != nil {
		s.logger.Error("environment pool close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server construction or operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

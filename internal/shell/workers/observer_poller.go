// Package workers contains the background workers of StackPilot: the
// maintenance observer poller, the health snapshot collector and the
// snapshot pruner. Workers share one lifecycle idiom: Start spawns the loop,
// Stop cancels it and waits for in-flight work.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/shell/observers"
	"github.com/mkrenz/stackpilot/internal/shell/ops"
)

// ObserverPollerConfig configures the observer poller worker.
type ObserverPollerConfig struct {
	// TickInterval is the scheduling granularity. Each configured observer
	// runs on its own PollingInterval; the tick only decides how often due
	// observers are looked for. Default: 5 seconds.
	TickInterval time.Duration

	// CheckTimeout bounds one maintenance check when the config carries no
	// timeout of its own. Default: 30 seconds.
	CheckTimeout time.Duration

	// MaxConcurrent is the maximum number of checks in flight. Default: 5.
	MaxConcurrent int

	// Metrics receives per-check counters. Optional.
	Metrics *ops.Metrics
}

// DefaultObserverPollerConfig returns the default configuration.
func DefaultObserverPollerConfig() ObserverPollerConfig {
	return ObserverPollerConfig{
		TickInterval:  5 * time.Second,
		CheckTimeout:  30 * time.Second,
		MaxConcurrent: 5,
	}
}

// ObserverStore is the persistence surface the poller needs.
type ObserverStore interface {
	ListObserverConfigs(ctx context.Context) ([]domain.ObserverConfig, error)
	SaveObserverResult(ctx context.Context, result domain.ObserverResult) error
}

// ObserverPoller periodically runs every configured maintenance observer on
// its own polling interval and persists the results. A deployment's check
// never overlaps with itself; a slow probe delays only that deployment.
type ObserverPoller struct {
	store   ObserverStore
	factory *observers.Factory
	config  ObserverPollerConfig
	logger  *slog.Logger

	mu       sync.Mutex
	nextDue  map[string]time.Time
	inFlight map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewObserverPoller creates an observer poller worker.
func NewObserverPoller(store ObserverStore, factory *observers.Factory, config ObserverPollerConfig, logger *slog.Logger) *ObserverPoller {
	if config.TickInterval == 0 {
		config.TickInterval = 5 * time.Second
	}
	if config.CheckTimeout == 0 {
		config.CheckTimeout = 30 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ObserverPoller{
		store:    store,
		factory:  factory,
		config:   config,
		logger:   logger.With("component", "observer_poller"),
		nextDue:  make(map[string]time.Time),
		inFlight: make(map[string]bool),
	}
}

// Start begins the poller background goroutine.
func (p *ObserverPoller) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go p.run()

	p.logger.Info("observer poller started",
		"tick_interval", p.config.TickInterval,
		"max_concurrent", p.config.MaxConcurrent)
}

// Stop gracefully stops the poller, waiting for in-flight checks.
func (p *ObserverPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("observer poller stopped")
}

func (p *ObserverPoller) run() {
	defer p.wg.Done()

	p.runCycle()

	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runCycle()
		}
	}
}

// runCycle dispatches a check for every due observer, bounded by the
// concurrency limit.
func (p *ObserverPoller) runCycle() {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.TickInterval)
	configs, err := p.store.ListObserverConfigs(ctx)
	cancel()
	if err != nil {
		p.logger.Error("failed to list observer configs", "error", err)
		return
	}

	now := time.Now()
	sem := make(chan struct{}, p.config.MaxConcurrent)

	for _, cfg := range configs {
		if !p.claim(cfg.DeploymentID, now) {
			continue
		}

		p.wg.Add(1)
		go func(cfg domain.ObserverConfig) {
			defer p.wg.Done()
			defer p.release(cfg)

			select {
			case <-p.ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			p.runCheck(cfg)
		}(cfg)
	}
}

// claim marks a deployment's check in flight when it is due and not already
// running.
func (p *ObserverPoller) claim(deploymentID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inFlight[deploymentID] {
		return false
	}
	if due, ok := p.nextDue[deploymentID]; ok && now.Before(due) {
		return false
	}
	p.inFlight[deploymentID] = true
	return true
}

// release schedules the next run and clears the in-flight mark.
func (p *ObserverPoller) release(cfg domain.ObserverConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextDue[cfg.DeploymentID] = time.Now().Add(cfg.PollingInterval)
	delete(p.inFlight, cfg.DeploymentID)
}

func (p *ObserverPoller) runCheck(cfg domain.ObserverConfig) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = p.config.CheckTimeout
	}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	obs, err := p.factory.New(cfg.Type)
	if err != nil {
		p.logger.Error("unknown observer type",
			"deployment_id", cfg.DeploymentID, "type", cfg.Type, "error", err)
		return
	}

	result, err := observers.Check(ctx, obs, cfg, p.logger)
	if err != nil {
		if p.ctx.Err() != nil {
			// Cancellation during shutdown; nothing worth persisting.
			p.logger.Debug("observer check cancelled",
				"deployment_id", cfg.DeploymentID, "error", err)
			return
		}
		// The poller is still alive, so the cancellation came from the
		// per-check deadline: the probe hung, which is a probe failure.
		p.logger.Warn("observer check timed out",
			"deployment_id", cfg.DeploymentID, "type", cfg.Type, "timeout", timeout)
		result = domain.FailedResult(cfg.DeploymentID, "", "check timed out")
	}
	p.config.Metrics.IncObserverCheck(string(cfg.Type), resultLabel(result))

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer saveCancel()
	if err := p.store.SaveObserverResult(saveCtx, result); err != nil {
		p.logger.Error("failed to save observer result",
			"deployment_id", cfg.DeploymentID, "error", err)
	}
}

func resultLabel(result domain.ObserverResult) string {
	switch {
	case !result.IsSuccess:
		return "failed"
	case result.IsMaintenanceRequired:
		return "maintenance"
	default:
		return "normal"
	}
}

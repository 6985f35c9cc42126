package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/core/health"
	"github.com/mkrenz/stackpilot/internal/shell/ops"
	"github.com/mkrenz/stackpilot/internal/shell/runtime"
	"github.com/mkrenz/stackpilot/internal/shell/store"
)

// HealthCollectorConfig configures the health collector worker.
type HealthCollectorConfig struct {
	// Interval is the time between collection cycles. Default: 30 seconds.
	Interval time.Duration

	// DeploymentTimeout bounds the collection of a single deployment.
	// Default: 10 seconds.
	DeploymentTimeout time.Duration

	// MaxConcurrent is the maximum number of deployments collected
	// concurrently. Default: 5.
	MaxConcurrent int

	// Metrics receives cycle gauges and timings. Optional.
	Metrics *ops.Metrics
}

// DefaultHealthCollectorConfig returns the default configuration.
func DefaultHealthCollectorConfig() HealthCollectorConfig {
	return HealthCollectorConfig{
		Interval:          30 * time.Second,
		DeploymentTimeout: 10 * time.Second,
		MaxConcurrent:     5,
	}
}

// CollectorStore is the persistence surface the collector needs.
type CollectorStore interface {
	ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error)
	GetLatestObserverResult(ctx context.Context, deploymentID string) (*domain.ObserverResult, error)
	AppendSnapshot(ctx context.Context, snapshot domain.HealthSnapshot) error
}

// RuntimeProvider resolves the container runtime for an environment.
type RuntimeProvider interface {
	Get(ctx context.Context, environmentID string) (runtime.ContainerRuntime, error)
}

// BusProber produces the optional message-transport section of a snapshot.
type BusProber interface {
	Probe(ctx context.Context) *domain.BusHealth
}

// InfraProber produces the optional infrastructure section of a snapshot.
type InfraProber interface {
	Probe(ctx context.Context) *domain.InfraHealth
}

// HealthCollector periodically captures a health snapshot for every active
// deployment: container state from the runtime, the maintenance override
// from the latest observer result, and the shared bus/infra probe sections.
type HealthCollector struct {
	store    CollectorStore
	runtimes RuntimeProvider
	bus      BusProber
	infra    InfraProber
	config   HealthCollectorConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthCollector creates a health collector worker. bus and infra may be
// nil; their snapshot sections stay absent.
func NewHealthCollector(s CollectorStore, runtimes RuntimeProvider, bus BusProber, infra InfraProber, config HealthCollectorConfig, logger *slog.Logger) *HealthCollector {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.DeploymentTimeout == 0 {
		config.DeploymentTimeout = 10 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 5
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthCollector{
		store:    s,
		runtimes: runtimes,
		bus:      bus,
		infra:    infra,
		config:   config,
		logger:   logger.With("component", "health_collector"),
	}
}

// Start begins the collector background goroutine.
func (c *HealthCollector) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.run()

	c.logger.Info("health collector started", "interval", c.config.Interval)
}

// Stop gracefully stops the collector, waiting for the in-progress cycle.
func (c *HealthCollector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("health collector stopped")
}

func (c *HealthCollector) run() {
	defer c.wg.Done()

	c.runCycle()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.runCycle()
		}
	}
}

// runCycle captures one snapshot per active deployment. The bus and infra
// probes run once per cycle and their sections are shared by every snapshot
// in it.
func (c *HealthCollector) runCycle() {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.Interval)
	defer cancel()

	started := time.Now()
	defer func() {
		c.config.Metrics.ObserveCollectionDuration(time.Since(started))
		c.config.Metrics.SetLastCollectionTimestamp(time.Now().UTC())
	}()

	deployments, err := c.store.ListActiveDeployments(ctx)
	if err != nil {
		c.logger.Error("failed to list active deployments", "error", err)
		return
	}
	c.config.Metrics.SetActiveDeployments(len(deployments))
	if len(deployments) == 0 {
		return
	}

	var bus *domain.BusHealth
	if c.bus != nil {
		bus = c.bus.Probe(ctx)
	}
	var infra *domain.InfraHealth
	if c.infra != nil {
		infra = c.infra.Probe(ctx)
	}

	sem := make(chan struct{}, c.config.MaxConcurrent)
	var wg sync.WaitGroup
	for i := range deployments {
		d := &deployments[i]

		wg.Add(1)
		go func(d *domain.Deployment) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			c.collect(ctx, d, bus, infra)
		}(d)
	}
	wg.Wait()
}

// collect captures and persists one deployment's snapshot.
func (c *HealthCollector) collect(ctx context.Context, d *domain.Deployment, bus *domain.BusHealth, infra *domain.InfraHealth) {
	dctx, cancel := context.WithTimeout(ctx, c.config.DeploymentTimeout)
	defer cancel()

	logger := c.logger.With("deployment_id", d.ID, "stack", d.StackName)

	self := c.collectSelf(dctx, d, logger)

	observed, err := c.store.GetLatestObserverResult(dctx, d.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("failed to load latest observer result", "error", err)
	}

	mode := health.ResolveOperationMode(health.DeclaredMode(d.Status), observed)
	overall := health.Aggregate(health.AggregateServices(self.Services), bus, infra)

	snapshot := domain.HealthSnapshot{
		DeploymentID:   d.ID,
		EnvironmentID:  d.EnvironmentID,
		StackName:      d.StackName,
		CurrentVersion: d.StackVersion,
		Overall:        overall,
		OperationMode:  mode,
		Self:           self,
		Bus:            bus,
		Infra:          infra,
		CapturedAt:     time.Now().UTC(),
	}

	if err := c.store.AppendSnapshot(dctx, snapshot); err != nil {
		logger.Error("failed to append health snapshot", "error", err)
	}
}

// collectSelf maps the deployment's containers to per-service health. A
// runtime failure yields unknown health for the recorded services instead of
// dropping the snapshot.
func (c *HealthCollector) collectSelf(ctx context.Context, d *domain.Deployment, logger *slog.Logger) domain.SelfHealth {
	rt, err := c.runtimes.Get(ctx, d.EnvironmentID)
	if err != nil {
		logger.Warn("runtime unavailable for environment", "error", err)
		return unknownSelf(d)
	}

	containers, err := rt.ListContainers(ctx, runtime.DeploymentListOptions(d.ID))
	if err != nil {
		logger.Warn("failed to list containers", "error", err)
		return unknownSelf(d)
	}

	services := make([]domain.ServiceHealth, 0, len(containers))
	for _, ctr := range containers {
		var probe *string
		if ctr.Health != "" {
			h := ctr.Health
			probe = &h
		}
		services = append(services, domain.ServiceHealth{
			ServiceName: ctr.ServiceName(),
			ContainerID: ctr.ID,
			Status:      health.ServiceStatusFromContainer(string(ctr.Status), probe, ctr.RestartCount),
			Restarts:    ctr.RestartCount,
		})
	}
	return health.BuildSelf(services)
}

// unknownSelf reports the deployment's recorded services with unknown health
// when the runtime cannot be asked.
func unknownSelf(d *domain.Deployment) domain.SelfHealth {
	services := make([]domain.ServiceHealth, 0, len(d.Services))
	for _, svc := range d.Services {
		services = append(services, domain.ServiceHealth{
			ServiceName: svc.ServiceName,
			ContainerID: svc.ContainerID,
			Status:      domain.HealthUnknown,
		})
	}
	return health.BuildSelf(services)
}

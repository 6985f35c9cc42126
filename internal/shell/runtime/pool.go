package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// EnvironmentStore is the minimal store interface the pool needs to look up
// environments.
type EnvironmentStore interface {
	GetEnvironment(ctx context.Context, environmentID string) (*domain.Environment, error)
}

// EnvironmentPool manages one ContainerRuntime per environment, created
// lazily from the environment's registered endpoint and cached.
type EnvironmentPool struct {
	runtimes map[string]ContainerRuntime // environmentID -> runtime
	store    EnvironmentStore
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewEnvironmentPool creates a new pool.
func NewEnvironmentPool(store EnvironmentStore, logger *slog.Logger) *EnvironmentPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnvironmentPool{
		runtimes: make(map[string]ContainerRuntime),
		store:    store,
		logger:   logger,
	}
}

// Get returns the runtime for the given environment, creating it on first
// use. Disabled environments are refused.
func (p *EnvironmentPool) Get(ctx context.Context, environmentID string) (ContainerRuntime, error) {
	p.mu.RLock()
	rt, exists := p.runtimes[environmentID]
	p.mu.RUnlock()

	if exists {
		return rt, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring the write lock
	if rt, exists := p.runtimes[environmentID]; exists {
		return rt, nil
	}

	env, err := p.store.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	if !env.Enabled {
		return nil, fmt.Errorf("environment %s is disabled", environmentID)
	}

	rt, err = NewDockerRuntime(env.Endpoint, p.logger.With("environment_id", environmentID))
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}

	p.runtimes[environmentID] = rt
	return rt, nil
}

// Remove drops an environment's runtime from the pool and closes it.
func (p *EnvironmentPool) Remove(environmentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rt, exists := p.runtimes[environmentID]
	if !exists {
		return nil
	}

	delete(p.runtimes, environmentID)
	return rt.Close()
}

// Refresh forces recreation of an environment's runtime. Useful when the
// endpoint has changed.
func (p *EnvironmentPool) Refresh(ctx context.Context, environmentID string) (ContainerRuntime, error) {
	if err := p.Remove(environmentID); err != nil {
		return nil, fmt.Errorf("remove cached runtime: %w", err)
	}
	return p.Get(ctx, environmentID)
}

// PingEnvironment checks that an environment's engine is reachable.
func (p *EnvironmentPool) PingEnvironment(ctx context.Context, environmentID string) error {
	rt, err := p.Get(ctx, environmentID)
	if err != nil {
		return err
	}
	return rt.Ping(ctx)
}

// Size returns the number of cached runtimes.
func (p *EnvironmentPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.runtimes)
}

// CloseAll closes every cached runtime. Called on shutdown.
func (p *EnvironmentPool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for environmentID, rt := range p.runtimes {
		if err := rt.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close runtime for environment %s: %w", environmentID, err)
		}
		delete(p.runtimes, environmentID)
	}
	return firstErr
}

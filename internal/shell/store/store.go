package store

import (
	"context"
	"time"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for StackPilot entities.
type Store interface {
	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error)
	ListDeploymentsByEnvironment(ctx context.Context, environmentID string, opts ListOptions) ([]domain.Deployment, error)
	ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error)

	// Product deployment operations
	CreateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error
	GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error)
	UpdateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error
	ListProductDeployments(ctx context.Context, opts ListOptions) ([]domain.ProductDeployment, error)
	ListProductDeploymentsByEnvironment(ctx context.Context, environmentID string, opts ListOptions) ([]domain.ProductDeployment, error)
	GetCurrentProductDeployment(ctx context.Context, environmentID, productGroupID string) (*domain.ProductDeployment, error)

	// Observer config operations. Connection strings are sealed at rest.
	SaveObserverConfig(ctx context.Context, cfg domain.ObserverConfig) error
	GetObserverConfig(ctx context.Context, deploymentID string) (*domain.ObserverConfig, error)
	DeleteObserverConfig(ctx context.Context, deploymentID string) error
	ListObserverConfigs(ctx context.Context) ([]domain.ObserverConfig, error)

	// Observer result operations
	SaveObserverResult(ctx context.Context, result domain.ObserverResult) error
	GetLatestObserverResult(ctx context.Context, deploymentID string) (*domain.ObserverResult, error)

	// Health snapshot operations
	AppendSnapshot(ctx context.Context, snapshot domain.HealthSnapshot) error
	GetLatestSnapshot(ctx context.Context, deploymentID string) (*domain.HealthSnapshot, error)
	GetLatestSnapshotsForEnvironment(ctx context.Context, environmentID string) ([]domain.HealthSnapshot, error)
	GetSnapshotHistory(ctx context.Context, deploymentID string, limit int) ([]domain.HealthSnapshot, error)
	RemoveSnapshotsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Catalog operations
	SaveProduct(ctx context.Context, def domain.ProductDefinition) error
	GetProduct(ctx context.Context, id string) (*domain.ProductDefinition, error)
	ListProductVersions(ctx context.Context, productGroupID string) ([]domain.ProductDefinition, error)
	SaveStackDefinition(ctx context.Context, def domain.StackDefinition) error
	GetStackDefinition(ctx context.Context, id string) (*domain.StackDefinition, error)

	// Environment operations
	UpsertEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

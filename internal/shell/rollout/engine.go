// Package rollout orchestrates deployments against container runtimes: single
// stack rollouts, multi-stack product rollouts with ordered execution and
// failure policy, upgrades with removed-stack teardown, and removal cascades.
// The engine owns the write path for deployment records; workers and the ops
// surface only read them.
package rollout

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/core/validation"
	"github.com/mkrenz/stackpilot/internal/shell/notify"
	"github.com/mkrenz/stackpilot/internal/shell/ops"
	"github.com/mkrenz/stackpilot/internal/shell/runtime"
)

var (
	ErrNoUpgradeAvailable  = errors.New("no upgrade available")
	ErrStackDefinitionGone = errors.New("stack definition not found in catalog")
	ErrInvalidDefinition   = errors.New("invalid definition")
)

// =============================================================================
// Consumer Interfaces
// =============================================================================

// Store is the persistence surface the engine needs. The full store
// implements it.
type Store interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error

	CreateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error
	GetProductDeployment(ctx context.Context, id string) (*domain.ProductDeployment, error)
	UpdateProductDeployment(ctx context.Context, pd *domain.ProductDeployment) error

	GetStackDefinition(ctx context.Context, id string) (*domain.StackDefinition, error)
	ListProductVersions(ctx context.Context, productGroupID string) ([]domain.ProductDefinition, error)

	SaveObserverConfig(ctx context.Context, cfg domain.ObserverConfig) error
	DeleteObserverConfig(ctx context.Context, deploymentID string) error
}

// RuntimeProvider resolves the container runtime for an environment. The
// environment pool implements it.
type RuntimeProvider interface {
	Get(ctx context.Context, environmentID string) (runtime.ContainerRuntime, error)
}

// =============================================================================
// Progress Reporting
// =============================================================================

// Progress is one progress update emitted while a rollout is in flight. For
// product rollouts the unit counters track stacks; for single-stack rollouts
// they stay zero.
type Progress struct {
	Phase           domain.DeploymentPhase `json:"phase"`
	Message         string                 `json:"message,omitempty"`
	PercentComplete int                    `json:"percent_complete"`
	CurrentUnit     string                 `json:"current_unit,omitempty"`
	TotalUnits      int                    `json:"total_units,omitempty"`
	CompletedUnits  int                    `json:"completed_units,omitempty"`
}

// ProgressFunc receives progress updates. Exactly one terminal phase
// (complete or error) ends every stream. A nil ProgressFunc is allowed.
type ProgressFunc func(Progress)

func (f ProgressFunc) emit(p Progress) {
	if f != nil {
		f(p)
	}
}

// =============================================================================
// Engine
// =============================================================================

// Engine executes rollouts. All operations are synchronous; callers wanting
// async behavior run them in their own goroutine and watch progress.
type Engine struct {
	store         Store
	runtimes      RuntimeProvider
	events        domain.EventSink
	notifier      notify.Notifier
	metrics       *ops.Metrics
	observerTypes validation.SupportedTypes
	logger        *slog.Logger
}

// NewEngine creates a rollout engine. A nil sink, notifier or logger is
// replaced with a no-op.
func NewEngine(store Store, runtimes RuntimeProvider, events domain.EventSink, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if events == nil {
		events = domain.NoopSink{}
	}
	if notifier == nil {
		notifier = &notify.NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		runtimes: runtimes,
		events:   events,
		notifier: notifier,
		logger:   logger,
	}
}

// SetMetrics attaches rollout counters. Safe to skip; a nil Metrics is a
// no-op.
func (e *Engine) SetMetrics(m *ops.Metrics) {
	e.metrics = m
}

// SetObserverTypes attaches the supported-type check used when validating
// stack definitions with a maintenance observer. Nil skips the type check.
func (e *Engine) SetObserverTypes(types validation.SupportedTypes) {
	e.observerTypes = types
}

// notify delivers a notice without letting delivery failures surface into
// the rollout outcome.
func (e *Engine) notify(ctx context.Context, notice notify.DeploymentNotice) {
	if err := e.notifier.Notify(ctx, notice); err != nil {
		e.logger.Warn("notification delivery failed",
			"kind", notice.Kind,
			"environment_id", notice.EnvironmentID,
			"error", err)
	}
}

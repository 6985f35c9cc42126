package rollout

import (
	"context"
	"fmt"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/core/validation"
	"github.com/mkrenz/stackpilot/internal/shell/notify"
)

// =============================================================================
// Product Rollout
// =============================================================================

// DeployProduct rolls a product's stacks out in order. Under ContinueOnError
// a failed stack does not stop the remaining ones; otherwise the rollout
// halts at the first failure and unattempted entries stay pending. The
// progress stream ends with exactly one terminal phase either way.
func (e *Engine) DeployProduct(ctx context.Context, environmentID string, def domain.ProductDefinition, deployedBy string, progress ProgressFunc) (*domain.ProductDeployment, error) {
	if field, message := validation.ValidateProductDefinition(def); message != "" {
		return nil, fmt.Errorf("%w: product %s: %s: %s", ErrInvalidDefinition, def.Name, field, message)
	}

	pd, err := domain.NewProductDeployment(environmentID, def, deployedBy)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateProductDeployment(ctx, pd); err != nil {
		return nil, err
	}

	e.deployStackEntries(ctx, pd, progress)
	return e.finishProductRollout(ctx, pd, notify.NoticeProductDeployed, progress)
}

// deployStackEntries runs the ordered deploy loop, recording each entry's
// outcome on the product deployment as it lands.
func (e *Engine) deployStackEntries(ctx context.Context, pd *domain.ProductDeployment, progress ProgressFunc) {
	ordered := pd.GetStacksInDeployOrder()
	total := len(ordered)

	for i, entry := range ordered {
		progress.emit(Progress{
			Phase:           domain.PhaseCreating,
			Message:         fmt.Sprintf("deploying stack %s", entry.StackName),
			PercentComplete: (i * 100) / total,
			CurrentUnit:     entry.StackName,
			TotalUnits:      total,
			CompletedUnits:  i,
		})

		if err := pd.BeginStack(entry.StackName); err != nil {
			e.logger.Error("could not begin stack entry",
				"product_deployment_id", pd.ID, "stack", entry.StackName, "error", err)
			continue
		}
		e.persistProduct(ctx, pd)

		child, err := e.deployStackEntry(ctx, pd, entry)
		if err != nil {
			childID := ""
			if child != nil {
				childID = child.ID
			}
			if failErr := pd.FailStack(entry.StackName, childID, err.Error()); failErr != nil {
				e.logger.Error("could not record stack failure",
					"product_deployment_id", pd.ID, "stack", entry.StackName, "error", failErr)
			}
			e.persistProduct(ctx, pd)

			e.logger.Warn("stack rollout failed",
				"product_deployment_id", pd.ID,
				"stack", entry.StackName,
				"continue_on_error", pd.ContinueOnError,
				"error", err)
			if !pd.ContinueOnError {
				return
			}
			continue
		}

		if err := pd.CompleteStack(entry.StackName, child.ID, child.StackName, len(child.Services)); err != nil {
			e.logger.Error("could not record stack completion",
				"product_deployment_id", pd.ID, "stack", entry.StackName, "error", err)
		}
		e.persistProduct(ctx, pd)
	}
}

func (e *Engine) deployStackEntry(ctx context.Context, pd *domain.ProductDeployment, entry domain.StackDeployment) (*domain.Deployment, error) {
	def, err := e.store.GetStackDefinition(ctx, entry.StackID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStackDefinitionGone, entry.StackID)
	}

	variables := domain.MergeVariables(pd.SharedVariables, def.Variables)
	return e.DeployStack(ctx, pd.EnvironmentID, *def, variables, pd.DeployedBy, nil)
}

// finishProductRollout derives the aggregate outcome, persists it and closes
// the progress stream with its single terminal phase.
func (e *Engine) finishProductRollout(ctx context.Context, pd *domain.ProductDeployment, kind notify.NoticeKind, progress ProgressFunc) (*domain.ProductDeployment, error) {
	status := pd.FinishRollout()
	if err := e.store.UpdateProductDeployment(ctx, pd); err != nil {
		progress.emit(Progress{Phase: domain.PhaseError, Message: err.Error(), PercentComplete: 100})
		return pd, err
	}
	e.notify(ctx, notify.NewProductNotice(kind, pd))

	e.logger.Info("product rollout finished",
		"product_deployment_id", pd.ID,
		"product", pd.ProductName,
		"version", pd.ProductVersion,
		"status", status,
		"completed_stacks", pd.CompletedStacks,
		"failed_stacks", pd.FailedStacks)

	if status == domain.ProductStatusFailed {
		progress.emit(Progress{
			Phase:           domain.PhaseError,
			Message:         fmt.Sprintf("product rollout failed: %d of %d stacks failed", pd.FailedStacks, pd.TotalStacks),
			PercentComplete: 100,
			TotalUnits:      pd.TotalStacks,
			CompletedUnits:  pd.CompletedStacks,
		})
		return pd, fmt.Errorf("product %s rollout failed: %d of %d stacks failed",
			pd.ProductName, pd.FailedStacks, pd.TotalStacks)
	}

	progress.emit(Progress{
		Phase:           domain.PhaseComplete,
		Message:         fmt.Sprintf("product rollout finished: %s", status),
		PercentComplete: 100,
		TotalUnits:      pd.TotalStacks,
		CompletedUnits:  pd.CompletedStacks,
	})
	return pd, nil
}

func (e *Engine) persistProduct(ctx context.Context, pd *domain.ProductDeployment) {
	if err := e.store.UpdateProductDeployment(ctx, pd); err != nil {
		e.logger.Error("could not persist product deployment",
			"product_deployment_id", pd.ID, "error", err)
	}
}

// =============================================================================
// Upgrade
// =============================================================================

// CheckUpgrade reports whether a newer catalog version exists for the
// product deployment's group.
func (e *Engine) CheckUpgrade(ctx context.Context, productDeploymentID string) (domain.UpgradeCheck, error) {
	pd, err := e.store.GetProductDeployment(ctx, productDeploymentID)
	if err != nil {
		return domain.UpgradeCheck{}, err
	}
	versions, err := e.store.ListProductVersions(ctx, pd.ProductGroupID)
	if err != nil {
		return domain.UpgradeCheck{}, err
	}
	return domain.CheckUpgrade(pd, versions), nil
}

// UpgradeProduct replaces a running product deployment with the latest
// catalog version. The old generation's stacks are torn down first (volumes
// are kept), then the new generation deploys from scratch; stacks absent
// from the new version are removed for good as part of the teardown.
func (e *Engine) UpgradeProduct(ctx context.Context, productDeploymentID string, progress ProgressFunc) (*domain.ProductDeployment, error) {
	current, err := e.store.GetProductDeployment(ctx, productDeploymentID)
	if err != nil {
		return nil, err
	}

	versions, err := e.store.ListProductVersions(ctx, current.ProductGroupID)
	if err != nil {
		return nil, err
	}
	check := domain.CheckUpgrade(current, versions)
	if !check.UpgradeAvailable {
		return nil, fmt.Errorf("%w: current %s, latest %s",
			ErrNoUpgradeAvailable, check.CurrentVersion, check.LatestVersion)
	}

	next, err := current.NewUpgrade(versions[0])
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateProductDeployment(ctx, next); err != nil {
		return nil, err
	}

	progress.emit(Progress{
		Phase:   domain.PhaseUpgrading,
		Message: fmt.Sprintf("upgrading %s from %s to %s", current.ProductName, current.ProductVersion, next.ProductVersion),
	})

	if err := e.retireGeneration(ctx, current); err != nil {
		progress.emit(Progress{Phase: domain.PhaseError, Message: err.Error(), PercentComplete: 100})
		return next, err
	}

	e.deployStackEntries(ctx, next, progress)
	return e.finishProductRollout(ctx, next, notify.NoticeProductUpgraded, progress)
}

// retireGeneration tears down every child deployment of an old generation
// and marks the generation removed. Volumes are kept so stateful stacks
// survive the upgrade.
func (e *Engine) retireGeneration(ctx context.Context, pd *domain.ProductDeployment) error {
	if err := pd.MarkRemoving(); err != nil {
		return err
	}
	if err := e.store.UpdateProductDeployment(ctx, pd); err != nil {
		return err
	}

	for _, entry := range pd.Stacks {
		if entry.DeploymentID == "" {
			continue
		}
		child, err := e.store.GetDeployment(ctx, entry.DeploymentID)
		if err != nil {
			return fmt.Errorf("load child deployment %s: %w", entry.DeploymentID, err)
		}
		if child.Status == domain.StatusRemoved {
			continue
		}
		if err := e.removeDeployment(ctx, child, false); err != nil {
			return fmt.Errorf("retire stack %s: %w", entry.StackName, err)
		}
	}

	pd.MarkRemoved()
	return e.store.UpdateProductDeployment(ctx, pd)
}

// =============================================================================
// Removal
// =============================================================================

// RemoveProduct tears down every stack of a product deployment and retires
// the record. Only products in the running family can be removed; the
// cascade stops at the first child that fails to come down, leaving the
// product in the removing state for a retry.
func (e *Engine) RemoveProduct(ctx context.Context, productDeploymentID string, removeVolumes bool, progress ProgressFunc) error {
	pd, err := e.store.GetProductDeployment(ctx, productDeploymentID)
	if err != nil {
		return err
	}

	if err := pd.MarkRemoving(); err != nil {
		return err
	}
	if err := e.store.UpdateProductDeployment(ctx, pd); err != nil {
		return err
	}

	total := len(pd.Stacks)
	for i, entry := range pd.Stacks {
		if entry.DeploymentID == "" {
			continue
		}
		progress.emit(Progress{
			Phase:           domain.PhaseRemoving,
			Message:         fmt.Sprintf("removing stack %s", entry.StackName),
			PercentComplete: (i * 100) / total,
			CurrentUnit:     entry.StackName,
			TotalUnits:      total,
			CompletedUnits:  i,
		})

		child, err := e.store.GetDeployment(ctx, entry.DeploymentID)
		if err != nil {
			progress.emit(Progress{Phase: domain.PhaseError, Message: err.Error(), PercentComplete: 100})
			return fmt.Errorf("load child deployment %s: %w", entry.DeploymentID, err)
		}
		if child.Status == domain.StatusRemoved {
			continue
		}
		if err := e.removeDeployment(ctx, child, removeVolumes); err != nil {
			progress.emit(Progress{Phase: domain.PhaseError, Message: err.Error(), PercentComplete: 100})
			return fmt.Errorf("remove stack %s: %w", entry.StackName, err)
		}
	}

	pd.MarkRemoved()
	if err := e.store.UpdateProductDeployment(ctx, pd); err != nil {
		progress.emit(Progress{Phase: domain.PhaseError, Message: err.Error(), PercentComplete: 100})
		return err
	}
	e.notify(ctx, notify.NewProductNotice(notify.NoticeProductRemoved, pd))

	progress.emit(Progress{
		Phase:           domain.PhaseComplete,
		Message:         "product removed",
		PercentComplete: 100,
		TotalUnits:      total,
		CompletedUnits:  total,
	})

	e.logger.Info("product removed",
		"product_deployment_id", pd.ID,
		"product", pd.ProductName,
		"remove_volumes", removeVolumes)
	return nil
}

package rollout

import (
	"context"
	"errors"
	"fmt"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/core/validation"
	"github.com/mkrenz/stackpilot/internal/shell/notify"
	"github.com/mkrenz/stackpilot/internal/shell/store"
)

// =============================================================================
// Single Stack Rollout
// =============================================================================

// DeployStack rolls one stack out to an environment. The deployment record
// is persisted before any runtime work so a crash mid-rollout leaves an
// auditable pending record; failures are recorded on the deployment, not
// just returned.
func (e *Engine) DeployStack(ctx context.Context, environmentID string, def domain.StackDefinition, variables map[string]string, deployedBy string, progress ProgressFunc) (*domain.Deployment, error) {
	if field, message := validation.ValidateStackDefinition(def, e.observerTypes); message != "" {
		return nil, fmt.Errorf("%w: stack %s: %s: %s", ErrInvalidDefinition, def.Name, field, message)
	}

	deployment, started, err := domain.NewDeployment(environmentID, def.Name, def.Version, def.Name, deployedBy)
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	e.events.Publish(ctx, started)
	e.notify(ctx, notify.NewDeploymentNotice(notify.NoticeDeploymentStarted, deployment))

	progress.emit(Progress{Phase: domain.PhaseQueued, Message: "deployment queued", PercentComplete: 0})

	services, err := e.runStack(ctx, deployment, def, variables, progress)
	if err != nil {
		return deployment, e.failDeployment(ctx, deployment, err, progress)
	}

	completed, err := deployment.MarkAsRunning(services)
	if err != nil {
		return deployment, e.failDeployment(ctx, deployment, err, progress)
	}
	if err := e.store.UpdateDeployment(ctx, deployment); err != nil {
		return deployment, err
	}
	e.events.Publish(ctx, completed)
	e.notify(ctx, notify.NewDeploymentNotice(notify.NoticeDeploymentRunning, deployment))
	e.metrics.IncRollout(environmentID, "succeeded")
	e.registerObserver(ctx, deployment, def)

	progress.emit(Progress{Phase: domain.PhaseComplete, Message: "deployment completed", PercentComplete: 100})

	e.logger.Info("stack deployed",
		"deployment_id", deployment.ID,
		"environment_id", environmentID,
		"stack", def.Name,
		"services", len(services))
	return deployment, nil
}

// registerObserver stores the stack's maintenance observer config, keyed to
// the new deployment, so the poller picks it up on its next cycle. Rollouts
// never fail over observer bookkeeping.
func (e *Engine) registerObserver(ctx context.Context, deployment *domain.Deployment, def domain.StackDefinition) {
	if def.Observer == nil {
		return
	}
	cfg := *def.Observer
	cfg.DeploymentID = deployment.ID
	if err := e.store.SaveObserverConfig(ctx, cfg); err != nil {
		e.logger.Warn("could not register maintenance observer",
			"deployment_id", deployment.ID, "type", cfg.Type, "error", err)
	}
}

// runStack performs the runtime half of a rollout and records phases on the
// deployment as it goes.
func (e *Engine) runStack(ctx context.Context, deployment *domain.Deployment, def domain.StackDefinition, variables map[string]string, progress ProgressFunc) ([]domain.DeployedService, error) {
	rt, err := e.runtimes.Get(ctx, deployment.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("resolve runtime for environment %s: %w", deployment.EnvironmentID, err)
	}

	progress.emit(Progress{Phase: domain.PhaseCreating, Message: "creating containers", PercentComplete: 25})
	deployment.RecordPhase(domain.PhaseCreating, "creating containers")

	services, err := rt.DeployStack(ctx, deployment, def, variables)
	if err != nil {
		return nil, err
	}

	progress.emit(Progress{Phase: domain.PhaseStarting, Message: "starting services", PercentComplete: 75})
	return services, nil
}

// failDeployment records a failure on the deployment and emits the terminal
// error progress. The original failure is returned even when persisting the
// failed state also errors.
func (e *Engine) failDeployment(ctx context.Context, deployment *domain.Deployment, cause error, progress ProgressFunc) error {
	event, markErr := deployment.MarkAsFailed(cause.Error())
	if markErr != nil {
		e.logger.Error("could not mark deployment failed",
			"deployment_id", deployment.ID, "error", markErr)
	} else {
		if err := e.store.UpdateDeployment(ctx, deployment); err != nil {
			e.logger.Error("could not persist failed deployment",
				"deployment_id", deployment.ID, "error", err)
		}
		e.events.Publish(ctx, event)
		e.notify(ctx, notify.NewDeploymentNotice(notify.NoticeDeploymentFailed, deployment))
	}
	e.metrics.IncRollout(deployment.EnvironmentID, "failed")

	progress.emit(Progress{Phase: domain.PhaseError, Message: cause.Error(), PercentComplete: 100})
	return cause
}

// =============================================================================
// Stop / Restart / Remove
// =============================================================================

// StopDeployment halts a running deployment's containers and records the
// stopped state.
func (e *Engine) StopDeployment(ctx context.Context, deploymentID string) error {
	deployment, err := e.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}

	rt, err := e.runtimes.Get(ctx, deployment.EnvironmentID)
	if err != nil {
		return err
	}
	if err := rt.StopStack(ctx, deploymentID); err != nil {
		return fmt.Errorf("stop stack %s: %w", deploymentID, err)
	}

	if err := deployment.MarkAsStopped(); err != nil {
		return err
	}
	if err := e.store.UpdateDeployment(ctx, deployment); err != nil {
		return err
	}

	e.logger.Info("deployment stopped", "deployment_id", deploymentID)
	return nil
}

// RestartDeployment starts a stopped deployment's containers again. Failed
// deployments are rejected by the state machine; they must be removed and
// redeployed.
func (e *Engine) RestartDeployment(ctx context.Context, deploymentID string) error {
	deployment, err := e.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}

	// Reject before touching the runtime so an illegal restart never
	// starts containers it cannot record.
	if err := domain.ValidateTransition(deployment.Status, domain.StatusRunning); err != nil {
		return err
	}

	rt, err := e.runtimes.Get(ctx, deployment.EnvironmentID)
	if err != nil {
		return err
	}
	services, err := rt.StartStack(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("start stack %s: %w", deploymentID, err)
	}

	if err := deployment.Restart(services); err != nil {
		return err
	}
	if err := e.store.UpdateDeployment(ctx, deployment); err != nil {
		return err
	}

	e.logger.Info("deployment restarted", "deployment_id", deploymentID)
	return nil
}

// RemoveDeployment tears a deployment's containers down and retires the
// record. A running deployment is stopped first; removal is never a direct
// transition from running.
func (e *Engine) RemoveDeployment(ctx context.Context, deploymentID string, removeVolumes bool) error {
	deployment, err := e.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	return e.removeDeployment(ctx, deployment, removeVolumes)
}

func (e *Engine) removeDeployment(ctx context.Context, deployment *domain.Deployment, removeVolumes bool) error {
	rt, err := e.runtimes.Get(ctx, deployment.EnvironmentID)
	if err != nil {
		return err
	}

	if deployment.Status == domain.StatusRunning {
		if err := rt.StopStack(ctx, deployment.ID); err != nil {
			return fmt.Errorf("stop stack %s before removal: %w", deployment.ID, err)
		}
		if err := deployment.MarkAsStopped(); err != nil {
			return err
		}
		if err := e.store.UpdateDeployment(ctx, deployment); err != nil {
			return err
		}
	}

	if err := rt.RemoveStack(ctx, deployment.ID, removeVolumes); err != nil {
		return fmt.Errorf("remove stack %s: %w", deployment.ID, err)
	}

	if err := deployment.MarkAsRemoved(); err != nil {
		return err
	}
	if err := e.store.UpdateDeployment(ctx, deployment); err != nil {
		return err
	}
	if err := e.store.DeleteObserverConfig(ctx, deployment.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("could not delete maintenance observer",
			"deployment_id", deployment.ID, "error", err)
	}
	e.notify(ctx, notify.NewDeploymentNotice(notify.NoticeDeploymentRemoved, deployment))

	e.logger.Info("deployment removed",
		"deployment_id", deployment.ID,
		"remove_volumes", removeVolumes)
	return nil
}

// Package notify delivers deployment outcome notices to external systems:
// Slack webhooks, generic HTTP webhooks, or both. Delivery is rate limited
// per environment and retried with backoff; a failed notice never fails the
// rollout that produced it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// =============================================================================
// Notices
// =============================================================================

// NoticeKind identifies the lifecycle moment a notice describes.
type NoticeKind string

const (
	NoticeDeploymentStarted NoticeKind = "deployment_started"
	NoticeDeploymentRunning NoticeKind = "deployment_running"
	NoticeDeploymentFailed  NoticeKind = "deployment_failed"
	NoticeDeploymentRemoved NoticeKind = "deployment_removed"
	NoticeProductDeployed   NoticeKind = "product_deployed"
	NoticeProductUpgraded   NoticeKind = "product_upgraded"
	NoticeProductRemoved    NoticeKind = "product_removed"
)

// DeploymentNotice is one outward-facing notification about a rollout
// outcome. Product-level notices carry the product fields; stack-level
// notices leave them empty.
type DeploymentNotice struct {
	Kind            NoticeKind `json:"kind"`
	EnvironmentID   string     `json:"environment_id"`
	DeploymentID    string     `json:"deployment_id,omitempty"`
	StackName       string     `json:"stack_name,omitempty"`
	ProductName     string     `json:"product_name,omitempty"`
	Version         string     `json:"version,omitempty"`
	PreviousVersion string     `json:"previous_version,omitempty"`
	Status          string     `json:"status"`
	Message         string     `json:"message,omitempty"`
	OccurredAt      time.Time  `json:"occurred_at"`
}

// NewDeploymentNotice builds a stack-level notice from a deployment record.
func NewDeploymentNotice(kind NoticeKind, d *domain.Deployment) DeploymentNotice {
	return DeploymentNotice{
		Kind:          kind,
		EnvironmentID: d.EnvironmentID,
		DeploymentID:  d.ID,
		StackName:     d.StackName,
		Version:       d.StackVersion,
		Status:        string(d.Status),
		Message:       d.ErrorMessage,
		OccurredAt:    time.Now().UTC(),
	}
}

// NewProductNotice builds a product-level notice from a product deployment.
func NewProductNotice(kind NoticeKind, pd *domain.ProductDeployment) DeploymentNotice {
	message := ""
	if pd.FailedStacks > 0 {
		message = formatStackCounts(pd)
	}
	return DeploymentNotice{
		Kind:            kind,
		EnvironmentID:   pd.EnvironmentID,
		ProductName:     pd.ProductName,
		Version:         pd.ProductVersion,
		PreviousVersion: pd.PreviousVersion,
		Status:          string(pd.Status),
		Message:         message,
		OccurredAt:      time.Now().UTC(),
	}
}

func formatStackCounts(pd *domain.ProductDeployment) string {
	return fmt.Sprintf("%d of %d stacks completed, %d failed",
		pd.CompletedStacks, pd.TotalStacks, pd.FailedStacks)
}

// Notifier delivers deployment notices to an external system.
type Notifier interface {
	Notify(ctx context.Context, notice DeploymentNotice) error
}

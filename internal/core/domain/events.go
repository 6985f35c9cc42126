package domain

import (
	"context"
	"time"
)

// =============================================================================
// Deployment Events
// =============================================================================

// DeploymentEventType identifies the lifecycle moment an event describes.
type DeploymentEventType string

const (
	EventDeploymentStarted   DeploymentEventType = "deployment_started"
	EventDeploymentCompleted DeploymentEventType = "deployment_completed"
)

// DeploymentEvent is an explicit notification value produced by aggregate
// mutations. Aggregates return events instead of accumulating them; the
// caller decides whether and where to publish.
type DeploymentEvent struct {
	Type          DeploymentEventType `json:"type"`
	DeploymentID  string              `json:"deployment_id"`
	EnvironmentID string              `json:"environment_id"`
	StackName     string              `json:"stack_name"`
	Status        DeploymentStatus    `json:"status"`
	ErrorMessage  string              `json:"error_message,omitempty"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

// NewDeploymentEvent builds an event from the deployment's current state.
func NewDeploymentEvent(eventType DeploymentEventType, d *Deployment) DeploymentEvent {
	return DeploymentEvent{
		Type:          eventType,
		DeploymentID:  d.ID,
		EnvironmentID: d.EnvironmentID,
		StackName:     d.StackName,
		Status:        d.Status,
		ErrorMessage:  d.ErrorMessage,
		OccurredAt:    time.Now().UTC(),
	}
}

// EventSink receives deployment events. Implementations must not block
// rollout progress; slow delivery belongs behind the sink.
type EventSink interface {
	Publish(ctx context.Context, event DeploymentEvent)
}

// NoopSink discards events.
type NoopSink struct{}

func (NoopSink) Publish(context.Context, DeploymentEvent) {}

// Package domain contains the core types for StackPilot: the deployment and
// product-deployment aggregates, the maintenance observer contract, and the
// health snapshot vocabulary. Everything here is pure; I/O lives in the shell.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrEnvironmentRequired = errors.New("environment is required")
	ErrStackNameRequired   = errors.New("stack name is required")
	ErrNoServices          = errors.New("at least one service is required")
	ErrServiceNotFound     = errors.New("service not found in deployment")
)

// =============================================================================
// Deployment Status
// =============================================================================

// DeploymentStatus is the canonical status vocabulary for a stack rollout.
// Every consumer (orchestrator, upgrade checks, restart handling, health
// summaries) reads this one enum.
type DeploymentStatus string

const (
	StatusPending DeploymentStatus = "pending"
	StatusRunning DeploymentStatus = "running"
	StatusStopped DeploymentStatus = "stopped"
	StatusFailed  DeploymentStatus = "failed"
	StatusRemoved DeploymentStatus = "removed"
)

// IsActive reports whether the deployment still occupies its environment.
// Removed is a terminal status, not a deletion; removed records stay queryable.
func (s DeploymentStatus) IsActive() bool {
	return s != StatusRemoved
}

// =============================================================================
// Deployment Phases
// =============================================================================

// DeploymentPhase tags entries in a deployment's phase history and the
// progress callbacks emitted while a rollout is in flight.
type DeploymentPhase string

const (
	PhaseQueued    DeploymentPhase = "queued"
	PhasePulling   DeploymentPhase = "pulling"
	PhaseCreating  DeploymentPhase = "creating"
	PhaseStarting  DeploymentPhase = "starting"
	PhaseStopping  DeploymentPhase = "stopping"
	PhaseUpgrading DeploymentPhase = "upgrading"
	PhaseRemoving  DeploymentPhase = "removing"
	PhaseComplete  DeploymentPhase = "complete"
	PhaseError     DeploymentPhase = "error"
)

// IsTerminal reports whether the phase ends a rollout's progress stream.
func (p DeploymentPhase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// PhaseRecord is one append-only entry in a deployment's phase history.
type PhaseRecord struct {
	Phase      DeploymentPhase `json:"phase"`
	Message    string          `json:"message,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// =============================================================================
// Deployed Services
// =============================================================================

// Service status values tracked per deployed service. The per-service status
// is a free-form string fed by the container runtime; these constants cover
// the values the lifecycle methods set themselves.
const (
	ServiceStatusRunning = "running"
	ServiceStatusStopped = "stopped"
	ServiceStatusRemoved = "removed"
)

// DeployedService is one service container belonging to a deployment.
type DeployedService struct {
	ServiceName   string `json:"service_name"`
	ContainerID   string `json:"container_id,omitempty"`
	ContainerName string `json:"container_name,omitempty"`
	Image         string `json:"image,omitempty"`
	Status        string `json:"status"`
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is the authoritative record of one stack's rollout to one
// environment. Status only moves along the edges in validTransitions;
// CompletedAt is stamped exactly once, when a terminal or running state is
// first reached. Version increments on every mutation so the persistence
// layer can compare-and-swap concurrent writers.
type Deployment struct {
	ID            string            `json:"id"`
	EnvironmentID string            `json:"environment_id"`
	StackName     string            `json:"stack_name"`
	StackVersion  string            `json:"stack_version,omitempty"`
	ProjectName   string            `json:"project_name"`
	Status        DeploymentStatus  `json:"status"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	DeployedBy    string            `json:"deployed_by,omitempty"`
	Services      []DeployedService `json:"services,omitempty"`
	PhaseHistory  []PhaseRecord     `json:"phase_history,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	Version       int64             `json:"version"`
}

// NewDeployment starts a new rollout record in the pending state and returns
// the "deployment started" event for the caller to publish.
func NewDeployment(environmentID, stackName, stackVersion, projectName, deployedBy string) (*Deployment, DeploymentEvent, error) {
	if environmentID == "" {
		return nil, DeploymentEvent{}, ErrEnvironmentRequired
	}
	if stackName == "" {
		return nil, DeploymentEvent{}, ErrStackNameRequired
	}
	if projectName == "" {
		projectName = stackName
	}

	now := time.Now().UTC()
	d := &Deployment{
		ID:            uuid.New().String(),
		EnvironmentID: environmentID,
		StackName:     stackName,
		StackVersion:  stackVersion,
		ProjectName:   projectName,
		Status:        StatusPending,
		DeployedBy:    deployedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	d.appendPhase(PhaseQueued, "deployment started")

	return d, NewDeploymentEvent(EventDeploymentStarted, d), nil
}

// MarkAsRunning completes the initial rollout. Legal only from pending; the
// service set is replaced wholesale and CompletedAt is stamped.
func (d *Deployment) MarkAsRunning(services []DeployedService) (DeploymentEvent, error) {
	if d.Status != StatusPending {
		return DeploymentEvent{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, StatusRunning)
	}
	if len(services) == 0 {
		return DeploymentEvent{}, ErrNoServices
	}

	d.Status = StatusRunning
	d.Services = append([]DeployedService(nil), services...)
	d.ErrorMessage = ""
	d.stampCompleted()
	d.appendPhase(PhaseComplete, "deployment completed")
	d.touch()

	return NewDeploymentEvent(EventDeploymentCompleted, d), nil
}

// MarkAsFailed records a rollout or runtime failure. Legal from any
// non-terminal state; the reason and completion time are stamped.
func (d *Deployment) MarkAsFailed(reason string) (DeploymentEvent, error) {
	if err := ValidateTransition(d.Status, StatusFailed); err != nil {
		return DeploymentEvent{}, err
	}

	d.Status = StatusFailed
	d.ErrorMessage = reason
	d.stampCompleted()
	d.appendPhase(PhaseError, reason)
	d.touch()

	return NewDeploymentEvent(EventDeploymentCompleted, d), nil
}

// MarkAsStopped halts a running deployment and marks every service stopped.
func (d *Deployment) MarkAsStopped() error {
	if d.Status != StatusRunning {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, StatusStopped)
	}

	d.Status = StatusStopped
	for i := range d.Services {
		d.Services[i].Status = ServiceStatusStopped
	}
	d.appendPhase(PhaseStopping, "deployment stopped")
	d.touch()

	return nil
}

// Restart re-enters the running state directly from stopped, without
// re-traversing pending. A failed deployment cannot be restarted; it must be
// removed and redeployed. When services is non-empty it replaces the service
// set (redeploy under new containers), otherwise the existing services are
// marked running again.
func (d *Deployment) Restart(services []DeployedService) error {
	if d.Status != StatusStopped {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, StatusRunning)
	}

	d.Status = StatusRunning
	if len(services) > 0 {
		d.Services = append([]DeployedService(nil), services...)
	} else {
		for i := range d.Services {
			d.Services[i].Status = ServiceStatusRunning
		}
	}
	d.ErrorMessage = ""
	d.appendPhase(PhaseStarting, "deployment restarted")
	d.touch()

	return nil
}

// MarkAsRemoved retires the deployment. Terminal: the record is kept but the
// stack no longer occupies its environment.
func (d *Deployment) MarkAsRemoved() error {
	if err := ValidateTransition(d.Status, StatusRemoved); err != nil {
		return err
	}

	d.Status = StatusRemoved
	for i := range d.Services {
		d.Services[i].Status = ServiceStatusRemoved
	}
	d.stampCompleted()
	d.appendPhase(PhaseRemoving, "deployment removed")
	d.touch()

	return nil
}

// UpdateServiceStatus mutates one service's status string. No state-machine
// implication; the aggregate status is not derived from service statuses.
func (d *Deployment) UpdateServiceStatus(name, status string) error {
	for i := range d.Services {
		if d.Services[i].ServiceName == name {
			d.Services[i].Status = status
			d.touch()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
}

// RecordPhase appends an entry to the deployment's phase history.
func (d *Deployment) RecordPhase(phase DeploymentPhase, message string) {
	d.appendPhase(phase, message)
	d.touch()
}

// ServiceByName returns the deployed service with the given name.
func (d *Deployment) ServiceByName(name string) (DeployedService, bool) {
	for _, svc := range d.Services {
		if svc.ServiceName == name {
			return svc, true
		}
	}
	return DeployedService{}, false
}

func (d *Deployment) appendPhase(phase DeploymentPhase, message string) {
	d.PhaseHistory = append(d.PhaseHistory, PhaseRecord{
		Phase:      phase,
		Message:    message,
		RecordedAt: time.Now().UTC(),
	})
}

func (d *Deployment) stampCompleted() {
	if d.CompletedAt == nil {
		now := time.Now().UTC()
		d.CompletedAt = &now
	}
}

func (d *Deployment) touch() {
	d.Version++
	d.UpdatedAt = time.Now().UTC()
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed status transitions. Note the
// asymmetry: stopped re-enters running directly (restart), while failed only
// leads to removed. Failure is not assumed recoverable in place.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusStopped, StatusFailed},
	StatusStopped: {StatusRunning, StatusFailed, StatusRemoved},
	StatusFailed:  {StatusRemoved},
	StatusRemoved: {},
}

// ValidateTransition checks whether a status transition is legal. Illegal
// requests are rejected before any mutation, never silently ignored.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

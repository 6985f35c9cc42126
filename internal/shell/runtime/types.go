// Package runtime adapts a container engine to the deployment orchestrator.
// It exposes stack-level operations (deploy, stop, start, remove) on top of
// low-level container plumbing, tagging every created resource with
// stackpilot labels so ownership survives process restarts.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name          string
	Image         string
	Command       []string
	Env           map[string]string
	Labels        map[string]string
	Ports         []PortBinding
	Volumes       []VolumeMount
	Networks      []string
	RestartPolicy RestartPolicy
	HealthCheck   *HealthCheck
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// VolumeMount defines a volume mount.
type VolumeMount struct {
	Source   string // Volume name or host path
	Target   string // Container path
	ReadOnly bool
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// HealthCheck defines container health check configuration.
type HealthCheck struct {
	Test     []string
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// =============================================================================
// Container Info
// =============================================================================

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated    ContainerStatus = "created"
	ContainerStatusRunning    ContainerStatus = "running"
	ContainerStatusPaused     ContainerStatus = "paused"
	ContainerStatusRestarting ContainerStatus = "restarting"
	ContainerStatusRemoving   ContainerStatus = "removing"
	ContainerStatusExited     ContainerStatus = "exited"
	ContainerStatusDead       ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID           string
	Name         string
	Image        string
	Status       ContainerStatus
	Health       string // "healthy", "unhealthy", "starting", ""
	RestartCount int
	CreatedAt    time.Time
	StartedAt    *time.Time
	Ports        []PortBinding
	Labels       map[string]string
	ExitCode     int
}

// ServiceName returns the service label value, falling back to the container
// name when the label is absent.
func (c ContainerInfo) ServiceName() string {
	if svc, ok := c.Labels[LabelService]; ok && svc != "" {
		return svc
	}
	return c.Name
}

// VolumeInfo describes a named volume.
type VolumeInfo struct {
	Name       string
	Driver     string
	Mountpoint string
	Labels     map[string]string
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All     bool              // Include stopped containers
	Filters map[string]string // e.g., {"label": "io.stackpilot.deployment=xyz"}
}

// =============================================================================
// Runtime Interface
// =============================================================================

// ContainerRuntime is the engine surface the orchestrator and workers consume.
// Stack-level operations own resource naming and labelling; the container
// operations exist for targeted intervention and health collection.
type ContainerRuntime interface {
	// Stack operations
	DeployStack(ctx context.Context, deployment *domain.Deployment, def domain.StackDefinition, variables map[string]string) ([]domain.DeployedService, error)
	StopStack(ctx context.Context, deploymentID string) error
	StartStack(ctx context.Context, deploymentID string) ([]domain.DeployedService, error)
	RemoveStack(ctx context.Context, deploymentID string, removeVolumes bool) error

	// Container operations
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error

	// Volume operations
	InspectVolume(ctx context.Context, name string) (*VolumeInfo, error)
	ListVolumes(ctx context.Context, deploymentID string) ([]VolumeInfo, error)
	ContainerVolumeMounts(ctx context.Context, containerID string) ([]VolumeMount, error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Labels and Naming
// =============================================================================

const (
	LabelManaged    = "io.stackpilot.managed"
	LabelDeployment = "io.stackpilot.deployment"
	LabelStack      = "io.stackpilot.stack"
	LabelService    = "io.stackpilot.service"
)

// deploymentFilter returns the label filter selecting a deployment's containers.
func deploymentFilter(deploymentID string) map[string]string {
	return map[string]string{
		"label": fmt.Sprintf("%s=%s", LabelDeployment, deploymentID),
	}
}

// DeploymentListOptions lists every container of one deployment, including
// stopped ones.
func DeploymentListOptions(deploymentID string) ListOptions {
	return ListOptions{All: true, Filters: deploymentFilter(deploymentID)}
}

// ContainerName returns the deterministic container name for a service.
func ContainerName(projectName, serviceName string) string {
	return fmt.Sprintf("sp_%s_%s", projectName, serviceName)
}

// NetworkName returns the deterministic network name for a deployment.
func NetworkName(projectName string) string {
	return fmt.Sprintf("sp_%s_net", projectName)
}

// VolumeName returns the deterministic name for a stack-owned volume.
func VolumeName(projectName, volumeName string) string {
	return fmt.Sprintf("sp_%s_%s", projectName, volumeName)
}

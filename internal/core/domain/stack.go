package domain

import "time"

// =============================================================================
// Stack Definitions (pre-parsed input)
// =============================================================================

// StackDefinition is one deployable unit of one or more services. It arrives
// pre-parsed from the catalog or stack source; nothing in this module parses
// manifests.
type StackDefinition struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	DisplayName string              `json:"display_name,omitempty"`
	Version     string              `json:"version,omitempty"`
	Services    []ServiceDefinition `json:"services"`
	Volumes     []VolumeDefinition  `json:"volumes,omitempty"`
	Networks    []string            `json:"networks,omitempty"`
	Variables   map[string]string   `json:"variables,omitempty"`
	Observer    *ObserverConfig     `json:"observer,omitempty"`
	HealthCheck *HealthCheckConfig  `json:"health_check,omitempty"`
}

// ServiceDefinition is one service template inside a stack.
type ServiceDefinition struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Command     []string          `json:"command,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Ports       []PortMapping     `json:"ports,omitempty"`
	Volumes     []VolumeBinding   `json:"volumes,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Restart     string            `json:"restart,omitempty"`
	HealthProbe *ServiceProbe     `json:"health_probe,omitempty"`
}

// PortMapping maps a container port to an optional host port.
type PortMapping struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
}

// VolumeDefinition declares a named volume owned by the stack.
type VolumeDefinition struct {
	Name   string `json:"name"`
	Driver string `json:"driver,omitempty"`
}

// VolumeBinding mounts a volume or host path into a service container.
type VolumeBinding struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// ServiceProbe is a container-level health check declared by the manifest.
type ServiceProbe struct {
	Test     []string      `json:"test"`
	Interval time.Duration `json:"interval,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
	Retries  int           `json:"retries,omitempty"`
}

// HealthCheckConfig declares the optional bus/infra signals folded into a
// stack's health snapshots.
type HealthCheckConfig struct {
	BusEndpoints []string          `json:"bus_endpoints,omitempty"`
	Database     *DatabaseCheck    `json:"database,omitempty"`
	DiskPath     string            `json:"disk_path,omitempty"`
	External     []ExternalService `json:"external,omitempty"`
}

// DatabaseCheck declares a database ping probe.
type DatabaseCheck struct {
	Driver     string `json:"driver"`
	Connection string `json:"connection"`
}

// ExternalService declares an HTTP ping against a dependency outside the stack.
type ExternalService struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// =============================================================================
// Product Definitions (catalog input)
// =============================================================================

// StackRef is one ordered stack reference inside a product definition.
type StackRef struct {
	StackID     string `json:"stack_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Order       int    `json:"order"`
}

// ProductDefinition is a catalog grouping of stacks deployed together as one
// logical unit. GroupID identifies the product across versions.
type ProductDefinition struct {
	ID              string            `json:"id"`
	GroupID         string            `json:"group_id"`
	Name            string            `json:"name"`
	DisplayName     string            `json:"display_name,omitempty"`
	Version         string            `json:"version"`
	Stacks          []StackRef        `json:"stacks"`
	SharedVariables map[string]string `json:"shared_variables,omitempty"`
	ContinueOnError bool              `json:"continue_on_error"`
	CreatedAt       time.Time         `json:"created_at,omitempty"`
}

// StackNames returns the referenced stack names in declaration order.
func (d ProductDefinition) StackNames() []string {
	names := make([]string, 0, len(d.Stacks))
	for _, ref := range d.Stacks {
		names = append(names, ref.Name)
	}
	return names
}

// =============================================================================
// Environments
// =============================================================================

// Environment is a logical execution target: a Docker endpoint stacks are
// deployed onto. Environments are registered externally; nothing in this
// module provisions machines.
type Environment struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Endpoint  string    `json:"endpoint"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

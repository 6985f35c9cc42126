package domain

import "time"

// =============================================================================
// Health Status
// =============================================================================

// HealthStatus classifies a stack or sub-signal.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// =============================================================================
// Operation Mode
// =============================================================================

// OperationMode is a stack's declared runtime posture. An active maintenance
// observer result overrides the declared mode to maintenance.
type OperationMode string

const (
	ModeNormal      OperationMode = "normal"
	ModeMigrating   OperationMode = "migrating"
	ModeMaintenance OperationMode = "maintenance"
	ModeStopped     OperationMode = "stopped"
	ModeFailed      OperationMode = "failed"
)

// =============================================================================
// Health Snapshot
// =============================================================================

// ServiceHealth is the health of one service container inside a stack.
type ServiceHealth struct {
	ServiceName string       `json:"service_name"`
	ContainerID string       `json:"container_id,omitempty"`
	Status      HealthStatus `json:"status"`
	Detail      string       `json:"detail,omitempty"`
	Restarts    int          `json:"restarts,omitempty"`
}

// SelfHealth is the per-service section of a snapshot.
type SelfHealth struct {
	Services     []ServiceHealth `json:"services,omitempty"`
	HealthyCount int             `json:"healthy_count"`
	TotalCount   int             `json:"total_count"`
}

// EndpointPing is one message-transport endpoint probe outcome.
type EndpointPing struct {
	Endpoint  string       `json:"endpoint"`
	Status    HealthStatus `json:"status"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// BusHealth is the optional message-transport section of a snapshot.
type BusHealth struct {
	Status    HealthStatus   `json:"status"`
	Endpoints []EndpointPing `json:"endpoints,omitempty"`
}

// InfraCheckKind identifies one infrastructure probe.
type InfraCheckKind string

const (
	InfraCheckDatabase InfraCheckKind = "database"
	InfraCheckDisk     InfraCheckKind = "disk"
	InfraCheckExternal InfraCheckKind = "external"
)

// InfraCheck is one infrastructure probe outcome.
type InfraCheck struct {
	Name   string         `json:"name"`
	Kind   InfraCheckKind `json:"kind"`
	Status HealthStatus   `json:"status"`
	Detail string         `json:"detail,omitempty"`
}

// InfraHealth is the optional infrastructure section of a snapshot.
type InfraHealth struct {
	Status HealthStatus `json:"status"`
	Checks []InfraCheck `json:"checks,omitempty"`
}

// HealthSnapshot is one point-in-time health view of a deployed stack.
// Snapshots are append-only per deployment; the latest one per deployment
// is the current view. Bus and Infra are nil when not probed, which is
// neutral in aggregation rather than a failure.
type HealthSnapshot struct {
	DeploymentID   string        `json:"deployment_id"`
	EnvironmentID  string        `json:"environment_id"`
	StackName      string        `json:"stack_name"`
	CurrentVersion string        `json:"current_version,omitempty"`
	TargetVersion  string        `json:"target_version,omitempty"`
	Overall        HealthStatus  `json:"overall"`
	OperationMode  OperationMode `json:"operation_mode"`
	Self           SelfHealth    `json:"self"`
	Bus            *BusHealth    `json:"bus,omitempty"`
	Infra          *InfraHealth  `json:"infra,omitempty"`
	CapturedAt     time.Time     `json:"captured_at"`
}

// =============================================================================
// Environment Summary
// =============================================================================

// StackHealthSummary is the per-deployment line of an environment summary.
type StackHealthSummary struct {
	DeploymentID  string        `json:"deployment_id"`
	StackName     string        `json:"stack_name"`
	Overall       HealthStatus  `json:"overall"`
	OperationMode OperationMode `json:"operation_mode"`
	Message       string        `json:"message"`
	CapturedAt    time.Time     `json:"captured_at"`
}

// EnvironmentHealthSummary rolls the latest snapshot per active deployment
// into one environment-level view. It is derived on demand, never stored.
type EnvironmentHealthSummary struct {
	EnvironmentID  string               `json:"environment_id"`
	TotalStacks    int                  `json:"total_stacks"`
	HealthyCount   int                  `json:"healthy_count"`
	DegradedCount  int                  `json:"degraded_count"`
	UnhealthyCount int                  `json:"unhealthy_count"`
	Stacks         []StackHealthSummary `json:"stacks,omitempty"`
}

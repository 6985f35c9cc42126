// Package health provides pure functions for stack health aggregation.
// This package contains no I/O; probes and container state arrive as values.
package health

import (
	"fmt"
	"sort"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// =============================================================================
// Status Folding
// =============================================================================

// statusRank orders health statuses from best to worst for worst-of folds.
var statusRank = map[domain.HealthStatus]int{
	domain.HealthHealthy:   0,
	domain.HealthUnknown:   1,
	domain.HealthDegraded:  2,
	domain.HealthUnhealthy: 3,
}

// Worst returns the worst of the given statuses. With no input it returns
// unknown.
func Worst(statuses ...domain.HealthStatus) domain.HealthStatus {
	worst := domain.HealthUnknown
	seen := false
	for _, s := range statuses {
		if !seen || statusRank[s] > statusRank[worst] {
			worst = s
			seen = true
		}
	}
	return worst
}

// AggregateServices determines stack-level self health from per-service
// health. All services unhealthy means unhealthy; any unhealthy, degraded
// or unknown service drags the stack to degraded.
func AggregateServices(services []domain.ServiceHealth) domain.HealthStatus {
	if len(services) == 0 {
		return domain.HealthUnknown
	}

	unhealthy := 0
	degraded := 0
	for _, svc := range services {
		switch svc.Status {
		case domain.HealthUnhealthy:
			unhealthy++
		case domain.HealthDegraded, domain.HealthUnknown:
			degraded++
		}
	}

	if unhealthy == len(services) {
		return domain.HealthUnhealthy
	}
	if unhealthy > 0 || degraded > 0 {
		return domain.HealthDegraded
	}
	return domain.HealthHealthy
}

// Aggregate folds the self, bus and infra signals into one overall status.
// Absent bus/infra sections are neutral: they neither help nor hurt.
func Aggregate(self domain.HealthStatus, bus *domain.BusHealth, infra *domain.InfraHealth) domain.HealthStatus {
	overall := self
	if bus != nil {
		overall = Worst(overall, bus.Status)
	}
	if infra != nil {
		overall = Worst(overall, infra.Status)
	}
	return overall
}

// =============================================================================
// Operation Mode
// =============================================================================

// DeclaredMode maps a deployment's own status to its declared operation mode.
func DeclaredMode(status domain.DeploymentStatus) domain.OperationMode {
	switch status {
	case domain.StatusPending:
		return domain.ModeMigrating
	case domain.StatusRunning:
		return domain.ModeNormal
	case domain.StatusStopped:
		return domain.ModeStopped
	case domain.StatusFailed:
		return domain.ModeFailed
	default:
		return domain.ModeStopped
	}
}

// ResolveOperationMode applies the maintenance override: an active observer
// result declaring maintenance wins over the deployment's own mode,
// regardless of per-service health.
func ResolveOperationMode(declared domain.OperationMode, observed *domain.ObserverResult) domain.OperationMode {
	if observed != nil && observed.IsSuccess && observed.IsMaintenanceRequired {
		return domain.ModeMaintenance
	}
	return declared
}

// =============================================================================
// Status Messages
// =============================================================================

// StatusMessage renders a human-readable status line from the overall status
// and service counts. It is never blank.
func StatusMessage(overall domain.HealthStatus, healthy, degraded, unhealthy, total int) string {
	switch overall {
	case domain.HealthHealthy:
		return fmt.Sprintf("All %d services healthy", total)
	case domain.HealthDegraded:
		return fmt.Sprintf("%d of %d services degraded", degraded, total)
	case domain.HealthUnhealthy:
		return fmt.Sprintf("%d of %d services unhealthy", unhealthy, total)
	default:
		return "Health status unknown"
	}
}

// =============================================================================
// Container Mapping
// =============================================================================

// ServiceStatusFromContainer maps raw container state to a health status.
// healthProbe carries the container's own health check result when one is
// configured ("healthy", "unhealthy", "starting"); nil means no check.
func ServiceStatusFromContainer(state string, healthProbe *string, restarts int) domain.HealthStatus {
	if state != "running" {
		return domain.HealthUnhealthy
	}
	if healthProbe != nil && *healthProbe == "unhealthy" {
		return domain.HealthUnhealthy
	}
	if restarts > 3 {
		return domain.HealthDegraded
	}
	if healthProbe != nil && *healthProbe == "starting" {
		return domain.HealthDegraded
	}
	return domain.HealthHealthy
}

// BuildSelf assembles the self section from per-service health values.
func BuildSelf(services []domain.ServiceHealth) domain.SelfHealth {
	healthy := 0
	for _, svc := range services {
		if svc.Status == domain.HealthHealthy {
			healthy++
		}
	}
	return domain.SelfHealth{
		Services:     services,
		HealthyCount: healthy,
		TotalCount:   len(services),
	}
}

// =============================================================================
// Environment Summary
// =============================================================================

// SummarizeEnvironment builds the on-demand environment view from the latest
// snapshot per deployment. Deployments whose current status is removed are
// excluded entirely; the three counts always sum to TotalStacks, with
// unknown folded into degraded.
func SummarizeEnvironment(environmentID string, snapshots []domain.HealthSnapshot, statuses map[string]domain.DeploymentStatus) domain.EnvironmentHealthSummary {
	latest := make(map[string]domain.HealthSnapshot)
	for _, snap := range snapshots {
		if current, ok := latest[snap.DeploymentID]; !ok || snap.CapturedAt.After(current.CapturedAt) {
			latest[snap.DeploymentID] = snap
		}
	}

	summary := domain.EnvironmentHealthSummary{EnvironmentID: environmentID}
	for id, snap := range latest {
		if status, ok := statuses[id]; ok && !status.IsActive() {
			continue
		}

		summary.TotalStacks++
		switch snap.Overall {
		case domain.HealthHealthy:
			summary.HealthyCount++
		case domain.HealthUnhealthy:
			summary.UnhealthyCount++
		default:
			summary.DegradedCount++
		}

		degraded, unhealthy := countServices(snap.Self)
		summary.Stacks = append(summary.Stacks, domain.StackHealthSummary{
			DeploymentID:  snap.DeploymentID,
			StackName:     snap.StackName,
			Overall:       snap.Overall,
			OperationMode: snap.OperationMode,
			Message:       StatusMessage(snap.Overall, snap.Self.HealthyCount, degraded, unhealthy, snap.Self.TotalCount),
			CapturedAt:    snap.CapturedAt,
		})
	}

	sort.Slice(summary.Stacks, func(i, j int) bool {
		return summary.Stacks[i].StackName < summary.Stacks[j].StackName
	})

	return summary
}

func countServices(self domain.SelfHealth) (degraded, unhealthy int) {
	for _, svc := range self.Services {
		switch svc.Status {
		case domain.HealthDegraded, domain.HealthUnknown:
			degraded++
		case domain.HealthUnhealthy:
			unhealthy++
		}
	}
	return degraded, unhealthy
}

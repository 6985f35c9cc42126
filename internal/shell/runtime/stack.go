package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

const stopTimeout = 10 * time.Second

// =============================================================================
// Deploy Stack
// =============================================================================

// DeployStack creates and starts all containers for a stack rollout.
// Resources are named after the deployment's project name and labelled with
// the deployment ID so later operations can find them without re-reading the
// definition. Variables are the already-merged product and stack variables.
func (d *DockerRuntime) DeployStack(ctx context.Context, deployment *domain.Deployment, def domain.StackDefinition, variables map[string]string) ([]domain.DeployedService, error) {
	d.logger.Info("deploying stack",
		"deployment_id", deployment.ID,
		"stack", def.Name,
		"services", len(def.Services),
	)

	// 1. Create the deployment network
	networkName := NetworkName(deployment.ProjectName)
	if err := d.ensureNetwork(ctx, deployment.ID, networkName); err != nil {
		return nil, fmt.Errorf("create network: %w", err)
	}

	// 2. Create named volumes
	for _, vol := range def.Volumes {
		volumeName := VolumeName(deployment.ProjectName, vol.Name)
		if err := d.ensureVolume(ctx, deployment.ID, volumeName, vol.Driver); err != nil {
			_ = d.RemoveNetwork(ctx, networkName)
			return nil, fmt.Errorf("create volume %s: %w", vol.Name, err)
		}
	}

	// 3. Pull missing images
	for _, svc := range def.Services {
		exists, _ := d.ImageExists(ctx, svc.Image)
		if !exists {
			d.logger.Info("pulling image", "image", svc.Image)
			if err := d.PullImage(ctx, svc.Image); err != nil {
				d.logger.Warn("failed to pull image, trying anyway", "image", svc.Image, "error", err)
			}
		}
	}

	// 4. Check for existing containers (re-entrant rollout)
	existing, _ := d.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: deploymentFilter(deployment.ID),
	})
	existingByService := make(map[string]ContainerInfo)
	for _, c := range existing {
		if svc, ok := c.Labels[LabelService]; ok {
			existingByService[svc] = c
		}
	}

	// 5. Create and start containers in dependency order
	var services []domain.DeployedService
	created := make(map[string]string) // serviceName -> containerID

	for _, svc := range domain.SortServicesByDependency(def.Services) {
		var containerID string

		if prior, found := existingByService[svc.Name]; found {
			containerID = prior.ID
			d.logger.Debug("using existing container", "service", svc.Name, "container_id", shortID(containerID))
		} else {
			spec := d.buildContainerSpec(deployment, def, svc, networkName, variables)
			var err error
			containerID, err = d.CreateContainer(ctx, spec)
			if err != nil {
				d.cleanupContainers(ctx, created)
				_ = d.RemoveNetwork(ctx, networkName)
				return nil, fmt.Errorf("create container %s: %w", svc.Name, err)
			}
			d.logger.Debug("created container", "service", svc.Name, "container_id", shortID(containerID))
		}

		created[svc.Name] = containerID

		if err := d.StartContainer(ctx, containerID); err != nil {
			if !strings.Contains(err.Error(), "already running") {
				d.cleanupContainers(ctx, created)
				_ = d.RemoveNetwork(ctx, networkName)
				return nil, fmt.Errorf("start container %s: %w", svc.Name, err)
			}
		}

		info, err := d.InspectContainer(ctx, containerID)
		if err != nil {
			d.cleanupContainers(ctx, created)
			_ = d.RemoveNetwork(ctx, networkName)
			return nil, fmt.Errorf("inspect container %s: %w", svc.Name, err)
		}

		services = append(services, domain.DeployedService{
			ServiceName:   svc.Name,
			ContainerID:   info.ID,
			ContainerName: info.Name,
			Image:         svc.Image,
			Status:        string(info.Status),
		})
	}

	d.logger.Info("stack deployed",
		"deployment_id", deployment.ID,
		"containers", len(services),
	)
	return services, nil
}

// =============================================================================
// Stop / Start Stack
// =============================================================================

// StopStack stops all running containers of a deployment. A container that
// refuses to stop is logged and skipped so the rest still come down.
func (d *DockerRuntime) StopStack(ctx context.Context, deploymentID string) error {
	containers, err := d.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: deploymentFilter(deploymentID),
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	timeout := stopTimeout
	for _, c := range containers {
		if c.Status != ContainerStatusRunning {
			continue
		}
		if err := d.StopContainer(ctx, c.ID, &timeout); err != nil {
			d.logger.Warn("failed to stop container", "container_id", shortID(c.ID), "error", err)
		}
	}

	d.logger.Info("stack stopped", "deployment_id", deploymentID, "containers", len(containers))
	return nil
}

// StartStack starts the stopped containers of a deployment and reports the
// resulting service set.
func (d *DockerRuntime) StartStack(ctx context.Context, deploymentID string) ([]domain.DeployedService, error) {
	containers, err := d.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: deploymentFilter(deploymentID),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, NewRuntimeError("StartStack", "container", deploymentID, "no containers found for deployment", ErrContainerNotFound)
	}

	var services []domain.DeployedService
	for _, c := range containers {
		if c.Status != ContainerStatusRunning {
			if err := d.StartContainer(ctx, c.ID); err != nil {
				return nil, fmt.Errorf("start container %s: %w", c.Name, err)
			}
		}

		info, err := d.InspectContainer(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("inspect container %s: %w", c.Name, err)
		}
		services = append(services, domain.DeployedService{
			ServiceName:   c.ServiceName(),
			ContainerID:   info.ID,
			ContainerName: info.Name,
			Image:         info.Image,
			Status:        string(info.Status),
		})
	}

	d.logger.Info("stack started", "deployment_id", deploymentID, "containers", len(services))
	return services, nil
}

// =============================================================================
// Remove Stack
// =============================================================================

// RemoveStack removes all resources of a deployment. Order: containers,
// network, then volumes. Volumes survive unless removeVolumes is set.
func (d *DockerRuntime) RemoveStack(ctx context.Context, deploymentID string, removeVolumes bool) error {
	containers, err := d.ListContainers(ctx, ListOptions{
		All:     true,
		Filters: deploymentFilter(deploymentID),
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	timeout := stopTimeout
	var networkName string
	for _, c := range containers {
		if networkName == "" {
			if project := projectFromContainerName(c.Name); project != "" {
				networkName = NetworkName(project)
			}
		}
		if c.Status == ContainerStatusRunning {
			_ = d.StopContainer(ctx, c.ID, &timeout)
		}
		if err := d.RemoveContainer(ctx, c.ID, RemoveOptions{Force: true}); err != nil {
			d.logger.Warn("failed to remove container", "container_id", shortID(c.ID), "error", err)
		}
	}

	if networkName != "" {
		if err := d.RemoveNetwork(ctx, networkName); err != nil {
			d.logger.Warn("failed to remove network", "network", networkName, "error", err)
		}
	}

	if removeVolumes {
		volumes, err := d.ListVolumes(ctx, deploymentID)
		if err != nil {
			return fmt.Errorf("list volumes: %w", err)
		}
		for _, v := range volumes {
			if err := d.RemoveVolume(ctx, v.Name, false); err != nil {
				d.logger.Warn("failed to remove volume", "volume", v.Name, "error", err)
			}
		}
	}

	d.logger.Info("stack removed",
		"deployment_id", deploymentID,
		"containers_removed", len(containers),
		"volumes_removed", removeVolumes,
	)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (d *DockerRuntime) ensureNetwork(ctx context.Context, deploymentID, networkName string) error {
	_, err := d.CreateNetwork(ctx, networkName, map[string]string{
		LabelManaged:    "true",
		LabelDeployment: deploymentID,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

func (d *DockerRuntime) ensureVolume(ctx context.Context, deploymentID, volumeName, driver string) error {
	_, err := d.CreateVolume(ctx, volumeName, driver, map[string]string{
		LabelManaged:    "true",
		LabelDeployment: deploymentID,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

// buildContainerSpec builds a ContainerSpec from a service definition,
// substituting variables into the environment.
func (d *DockerRuntime) buildContainerSpec(deployment *domain.Deployment, def domain.StackDefinition, svc domain.ServiceDefinition, networkName string, variables map[string]string) ContainerSpec {
	spec := ContainerSpec{
		Name:    ContainerName(deployment.ProjectName, svc.Name),
		Image:   svc.Image,
		Command: svc.Command,
		Env:     make(map[string]string),
		Labels: map[string]string{
			LabelManaged:    "true",
			LabelDeployment: deployment.ID,
			LabelStack:      def.Name,
			LabelService:    svc.Name,
		},
		Networks: []string{networkName},
	}

	for k, v := range svc.Env {
		spec.Env[k] = domain.SubstituteVariables(v, variables)
	}

	for _, p := range svc.Ports {
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
		})
	}

	for _, v := range svc.Volumes {
		source := v.Source
		// Named volumes get the deployment prefix; host paths pass through.
		if !strings.HasPrefix(source, "/") {
			source = VolumeName(deployment.ProjectName, source)
		}
		spec.Volumes = append(spec.Volumes, VolumeMount{
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	if svc.HealthProbe != nil {
		spec.HealthCheck = &HealthCheck{
			Test:     svc.HealthProbe.Test,
			Interval: svc.HealthProbe.Interval,
			Timeout:  svc.HealthProbe.Timeout,
			Retries:  svc.HealthProbe.Retries,
		}
	}

	switch svc.Restart {
	case "always", "on-failure", "unless-stopped":
		spec.RestartPolicy = RestartPolicy{Name: svc.Restart}
	default:
		spec.RestartPolicy = RestartPolicy{Name: "no"}
	}

	return spec
}

// cleanupContainers stops and removes partially created containers.
func (d *DockerRuntime) cleanupContainers(ctx context.Context, containers map[string]string) {
	timeout := 5 * time.Second
	for name, id := range containers {
		_ = d.StopContainer(ctx, id, &timeout)
		_ = d.RemoveContainer(ctx, id, RemoveOptions{Force: true})
		d.logger.Debug("cleaned up container", "service", name, "container_id", shortID(id))
	}
}

// projectFromContainerName recovers the project name from a managed
// container name of the form "sp_<project>_<service>".
func projectFromContainerName(name string) string {
	parts := strings.Split(name, "_")
	if len(parts) < 3 || parts[0] != "sp" {
		return ""
	}
	return strings.Join(parts[1:len(parts)-1], "_")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func skipIfNoDocker(t *testing.T) *DockerRuntime {
	t.Helper()
	rt, err := NewDockerRuntime("", nil)
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := rt.Ping(context.Background()); err != nil {
		rt.Close()
		t.Skip("Docker not reachable:", err)
	}
	return rt
}

// =============================================================================
// Naming Tests
// =============================================================================

func TestResourceNaming(t *testing.T) {
	assert.Equal(t, "sp_shop_api", ContainerName("shop", "api"))
	assert.Equal(t, "sp_shop_net", NetworkName("shop"))
	assert.Equal(t, "sp_shop_pgdata", VolumeName("shop", "pgdata"))
}

func TestProjectFromContainerName(t *testing.T) {
	assert.Equal(t, "shop", projectFromContainerName("sp_shop_api"))
	assert.Equal(t, "shop_eu", projectFromContainerName("sp_shop_eu_api"))
	assert.Equal(t, "", projectFromContainerName("unmanaged"))
	assert.Equal(t, "", projectFromContainerName("other_shop_api"))
}

func TestContainerInfo_ServiceName(t *testing.T) {
	labelled := ContainerInfo{Name: "sp_shop_api", Labels: map[string]string{LabelService: "api"}}
	assert.Equal(t, "api", labelled.ServiceName())

	unlabelled := ContainerInfo{Name: "sp_shop_api"}
	assert.Equal(t, "sp_shop_api", unlabelled.ServiceName())
}

// =============================================================================
// Container Spec Tests
// =============================================================================

func TestBuildContainerSpec(t *testing.T) {
	rt := &DockerRuntime{}
	deployment, _, err := domain.NewDeployment("env-1", "backend", "1.0.0", "shop", "tester")
	require.NoError(t, err)

	def := domain.StackDefinition{
		Name: "backend",
		Services: []domain.ServiceDefinition{
			{
				Name:  "api",
				Image: "shop/api:1.0.0",
				Env: map[string]string{
					"DB_HOST": "${DB_HOST:-localhost}",
					"DB_NAME": "${DB_NAME}",
				},
				Ports:   []domain.PortMapping{{ContainerPort: 8080, HostPort: 18080, Protocol: "tcp"}},
				Volumes: []domain.VolumeBinding{{Source: "appdata", Target: "/data"}, {Source: "/etc/certs", Target: "/certs", ReadOnly: true}},
				Restart: "unless-stopped",
				HealthProbe: &domain.ServiceProbe{
					Test:     []string{"CMD", "curl", "-f", "http://localhost:8080/healthz"},
					Interval: 10 * time.Second,
					Retries:  3,
				},
			},
		},
	}

	spec := rt.buildContainerSpec(deployment, def, def.Services[0], "sp_shop_net", map[string]string{"DB_NAME": "shopdb"})

	assert.Equal(t, "sp_shop_api", spec.Name)
	assert.Equal(t, "shop/api:1.0.0", spec.Image)
	assert.Equal(t, []string{"sp_shop_net"}, spec.Networks)

	assert.Equal(t, "localhost", spec.Env["DB_HOST"])
	assert.Equal(t, "shopdb", spec.Env["DB_NAME"])

	assert.Equal(t, "true", spec.Labels[LabelManaged])
	assert.Equal(t, deployment.ID, spec.Labels[LabelDeployment])
	assert.Equal(t, "backend", spec.Labels[LabelStack])
	assert.Equal(t, "api", spec.Labels[LabelService])

	require.Len(t, spec.Volumes, 2)
	assert.Equal(t, "sp_shop_appdata", spec.Volumes[0].Source, "named volumes get the project prefix")
	assert.Equal(t, "/etc/certs", spec.Volumes[1].Source, "host paths pass through")
	assert.True(t, spec.Volumes[1].ReadOnly)

	assert.Equal(t, "unless-stopped", spec.RestartPolicy.Name)

	require.NotNil(t, spec.HealthCheck)
	assert.Equal(t, 3, spec.HealthCheck.Retries)
}

func TestBuildContainerSpec_DefaultRestartPolicy(t *testing.T) {
	rt := &DockerRuntime{}
	deployment, _, err := domain.NewDeployment("env-1", "backend", "", "shop", "")
	require.NoError(t, err)

	spec := rt.buildContainerSpec(deployment, domain.StackDefinition{Name: "backend"},
		domain.ServiceDefinition{Name: "api", Image: "shop/api", Restart: "bogus"}, "net", nil)

	assert.Equal(t, "no", spec.RestartPolicy.Name)
}

// =============================================================================
// Pool Tests
// =============================================================================

type fakeEnvironmentStore struct {
	environments map[string]*domain.Environment
	err          error
}

func (s *fakeEnvironmentStore) GetEnvironment(_ context.Context, id string) (*domain.Environment, error) {
	if s.err != nil {
		return nil, s.err
	}
	env, ok := s.environments[id]
	if !ok {
		return nil, errors.New("environment not found")
	}
	return env, nil
}

func TestEnvironmentPool_DisabledEnvironment(t *testing.T) {
	pool := NewEnvironmentPool(&fakeEnvironmentStore{
		environments: map[string]*domain.Environment{
			"env-1": {ID: "env-1", Name: "staging", Endpoint: "tcp://10.0.0.1:2375", Enabled: false},
		},
	}, nil)

	_, err := pool.Get(context.Background(), "env-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
	assert.Equal(t, 0, pool.Size())
}

func TestEnvironmentPool_StoreError(t *testing.T) {
	pool := NewEnvironmentPool(&fakeEnvironmentStore{err: errors.New("store down")}, nil)

	_, err := pool.Get(context.Background(), "env-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get environment")
}

func TestEnvironmentPool_RemoveUnknown(t *testing.T) {
	pool := NewEnvironmentPool(&fakeEnvironmentStore{}, nil)
	assert.NoError(t, pool.Remove("env-1"))
}

// =============================================================================
// Integration Tests (require Docker)
// =============================================================================

func TestDockerRuntime_Ping(t *testing.T) {
	rt := skipIfNoDocker(t)
	defer rt.Close()

	assert.NoError(t, rt.Ping(context.Background()))
}

func TestDockerRuntime_ListContainers(t *testing.T) {
	rt := skipIfNoDocker(t)
	defer rt.Close()

	_, err := rt.ListContainers(context.Background(), ListOptions{
		All:     true,
		Filters: deploymentFilter("no-such-deployment"),
	})
	assert.NoError(t, err)
}

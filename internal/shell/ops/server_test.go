package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/shell/store"
)

type fakeOpsStore struct {
	pingErr     error
	snapshots   []domain.HealthSnapshot
	deployments []domain.Deployment
}

func (s *fakeOpsStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeOpsStore) GetLatestSnapshotsForEnvironment(context.Context, string) ([]domain.HealthSnapshot, error) {
	return s.snapshots, nil
}

func (s *fakeOpsStore) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	for i := range s.deployments {
		if s.deployments[i].ID == id {
			return &s.deployments[i], nil
		}
	}
	return nil, store.NewStoreError("GetDeployment", "deployment", id, "deployment not found", store.ErrNotFound)
}

func newTestServer(s Store, m *Metrics) *Server {
	return NewServer(ServerConfig{Addr: ":0", Store: s, Metrics: m})
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeOpsStore{}, nil)
	rec := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHealthz_StoreUnreachable(t *testing.T) {
	srv := newTestServer(&fakeOpsStore{pingErr: errors.New("database is locked")}, nil)
	rec := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func TestReadyz(t *testing.T) {
	srv := newTestServer(&fakeOpsStore{}, nil)

	rec := get(t, srv, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv.SetReady(true)
	rec = get(t, srv, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.SetReady(false)
	rec = get(t, srv, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics()
	m.IncRollout("env-prod", "succeeded")
	m.IncObserverCheck("sql_query", "maintenance")
	m.SetActiveDeployments(3)
	m.AddSnapshotsPruned(7)
	m.ObserveCollectionDuration(120 * time.Millisecond)
	m.SetLastCollectionTimestamp(time.Now())

	srv := newTestServer(&fakeOpsStore{}, m)
	rec := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `stackpilot_rollouts_total{environment="env-prod",outcome="succeeded"} 1`)
	assert.Contains(t, string(body), `stackpilot_observer_checks_total{result="maintenance",type="sql_query"} 1`)
	assert.Contains(t, string(body), "stackpilot_active_deployments 3")
	assert.Contains(t, string(body), "stackpilot_snapshots_pruned_total 7")
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.IncRollout("env", "failed")
	m.IncObserverCheck("http", "normal")
	m.SetActiveDeployments(1)
	m.AddSnapshotsPruned(1)
	m.ObserveCollectionDuration(time.Second)
	m.SetLastCollectionTimestamp(time.Now())
	assert.NotNil(t, m.Handler())
}

func TestEnvironmentHealth(t *testing.T) {
	now := time.Now().UTC()
	snapshot := func(deploymentID, stack string, overall domain.HealthStatus) domain.HealthSnapshot {
		return domain.HealthSnapshot{
			DeploymentID:  deploymentID,
			EnvironmentID: "env-prod",
			StackName:     stack,
			Overall:       overall,
			OperationMode: domain.ModeNormal,
			Self: domain.SelfHealth{
				Services:     []domain.ServiceHealth{{ServiceName: "api", Status: overall}},
				HealthyCount: 1,
				TotalCount:   1,
			},
			CapturedAt: now,
		}
	}

	srv := newTestServer(&fakeOpsStore{
		snapshots: []domain.HealthSnapshot{
			snapshot("dep-1", "core-stack", domain.HealthHealthy),
			snapshot("dep-2", "web-stack", domain.HealthUnhealthy),
			snapshot("dep-3", "old-stack", domain.HealthHealthy),
		},
		deployments: []domain.Deployment{
			{ID: "dep-1", Status: domain.StatusRunning},
			{ID: "dep-2", Status: domain.StatusRunning},
			{ID: "dep-3", Status: domain.StatusRemoved},
		},
	}, nil)

	rec := get(t, srv, "/environments/env-prod/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary domain.EnvironmentHealthSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))

	assert.Equal(t, "env-prod", summary.EnvironmentID)
	assert.Equal(t, 2, summary.TotalStacks)
	assert.Equal(t, 1, summary.HealthyCount)
	assert.Equal(t, 1, summary.UnhealthyCount)
	require.Len(t, summary.Stacks, 2)
	// Removed deployments never appear; stacks come back sorted by name.
	assert.Equal(t, "core-stack", summary.Stacks[0].StackName)
	assert.Equal(t, "web-stack", summary.Stacks[1].StackName)
}

func TestEnvironmentHealth_SnapshotWithoutDeploymentRecord(t *testing.T) {
	now := time.Now().UTC()
	srv := newTestServer(&fakeOpsStore{
		snapshots: []domain.HealthSnapshot{
			{
				DeploymentID:  "dep-live",
				EnvironmentID: "env-prod",
				StackName:     "core-stack",
				Overall:       domain.HealthHealthy,
				OperationMode: domain.ModeNormal,
				CapturedAt:    now,
			},
			{
				// Unpruned snapshot of a deployment the store no longer knows.
				DeploymentID:  "dep-gone",
				EnvironmentID: "env-prod",
				StackName:     "old-stack",
				Overall:       domain.HealthHealthy,
				OperationMode: domain.ModeNormal,
				CapturedAt:    now,
			},
		},
		deployments: []domain.Deployment{
			{ID: "dep-live", Status: domain.StatusRunning},
		},
	}, nil)

	rec := get(t, srv, "/environments/env-prod/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary domain.EnvironmentHealthSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))

	assert.Equal(t, 1, summary.TotalStacks)
	require.Len(t, summary.Stacks, 1)
	assert.Equal(t, "core-stack", summary.Stacks[0].StackName)
}

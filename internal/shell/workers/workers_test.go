package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/shell/observers"
	"github.com/mkrenz/stackpilot/internal/shell/runtime"
	"github.com/mkrenz/stackpilot/internal/shell/store"
)

// =============================================================================
// Observer Poller
// =============================================================================

type fakeObserverStore struct {
	mu      sync.Mutex
	configs []domain.ObserverConfig
	results []domain.ObserverResult
}

func (s *fakeObserverStore) ListObserverConfigs(context.Context) ([]domain.ObserverConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ObserverConfig(nil), s.configs...), nil
}

func (s *fakeObserverStore) SaveObserverResult(_ context.Context, result domain.ObserverResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *fakeObserverStore) resultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *fakeObserverStore) lastResult() domain.ObserverResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[len(s.results)-1]
}

func fileObserverConfig(t *testing.T, deploymentID string, interval time.Duration) domain.ObserverConfig {
	t.Helper()
	marker := filepath.Join(t.TempDir(), "maintenance.flag")
	require.NoError(t, os.WriteFile(marker, []byte("on"), 0o644))
	return domain.ObserverConfig{
		DeploymentID:     deploymentID,
		Type:             domain.ObserverFile,
		PollingInterval:  interval,
		MaintenanceValue: "true",
		FilePath:         marker,
		FileMode:         domain.FileModeExists,
	}
}

func TestObserverPoller_RunsDueChecks(t *testing.T) {
	s := &fakeObserverStore{
		configs: []domain.ObserverConfig{fileObserverConfig(t, "dep-1", time.Hour)},
	}
	poller := NewObserverPoller(s, observers.NewFactory(), ObserverPollerConfig{
		TickInterval: 10 * time.Millisecond,
	}, nil)

	poller.Start()
	require.Eventually(t, func() bool { return s.resultCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	poller.Stop()

	result := s.lastResult()
	assert.Equal(t, "dep-1", result.DeploymentID)
	assert.True(t, result.IsSuccess)
	assert.True(t, result.IsMaintenanceRequired)
	assert.Equal(t, "true", result.ObservedValue)
}

func TestObserverPoller_HonorsPollingInterval(t *testing.T) {
	s := &fakeObserverStore{
		configs: []domain.ObserverConfig{fileObserverConfig(t, "dep-1", time.Hour)},
	}
	poller := NewObserverPoller(s, observers.NewFactory(), ObserverPollerConfig{
		TickInterval: 5 * time.Millisecond,
	}, nil)

	poller.Start()
	require.Eventually(t, func() bool { return s.resultCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	// Many ticks later the hour-long polling interval still blocks a rerun.
	time.Sleep(100 * time.Millisecond)
	poller.Stop()

	assert.Equal(t, 1, s.resultCount())
}

// hangingObserver blocks until the check context expires.
type hangingObserver struct{}

func (hangingObserver) Type() domain.ObserverType { return domain.ObserverHTTP }

func (hangingObserver) Observe(ctx context.Context, _ domain.ObserverConfig) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestObserverPoller_HungCheckPersistsFailure(t *testing.T) {
	s := &fakeObserverStore{
		configs: []domain.ObserverConfig{{
			DeploymentID:     "dep-1",
			Type:             domain.ObserverHTTP,
			PollingInterval:  time.Hour,
			MaintenanceValue: "true",
			Timeout:          20 * time.Millisecond,
		}},
	}
	factory := observers.NewFactory()
	factory.Register(hangingObserver{})

	poller := NewObserverPoller(s, factory, ObserverPollerConfig{
		TickInterval: 10 * time.Millisecond,
	}, nil)
	poller.Start()
	require.Eventually(t, func() bool { return s.resultCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	poller.Stop()

	result := s.lastResult()
	assert.Equal(t, "dep-1", result.DeploymentID)
	assert.False(t, result.IsSuccess)
	assert.False(t, result.IsMaintenanceRequired)
	assert.Equal(t, "check timed out", result.ErrorMessage)
}

func TestObserverPoller_ShutdownDropsInFlightCheck(t *testing.T) {
	s := &fakeObserverStore{
		configs: []domain.ObserverConfig{{
			DeploymentID:     "dep-1",
			Type:             domain.ObserverHTTP,
			PollingInterval:  time.Hour,
			MaintenanceValue: "true",
			Timeout:          time.Hour,
		}},
	}
	factory := observers.NewFactory()
	factory.Register(hangingObserver{})

	poller := NewObserverPoller(s, factory, ObserverPollerConfig{
		TickInterval: 10 * time.Millisecond,
	}, nil)
	poller.Start()
	time.Sleep(30 * time.Millisecond)
	poller.Stop()

	// Stopping mid-check is caller cancellation, not a probe failure.
	assert.Equal(t, 0, s.resultCount())
}

func TestObserverPoller_SkipsUnknownType(t *testing.T) {
	cfg := fileObserverConfig(t, "dep-1", time.Hour)
	cfg.Type = domain.ObserverType("bogus")
	s := &fakeObserverStore{configs: []domain.ObserverConfig{cfg}}

	poller := NewObserverPoller(s, observers.NewFactory(), ObserverPollerConfig{
		TickInterval: 5 * time.Millisecond,
	}, nil)
	poller.Start()
	time.Sleep(50 * time.Millisecond)
	poller.Stop()

	assert.Equal(t, 0, s.resultCount())
}

// =============================================================================
// Health Collector
// =============================================================================

type fakeCollectorStore struct {
	mu          sync.Mutex
	deployments []domain.Deployment
	observed    map[string]*domain.ObserverResult
	snapshots   []domain.HealthSnapshot
}

func (s *fakeCollectorStore) ListActiveDeployments(context.Context) ([]domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Deployment(nil), s.deployments...), nil
}

func (s *fakeCollectorStore) GetLatestObserverResult(_ context.Context, deploymentID string) (*domain.ObserverResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result, ok := s.observed[deploymentID]; ok {
		return result, nil
	}
	return nil, store.NewStoreError("GetLatestObserverResult", "observer_result", deploymentID, "no result", store.ErrNotFound)
}

func (s *fakeCollectorStore) AppendSnapshot(_ context.Context, snapshot domain.HealthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
	return nil
}

func (s *fakeCollectorStore) snapshotCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *fakeCollectorStore) lastSnapshot() domain.HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[len(s.snapshots)-1]
}

// stubRuntime overrides only the container listing; everything else panics
// if touched.
type stubRuntime struct {
	runtime.ContainerRuntime
	containers []runtime.ContainerInfo
}

func (r *stubRuntime) ListContainers(context.Context, runtime.ListOptions) ([]runtime.ContainerInfo, error) {
	return r.containers, nil
}

type stubProvider struct {
	rt  runtime.ContainerRuntime
	err error
}

func (p *stubProvider) Get(context.Context, string) (runtime.ContainerRuntime, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.rt, nil
}

func runningDeployment(id string) domain.Deployment {
	d, _, _ := domain.NewDeployment("env-prod", "billing-stack", "2.1.0", "billing", "ops")
	d.ID = id
	_, _ = d.MarkAsRunning([]domain.DeployedService{
		{ServiceName: "api", ContainerID: "ctr-api", Status: domain.ServiceStatusRunning},
	})
	return *d
}

func collectOnce(t *testing.T, collector *HealthCollector, s *fakeCollectorStore) domain.HealthSnapshot {
	t.Helper()
	collector.Start()
	require.Eventually(t, func() bool { return s.snapshotCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	collector.Stop()
	return s.lastSnapshot()
}

func TestHealthCollector_CapturesSnapshot(t *testing.T) {
	s := &fakeCollectorStore{
		deployments: []domain.Deployment{runningDeployment("dep-1")},
		observed:    map[string]*domain.ObserverResult{},
	}
	rt := &stubRuntime{containers: []runtime.ContainerInfo{
		{
			ID:     "ctr-api",
			Name:   "sp_billing_api",
			Status: runtime.ContainerStatusRunning,
			Labels: map[string]string{runtime.LabelService: "api"},
		},
	}}
	collector := NewHealthCollector(s, &stubProvider{rt: rt}, nil, nil, HealthCollectorConfig{Interval: time.Hour}, nil)

	snap := collectOnce(t, collector, s)
	assert.Equal(t, "dep-1", snap.DeploymentID)
	assert.Equal(t, "env-prod", snap.EnvironmentID)
	assert.Equal(t, "2.1.0", snap.CurrentVersion)
	assert.Equal(t, domain.HealthHealthy, snap.Overall)
	assert.Equal(t, domain.ModeNormal, snap.OperationMode)
	require.Len(t, snap.Self.Services, 1)
	assert.Equal(t, "api", snap.Self.Services[0].ServiceName)
	assert.Equal(t, 1, snap.Self.HealthyCount)
	assert.Nil(t, snap.Bus)
	assert.Nil(t, snap.Infra)
}

func TestHealthCollector_MaintenanceOverride(t *testing.T) {
	maintenance := domain.MaintenanceResult("dep-1", "true")
	s := &fakeCollectorStore{
		deployments: []domain.Deployment{runningDeployment("dep-1")},
		observed:    map[string]*domain.ObserverResult{"dep-1": &maintenance},
	}
	rt := &stubRuntime{containers: []runtime.ContainerInfo{
		{ID: "ctr-api", Name: "sp_billing_api", Status: runtime.ContainerStatusRunning},
	}}
	collector := NewHealthCollector(s, &stubProvider{rt: rt}, nil, nil, HealthCollectorConfig{Interval: time.Hour}, nil)

	snap := collectOnce(t, collector, s)
	assert.Equal(t, domain.ModeMaintenance, snap.OperationMode)
}

func TestHealthCollector_RuntimeUnavailable(t *testing.T) {
	s := &fakeCollectorStore{
		deployments: []domain.Deployment{runningDeployment("dep-1")},
		observed:    map[string]*domain.ObserverResult{},
	}
	collector := NewHealthCollector(s, &stubProvider{err: errors.New("endpoint down")}, nil, nil, HealthCollectorConfig{Interval: time.Hour}, nil)

	snap := collectOnce(t, collector, s)
	require.Len(t, snap.Self.Services, 1)
	assert.Equal(t, domain.HealthUnknown, snap.Self.Services[0].Status)
	assert.Equal(t, domain.HealthDegraded, snap.Overall)
}

func TestHealthCollector_UnhealthyContainer(t *testing.T) {
	s := &fakeCollectorStore{
		deployments: []domain.Deployment{runningDeployment("dep-1")},
		observed:    map[string]*domain.ObserverResult{},
	}
	rt := &stubRuntime{containers: []runtime.ContainerInfo{
		{ID: "ctr-api", Name: "sp_billing_api", Status: runtime.ContainerStatusExited},
	}}
	collector := NewHealthCollector(s, &stubProvider{rt: rt}, nil, nil, HealthCollectorConfig{Interval: time.Hour}, nil)

	snap := collectOnce(t, collector, s)
	assert.Equal(t, domain.HealthUnhealthy, snap.Overall)
}

// =============================================================================
// Snapshot Pruner
// =============================================================================

type fakePrunerStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	pruned  int64
}

func (s *fakePrunerStore) RemoveSnapshotsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.pruned, nil
}

func (s *fakePrunerStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cutoffs)
}

func TestSnapshotPruner_UsesRetentionCutoff(t *testing.T) {
	s := &fakePrunerStore{pruned: 3}
	pruner := NewSnapshotPruner(s, SnapshotPrunerConfig{
		Interval:  time.Hour,
		Retention: 48 * time.Hour,
	}, nil)

	pruner.Start()
	require.Eventually(t, func() bool { return s.calls() >= 1 }, 2*time.Second, 10*time.Millisecond)
	pruner.Stop()

	s.mu.Lock()
	cutoff := s.cutoffs[0]
	s.mu.Unlock()
	expected := time.Now().UTC().Add(-48 * time.Hour)
	assert.WithinDuration(t, expected, cutoff, 5*time.Second)
}

package rollout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrenz/stackpilot/internal/core/domain"
	"github.com/mkrenz/stackpilot/internal/shell/notify"
	"github.com/mkrenz/stackpilot/internal/shell/runtime"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeStore struct {
	deployments map[string]*domain.Deployment
	products    map[string]*domain.ProductDeployment
	stackDefs   map[string]*domain.StackDefinition
	versions    map[string][]domain.ProductDefinition
	observers   map[string]domain.ObserverConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deployments: make(map[string]*domain.Deployment),
		products:    make(map[string]*domain.ProductDeployment),
		stackDefs:   make(map[string]*domain.StackDefinition),
		versions:    make(map[string][]domain.ProductDefinition),
		observers:   make(map[string]domain.ObserverConfig),
	}
}

func (s *fakeStore) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	clone := *d
	s.deployments[d.ID] = &clone
	return nil
}

func (s *fakeStore) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	d, ok := s.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s not found", id)
	}
	clone := *d
	return &clone, nil
}

func (s *fakeStore) UpdateDeployment(_ context.Context, d *domain.Deployment) error {
	clone := *d
	s.deployments[d.ID] = &clone
	return nil
}

func (s *fakeStore) CreateProductDeployment(_ context.Context, pd *domain.ProductDeployment) error {
	clone := *pd
	s.products[pd.ID] = &clone
	return nil
}

func (s *fakeStore) GetProductDeployment(_ context.Context, id string) (*domain.ProductDeployment, error) {
	pd, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product deployment %s not found", id)
	}
	clone := *pd
	return &clone, nil
}

func (s *fakeStore) UpdateProductDeployment(_ context.Context, pd *domain.ProductDeployment) error {
	clone := *pd
	s.products[pd.ID] = &clone
	return nil
}

func (s *fakeStore) GetStackDefinition(_ context.Context, id string) (*domain.StackDefinition, error) {
	def, ok := s.stackDefs[id]
	if !ok {
		return nil, fmt.Errorf("stack definition %s not found", id)
	}
	clone := *def
	return &clone, nil
}

func (s *fakeStore) ListProductVersions(_ context.Context, groupID string) ([]domain.ProductDefinition, error) {
	return s.versions[groupID], nil
}

func (s *fakeStore) SaveObserverConfig(_ context.Context, cfg domain.ObserverConfig) error {
	s.observers[cfg.DeploymentID] = cfg
	return nil
}

func (s *fakeStore) DeleteObserverConfig(_ context.Context, deploymentID string) error {
	delete(s.observers, deploymentID)
	return nil
}

func (s *fakeStore) addStackDef(def domain.StackDefinition) {
	clone := def
	s.stackDefs[def.ID] = &clone
}

// fakeRuntime records stack-level calls and fails DeployStack for stacks
// listed in failStacks.
type fakeRuntime struct {
	failStacks map[string]error

	deployed []string
	stopped  []string
	started  []string
	removed  []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{failStacks: make(map[string]error)}
}

func (r *fakeRuntime) DeployStack(_ context.Context, d *domain.Deployment, def domain.StackDefinition, _ map[string]string) ([]domain.DeployedService, error) {
	if err, ok := r.failStacks[def.Name]; ok {
		return nil, err
	}
	r.deployed = append(r.deployed, d.ID)
	services := make([]domain.DeployedService, 0, len(def.Services))
	for _, svc := range def.Services {
		services = append(services, domain.DeployedService{
			ServiceName: svc.Name,
			ContainerID: "ctr-" + svc.Name,
			Status:      domain.ServiceStatusRunning,
		})
	}
	return services, nil
}

func (r *fakeRuntime) StopStack(_ context.Context, deploymentID string) error {
	r.stopped = append(r.stopped, deploymentID)
	return nil
}

func (r *fakeRuntime) StartStack(_ context.Context, deploymentID string) ([]domain.DeployedService, error) {
	r.started = append(r.started, deploymentID)
	return []domain.DeployedService{{ServiceName: "api", Status: domain.ServiceStatusRunning}}, nil
}

func (r *fakeRuntime) RemoveStack(_ context.Context, deploymentID string, _ bool) error {
	r.removed = append(r.removed, deploymentID)
	return nil
}

func (r *fakeRuntime) ListContainers(context.Context, runtime.ListOptions) ([]runtime.ContainerInfo, error) {
	return nil, nil
}
func (r *fakeRuntime) StartContainer(context.Context, string) error { return nil }
func (r *fakeRuntime) StopContainer(context.Context, string, *time.Duration) error {
	return nil
}
func (r *fakeRuntime) RemoveContainer(context.Context, string, runtime.RemoveOptions) error {
	return nil
}
func (r *fakeRuntime) InspectVolume(context.Context, string) (*runtime.VolumeInfo, error) {
	return nil, nil
}
func (r *fakeRuntime) ListVolumes(context.Context, string) ([]runtime.VolumeInfo, error) {
	return nil, nil
}
func (r *fakeRuntime) ContainerVolumeMounts(context.Context, string) ([]runtime.VolumeMount, error) {
	return nil, nil
}
func (r *fakeRuntime) Ping(context.Context) error { return nil }
func (r *fakeRuntime) Close() error               { return nil }

type fakeProvider struct {
	rt *fakeRuntime
}

func (p *fakeProvider) Get(context.Context, string) (runtime.ContainerRuntime, error) {
	return p.rt, nil
}

type recordingSink struct {
	events []domain.DeploymentEvent
}

func (s *recordingSink) Publish(_ context.Context, event domain.DeploymentEvent) {
	s.events = append(s.events, event)
}

type recordingNotifier struct {
	notices []notify.DeploymentNotice
}

func (n *recordingNotifier) Notify(_ context.Context, notice notify.DeploymentNotice) error {
	n.notices = append(n.notices, notice)
	return nil
}

type progressRecorder struct {
	updates []Progress
}

func (r *progressRecorder) record(p Progress) {
	r.updates = append(r.updates, p)
}

func (r *progressRecorder) terminals() []Progress {
	var terminals []Progress
	for _, p := range r.updates {
		if p.Phase.IsTerminal() {
			terminals = append(terminals, p)
		}
	}
	return terminals
}

// =============================================================================
// Fixtures
// =============================================================================

func testStackDef(name string) domain.StackDefinition {
	return domain.StackDefinition{
		ID:      "stk-" + name,
		Name:    name,
		Version: "1.0.0",
		Services: []domain.ServiceDefinition{
			{Name: name + "-api", Image: "registry.local/" + name + ":1.0.0"},
		},
	}
}

func testEngine(t *testing.T) (*Engine, *fakeStore, *fakeRuntime, *recordingSink, *recordingNotifier) {
	t.Helper()
	store := newFakeStore()
	rt := newFakeRuntime()
	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	engine := NewEngine(store, &fakeProvider{rt: rt}, sink, notifier, nil)
	return engine, store, rt, sink, notifier
}

func productDef(version string, stackNames ...string) domain.ProductDefinition {
	def := domain.ProductDefinition{
		ID:      "prod-suite-" + version,
		GroupID: "grp-suite",
		Name:    "suite",
		Version: version,
	}
	for i, name := range stackNames {
		def.Stacks = append(def.Stacks, domain.StackRef{
			StackID: "stk-" + name,
			Name:    name,
			Order:   i + 1,
		})
	}
	return def
}

// =============================================================================
// Single Stack
// =============================================================================

func TestDeployStack_Success(t *testing.T) {
	engine, store, rt, sink, notifier := testEngine(t)
	recorder := &progressRecorder{}

	d, err := engine.DeployStack(context.Background(), "env-prod", testStackDef("billing"), nil, "ops", recorder.record)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, d.Status)
	require.Len(t, d.Services, 1)

	stored, err := store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)

	assert.Equal(t, []string{d.ID}, rt.deployed)

	require.Len(t, sink.events, 2)
	assert.Equal(t, domain.EventDeploymentStarted, sink.events[0].Type)
	assert.Equal(t, domain.EventDeploymentCompleted, sink.events[1].Type)

	require.Len(t, notifier.notices, 2)
	assert.Equal(t, notify.NoticeDeploymentStarted, notifier.notices[0].Kind)
	assert.Equal(t, notify.NoticeDeploymentRunning, notifier.notices[1].Kind)

	terminals := recorder.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, domain.PhaseComplete, terminals[0].Phase)
}

func TestDeployStack_RuntimeFailureIsRecorded(t *testing.T) {
	engine, store, rt, _, notifier := testEngine(t)
	rt.failStacks["billing"] = errors.New("image pull failed")
	recorder := &progressRecorder{}

	d, err := engine.DeployStack(context.Background(), "env-prod", testStackDef("billing"), nil, "ops", recorder.record)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image pull failed")

	stored, getErr := store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, "image pull failed", stored.ErrorMessage)

	terminals := recorder.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, domain.PhaseError, terminals[0].Phase)

	last := notifier.notices[len(notifier.notices)-1]
	assert.Equal(t, notify.NoticeDeploymentFailed, last.Kind)
}

func TestStopDeployment(t *testing.T) {
	engine, store, rt, _, _ := testEngine(t)

	d, err := engine.DeployStack(context.Background(), "env-prod", testStackDef("billing"), nil, "ops", nil)
	require.NoError(t, err)

	require.NoError(t, engine.StopDeployment(context.Background(), d.ID))
	assert.Equal(t, []string{d.ID}, rt.stopped)

	stored, err := store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, stored.Status)
}

func TestRestartDeployment(t *testing.T) {
	engine, store, rt, _, _ := testEngine(t)

	d, err := engine.DeployStack(context.Background(), "env-prod", testStackDef("billing"), nil, "ops", nil)
	require.NoError(t, err)
	require.NoError(t, engine.StopDeployment(context.Background(), d.ID))

	require.NoError(t, engine.RestartDeployment(context.Background(), d.ID))
	assert.Equal(t, []string{d.ID}, rt.started)

	stored, err := store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
}

func TestRestartDeployment_FailedIsRejected(t *testing.T) {
	engine, _, rt, _, _ := testEngine(t)
	rt.failStacks["billing"] = errors.New("boom")

	d, err := engine.DeployStack(context.Background(), "env-prod", testStackDef("billing"), nil, "ops", nil)
	require.Error(t, err)

	err = engine.RestartDeployment(context.Background(), d.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, rt.started)
}

func TestRemoveDeployment_StopsRunningFirst(t *testing.T) {
	engine, store, rt, _, notifier := testEngine(t)

	d, err := engine.DeployStack(context.Background(), "env-prod", testStackDef("billing"), nil, "ops", nil)
	require.NoError(t, err)

	require.NoError(t, engine.RemoveDeployment(context.Background(), d.ID, true))
	assert.Equal(t, []string{d.ID}, rt.stopped)
	assert.Equal(t, []string{d.ID}, rt.removed)

	stored, err := store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRemoved, stored.Status)

	last := notifier.notices[len(notifier.notices)-1]
	assert.Equal(t, notify.NoticeDeploymentRemoved, last.Kind)
}

func TestDeployStack_RejectsInvalidDefinition(t *testing.T) {
	engine, store, rt, _, _ := testEngine(t)

	def := testStackDef("billing")
	def.Services = nil

	_, err := engine.DeployStack(context.Background(), "env-prod", def, nil, "ops", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Empty(t, store.deployments)
	assert.Empty(t, rt.deployed)
}

func TestDeployStack_RegistersMaintenanceObserver(t *testing.T) {
	engine, store, _, _, _ := testEngine(t)

	def := testStackDef("billing")
	def.Observer = &domain.ObserverConfig{
		Type:             domain.ObserverFile,
		PollingInterval:  time.Hour,
		MaintenanceValue: "true",
		FilePath:         "/var/lib/billing/maintenance",
		FileMode:         domain.FileModeExists,
	}

	d, err := engine.DeployStack(context.Background(), "env-prod", def, nil, "ops", nil)
	require.NoError(t, err)

	cfg, ok := store.observers[d.ID]
	require.True(t, ok)
	assert.Equal(t, d.ID, cfg.DeploymentID)
	assert.Equal(t, domain.ObserverFile, cfg.Type)
	assert.Equal(t, "/var/lib/billing/maintenance", cfg.FilePath)
}

func TestRemoveDeployment_DeletesObserverConfig(t *testing.T) {
	engine, store, _, _, _ := testEngine(t)

	def := testStackDef("billing")
	def.Observer = &domain.ObserverConfig{
		Type:             domain.ObserverFile,
		PollingInterval:  time.Hour,
		MaintenanceValue: "true",
		FilePath:         "/var/lib/billing/maintenance",
		FileMode:         domain.FileModeExists,
	}

	d, err := engine.DeployStack(context.Background(), "env-prod", def, nil, "ops", nil)
	require.NoError(t, err)
	require.Contains(t, store.observers, d.ID)

	require.NoError(t, engine.RemoveDeployment(context.Background(), d.ID, false))
	assert.NotContains(t, store.observers, d.ID)
}

// =============================================================================
// Product Rollout
// =============================================================================

func TestDeployProduct_RejectsInvalidDefinition(t *testing.T) {
	engine, store, _, _, _ := testEngine(t)

	def := productDef("1.0.0")

	_, err := engine.DeployProduct(context.Background(), "env-prod", def, "ops", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Empty(t, store.products)
	assert.Empty(t, store.deployments)
}

func TestDeployProduct_AllStacksSucceed(t *testing.T) {
	engine, store, _, _, notifier := testEngine(t)
	for _, name := range []string{"core", "web", "jobs"} {
		store.addStackDef(testStackDef(name))
	}
	recorder := &progressRecorder{}

	pd, err := engine.DeployProduct(context.Background(), "env-prod", productDef("1.0.0", "core", "web", "jobs"), "ops", recorder.record)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusRunning, pd.Status)
	assert.Equal(t, 3, pd.CompletedStacks)
	assert.Equal(t, 0, pd.FailedStacks)

	for _, entry := range pd.Stacks {
		assert.Equal(t, domain.StackEntryRunning, entry.Status)
		assert.NotEmpty(t, entry.DeploymentID)
	}

	terminals := recorder.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, domain.PhaseComplete, terminals[0].Phase)

	last := notifier.notices[len(notifier.notices)-1]
	assert.Equal(t, notify.NoticeProductDeployed, last.Kind)
	assert.Equal(t, "running", last.Status)
}

func TestDeployProduct_ContinueOnError(t *testing.T) {
	engine, store, rt, _, _ := testEngine(t)
	for _, name := range []string{"core", "web", "jobs"} {
		store.addStackDef(testStackDef(name))
	}
	rt.failStacks["web"] = errors.New("port already allocated")
	recorder := &progressRecorder{}

	def := productDef("1.0.0", "core", "web", "jobs")
	def.ContinueOnError = true

	pd, err := engine.DeployProduct(context.Background(), "env-prod", def, "ops", recorder.record)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusPartiallyRunning, pd.Status)
	assert.Equal(t, 2, pd.CompletedStacks)
	assert.Equal(t, 1, pd.FailedStacks)

	webEntry, ok := pd.StackByName("web")
	require.True(t, ok)
	assert.Equal(t, domain.StackEntryFailed, webEntry.Status)
	assert.Contains(t, webEntry.ErrorMessage, "port already allocated")

	jobsEntry, ok := pd.StackByName("jobs")
	require.True(t, ok)
	assert.Equal(t, domain.StackEntryRunning, jobsEntry.Status)

	terminals := recorder.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, domain.PhaseComplete, terminals[0].Phase)
}

func TestDeployProduct_HaltsOnFirstFailure(t *testing.T) {
	engine, store, rt, _, _ := testEngine(t)
	for _, name := range []string{"core", "web", "jobs"} {
		store.addStackDef(testStackDef(name))
	}
	rt.failStacks["web"] = errors.New("boom")
	recorder := &progressRecorder{}

	pd, err := engine.DeployProduct(context.Background(), "env-prod", productDef("1.0.0", "core", "web", "jobs"), "ops", recorder.record)
	require.Error(t, err)
	assert.Equal(t, domain.ProductStatusFailed, pd.Status)
	assert.Equal(t, 1, pd.CompletedStacks)
	assert.Equal(t, 1, pd.FailedStacks)

	// The unattempted entry stays pending with no child deployment.
	jobsEntry, ok := pd.StackByName("jobs")
	require.True(t, ok)
	assert.Equal(t, domain.StackEntryPending, jobsEntry.Status)
	assert.Empty(t, jobsEntry.DeploymentID)

	terminals := recorder.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, domain.PhaseError, terminals[0].Phase)
}

func TestDeployProduct_MissingStackDefinition(t *testing.T) {
	engine, store, _, _, _ := testEngine(t)
	store.addStackDef(testStackDef("core"))
	// "web" is not in the catalog.

	pd, err := engine.DeployProduct(context.Background(), "env-prod", productDef("1.0.0", "core", "web"), "ops", nil)
	require.Error(t, err)
	assert.Equal(t, domain.ProductStatusFailed, pd.Status)

	webEntry, ok := pd.StackByName("web")
	require.True(t, ok)
	assert.Contains(t, webEntry.ErrorMessage, "stack definition not found")
}

// =============================================================================
// Upgrade
// =============================================================================

func deployRunningProduct(t *testing.T, engine *Engine, store *fakeStore, version string, stacks ...string) *domain.ProductDeployment {
	t.Helper()
	for _, name := range stacks {
		store.addStackDef(testStackDef(name))
	}
	pd, err := engine.DeployProduct(context.Background(), "env-prod", productDef(version, stacks...), "ops", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ProductStatusRunning, pd.Status)
	return pd
}

func TestUpgradeProduct(t *testing.T) {
	engine, store, rt, _, notifier := testEngine(t)

	current := deployRunningProduct(t, engine, store, "1.0.0", "core", "legacy")
	oldChildren := make([]string, 0, 2)
	for _, entry := range current.Stacks {
		oldChildren = append(oldChildren, entry.DeploymentID)
	}

	// Catalog offers 2.0.0: legacy is gone, web is new.
	store.addStackDef(testStackDef("web"))
	store.versions["grp-suite"] = []domain.ProductDefinition{
		productDef("2.0.0", "core", "web"),
		productDef("1.0.0", "core", "legacy"),
	}

	recorder := &progressRecorder{}
	next, err := engine.UpgradeProduct(context.Background(), current.ID, recorder.record)
	require.NoError(t, err)

	assert.Equal(t, domain.ProductStatusRunning, next.Status)
	assert.Equal(t, "2.0.0", next.ProductVersion)
	assert.Equal(t, "1.0.0", next.PreviousVersion)
	assert.Equal(t, 1, next.UpgradeCount)

	webEntry, ok := next.StackByName("web")
	require.True(t, ok)
	assert.True(t, webEntry.IsNewInUpgrade)
	coreEntry, ok := next.StackByName("core")
	require.True(t, ok)
	assert.False(t, coreEntry.IsNewInUpgrade)

	// The old generation's children were torn down and the generation retired.
	for _, childID := range oldChildren {
		assert.Contains(t, rt.removed, childID)
		child, err := store.GetDeployment(context.Background(), childID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRemoved, child.Status)
	}
	retired, err := store.GetProductDeployment(context.Background(), current.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusRemoved, retired.Status)

	last := notifier.notices[len(notifier.notices)-1]
	assert.Equal(t, notify.NoticeProductUpgraded, last.Kind)
	assert.Equal(t, "1.0.0", last.PreviousVersion)
}

func TestUpgradeProduct_NoNewerVersion(t *testing.T) {
	engine, store, _, _, _ := testEngine(t)

	current := deployRunningProduct(t, engine, store, "1.0.0", "core")
	store.versions["grp-suite"] = []domain.ProductDefinition{
		productDef("1.0.0", "core"),
	}

	_, err := engine.UpgradeProduct(context.Background(), current.ID, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoUpgradeAvailable)
}

func TestCheckUpgrade(t *testing.T) {
	engine, store, _, _, _ := testEngine(t)

	current := deployRunningProduct(t, engine, store, "1.0.0", "core", "legacy")
	store.versions["grp-suite"] = []domain.ProductDefinition{
		productDef("2.0.0", "core", "web"),
		productDef("1.0.0", "core", "legacy"),
	}

	check, err := engine.CheckUpgrade(context.Background(), current.ID)
	require.NoError(t, err)
	assert.True(t, check.UpgradeAvailable)
	assert.Equal(t, "2.0.0", check.LatestVersion)
	assert.Equal(t, []string{"web"}, check.NewStacks)
	assert.Equal(t, []string{"legacy"}, check.RemovedStacks)
}

// =============================================================================
// Removal
// =============================================================================

func TestRemoveProduct(t *testing.T) {
	engine, store, rt, _, notifier := testEngine(t)

	pd := deployRunningProduct(t, engine, store, "1.0.0", "core", "web")

	recorder := &progressRecorder{}
	require.NoError(t, engine.RemoveProduct(context.Background(), pd.ID, true, recorder.record))

	removed, err := store.GetProductDeployment(context.Background(), pd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductStatusRemoved, removed.Status)
	assert.Len(t, rt.removed, 2)

	for _, entry := range removed.Stacks {
		assert.Equal(t, domain.StackEntryRemoved, entry.Status)
	}

	terminals := recorder.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, domain.PhaseComplete, terminals[0].Phase)

	last := notifier.notices[len(notifier.notices)-1]
	assert.Equal(t, notify.NoticeProductRemoved, last.Kind)
}

func TestRemoveProduct_RejectedOutsideRunningFamily(t *testing.T) {
	engine, store, rt, _, _ := testEngine(t)
	store.addStackDef(testStackDef("core"))
	rt.failStacks["core"] = errors.New("boom")

	pd, err := engine.DeployProduct(context.Background(), "env-prod", productDef("1.0.0", "core"), "ops", nil)
	require.Error(t, err)
	require.Equal(t, domain.ProductStatusFailed, pd.Status)

	err = engine.RemoveProduct(context.Background(), pd.ID, false, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProductNotRemovable)
}

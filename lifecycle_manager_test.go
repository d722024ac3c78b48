package kernel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkernel/core/bus"
	"github.com/fieldkernel/core/health"
	"github.com/fieldkernel/core/lifecycle"
	"github.com/fieldkernel/core/memmonitor"
	kernel "github.com/fieldkernel/core"
	"github.com/fieldkernel/core/scheduler"
	"github.com/fieldkernel/core/timesource"
	"github.com/fieldkernel/core/watchdog"
)

// fakeModule is a minimal, fully-scriptable kernel.Module for lifecycle
// manager tests.
type fakeModule struct {
	name    string
	deps    []string
	initErr error
	startErr error

	mu       sync.Mutex
	initCalls, startCalls, stopCalls, shutdownCalls int
	health   health.Status
}

func newFakeModule(name string, deps ...string) *fakeModule {
	return &fakeModule{name: name, deps: deps, health: health.StatusHealthy}
}

func (m *fakeModule) Name() string                          { return m.name }
func (m *fakeModule) Version() (int, int, int)               { return 1, 0, 0 }
func (m *fakeModule) Category() kernel.ModuleCategory         { return kernel.CategoryControl }
func (m *fakeModule) Dependencies() []string                  { return m.deps }

func (m *fakeModule) Initialize(*kernel.ModuleContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	return m.initErr
}

func (m *fakeModule) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	return m.startErr
}

func (m *fakeModule) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	return nil
}

func (m *fakeModule) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCalls++
	return nil
}

func (m *fakeModule) GetHealth() health.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

func newTestLifecycleManager(t *testing.T) *kernel.LifecycleManager {
	t.Helper()
	clock := timesource.NewSystem()
	b := bus.New(clock, bus.DefaultConfig())
	sched, err := scheduler.New(scheduler.WithClock(clock))
	require.NoError(t, err)
	wd := watchdog.New(watchdog.WithCheckInterval(20 * time.Millisecond))
	wd.Start()
	t.Cleanup(wd.Stop)
	mm := memmonitor.New(memmonitor.WithCheckInterval(time.Hour))
	mm.Start()
	t.Cleanup(mm.Stop)
	dispatcher := lifecycle.NewDispatcher(nil, "test", nil)
	require.NoError(t, dispatcher.Start(context.Background()))
	t.Cleanup(func() { _ = dispatcher.Stop(context.Background()) })

	return kernel.NewLifecycleManager(b, clock, sched, wd, mm, dispatcher, nil, kernel.LifecycleConfig{
		InitTimeout:     time.Second,
		StartTimeout:    time.Second,
		StopTimeout:     time.Second,
		ShutdownTimeout: time.Second,
		HealthTimeout:   time.Second,
	})
}

func TestLifecycleManager_LoadThenUnload_Success(t *testing.T) {
	lm := newTestLifecycleManager(t)
	gps := newFakeModule("gps")

	res := lm.Load(gps)
	require.Equal(t, kernel.LoadSuccess, res.Kind)
	require.Equal(t, "gps:1.0.0", res.ModuleID)
	assert.Equal(t, 1, gps.initCalls)
	assert.Equal(t, 1, gps.startCalls)

	state, err := lm.GetState(res.ModuleID)
	require.NoError(t, err)
	assert.Equal(t, "Running", state)

	unloadRes := lm.Unload(res.ModuleID)
	assert.Equal(t, kernel.UnloadSuccess, unloadRes.Kind)
	assert.Equal(t, 1, gps.stopCalls)
	assert.Equal(t, 1, gps.shutdownCalls)

	_, err = lm.GetState(res.ModuleID)
	assert.Error(t, err)
}

func TestLifecycleManager_Load_AlreadyLoaded(t *testing.T) {
	lm := newTestLifecycleManager(t)
	gps := newFakeModule("gps")
	require.Equal(t, kernel.LoadSuccess, lm.Load(gps).Kind)

	res := lm.Load(newFakeModule("gps"))
	assert.Equal(t, kernel.LoadAlreadyLoadedKind, res.Kind)
}

func TestLifecycleManager_Load_MissingDependencies(t *testing.T) {
	lm := newTestLifecycleManager(t)
	steering := newFakeModule("steering", "gps")

	res := lm.Load(steering)
	assert.Equal(t, kernel.LoadMissingDependenciesKind, res.Kind)
	assert.Equal(t, 0, steering.initCalls)
}

// S5 — a dependent module refuses its dependency's unload until it is
// itself unloaded first.
func TestLifecycleManager_Unload_RefusesWithRunningDependents(t *testing.T) {
	lm := newTestLifecycleManager(t)
	gps := newFakeModule("gps")
	steering := newFakeModule("steering", "gps")

	require.Equal(t, kernel.LoadSuccess, lm.Load(gps).Kind)
	require.Equal(t, kernel.LoadSuccess, lm.Load(steering).Kind)

	res := lm.Unload("gps:1.0.0")
	require.Equal(t, kernel.UnloadHasDependentsKind, res.Kind)
	assert.Equal(t, []string{"steering:1.0.0"}, res.Dependents)

	state, err := lm.GetState("gps:1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "Running", state)

	require.Equal(t, kernel.UnloadSuccess, lm.Unload("steering:1.0.0").Kind)
	require.Equal(t, kernel.UnloadSuccess, lm.Unload("gps:1.0.0").Kind)
}

func TestLifecycleManager_Load_InitializeFailure_AllowsRetry(t *testing.T) {
	lm := newTestLifecycleManager(t)
	broken := newFakeModule("gps")
	broken.initErr = errors.New("boom")

	res := lm.Load(broken)
	require.Equal(t, kernel.LoadFailedKind, res.Kind)

	state, err := lm.GetState("gps:1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "Failed", state)

	broken.initErr = nil
	retry := lm.Load(broken)
	assert.Equal(t, kernel.LoadSuccess, retry.Kind)
}

func TestLifecycleManager_Load_StartFailure_CallsShutdownAndCleansUp(t *testing.T) {
	lm := newTestLifecycleManager(t)
	broken := newFakeModule("gps")
	broken.startErr = errors.New("no fix")

	res := lm.Load(broken)
	require.Equal(t, kernel.LoadFailedKind, res.Kind)
	assert.Equal(t, 1, broken.shutdownCalls)
}

func TestLifecycleManager_HealthCheckAll(t *testing.T) {
	lm := newTestLifecycleManager(t)
	gps := newFakeModule("gps")
	gps.health = health.StatusDegraded
	require.Equal(t, kernel.LoadSuccess, lm.Load(gps).Kind)

	results := lm.HealthCheckAll(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, "gps:1.0.0", results[0].ModuleID)
	assert.Equal(t, health.StatusDegraded, results[0].Health)
	assert.Equal(t, "Running", results[0].State)
}

func TestLifecycleManager_ShutdownAll_UnloadsDependentsBeforeDependencies(t *testing.T) {
	lm := newTestLifecycleManager(t)
	gps := newFakeModule("gps")
	steering := newFakeModule("steering", "gps")

	require.Equal(t, kernel.LoadSuccess, lm.Load(gps).Kind)
	require.Equal(t, kernel.LoadSuccess, lm.Load(steering).Kind)

	lm.ShutdownAll()

	assert.Equal(t, 1, steering.stopCalls)
	assert.Equal(t, 1, gps.stopCalls)
	_, err := lm.GetState("gps:1.0.0")
	assert.Error(t, err)
	_, err = lm.GetState("steering:1.0.0")
	assert.Error(t, err)
}

func TestLifecycleManager_Reload_ReinitializesModule(t *testing.T) {
	lm := newTestLifecycleManager(t)
	gps := newFakeModule("gps")
	require.Equal(t, kernel.LoadSuccess, lm.Load(gps).Kind)

	res := lm.Reload("gps:1.0.0")
	require.Equal(t, kernel.LoadSuccess, res.Kind)
	assert.Equal(t, 2, gps.initCalls)
	assert.Equal(t, 1, gps.stopCalls)
}

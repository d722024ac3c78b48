package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldkernel/core/bus"
	"github.com/fieldkernel/core/health"
	"github.com/fieldkernel/core/lifecycle"
	"github.com/fieldkernel/core/memmonitor"
	"github.com/fieldkernel/core/registry"
	"github.com/fieldkernel/core/safeexec"
	"github.com/fieldkernel/core/scheduler"
	"github.com/fieldkernel/core/timesource"
	"github.com/fieldkernel/core/watchdog"
	"github.com/fieldkernel/core/workerpool"
)

// LifecycleConfig bounds every call the lifecycle manager makes into a
// module, per spec default: 30s init/start, 10s stop/shutdown, 5s health.
type LifecycleConfig struct {
	InitTimeout     time.Duration
	StartTimeout    time.Duration
	StopTimeout     time.Duration
	ShutdownTimeout time.Duration
	HealthTimeout   time.Duration
}

// LoadKind tags the outcome of a Load call.
type LoadKind int

const (
	LoadSuccess LoadKind = iota
	LoadAlreadyLoadedKind
	LoadMissingDependenciesKind
	LoadFailedKind
)

// LoadResult is the outcome of Load.
type LoadResult struct {
	Kind     LoadKind
	ModuleID string
	Message  string
}

// UnloadKind tags the outcome of an Unload call.
type UnloadKind int

const (
	UnloadSuccess UnloadKind = iota
	UnloadNotFoundKind
	UnloadHasDependentsKind
	UnloadFailedKind
)

// UnloadResult is the outcome of Unload.
type UnloadResult struct {
	Kind       UnloadKind
	Message    string
	Dependents []string
}

// ModuleInfo is a point-in-time summary of one registered module, returned
// by ListModules.
type ModuleInfo struct {
	ModuleID  string
	Name      string
	Version   string
	State     string
	LastError string
}

// ModuleHealth is one module's result from HealthCheckAll.
type ModuleHealth struct {
	ModuleID  string
	Health    health.Status
	State     string
	LastError string
}

// loadedModule is the lifecycle manager's bookkeeping for one Running
// module instance, kept alongside (but distinct from) its registry.Registration.
type loadedModule struct {
	module Module
	name   string
	pool   *workerpool.Pool
	ctx    context.Context
	cancel context.CancelFunc
}

// LifecycleManager is the C10 component: it loads, unloads, reloads, and
// health-checks every module hosted by the kernel, serializing every public
// operation through a single mutex per spec.md §5.
type LifecycleManager struct {
	bus        *bus.Bus
	clock      timesource.Source
	scheduler  *scheduler.Scheduler
	watchdog   *watchdog.Watchdog
	memMon     *memmonitor.Monitor
	dispatcher *lifecycle.Dispatcher
	logger     Logger
	cfg        LifecycleConfig

	reg        *registry.Registry
	aggregator *health.DefaultAggregator

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu        sync.Mutex
	loaded    map[string]*loadedModule
	loadOrder []string
}

// NewLifecycleManager constructs a LifecycleManager. The caller retains
// ownership of every injected dependency; the manager never starts or stops
// them.
func NewLifecycleManager(b *bus.Bus, clock timesource.Source, sched *scheduler.Scheduler, wd *watchdog.Watchdog, mm *memmonitor.Monitor, dispatcher *lifecycle.Dispatcher, logger Logger, cfg LifecycleConfig) *LifecycleManager {
	if logger == nil {
		logger = noopLogger{}
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &LifecycleManager{
		bus:        b,
		clock:      clock,
		scheduler:  sched,
		watchdog:   wd,
		memMon:     mm,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		reg:        registry.New(),
		aggregator: health.NewAggregator(0),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		loaded:     make(map[string]*loadedModule),
	}
}

// invoke submits fn to pool and bounds it with a Safe Executor timeout,
// tracking it with the watchdog for the duration of the call.
func (lm *LifecycleManager) invoke(timeout time.Duration, op, moduleID string, pool *workerpool.Pool, fn func() error) safeexec.OperationResult {
	token := lm.watchdog.Monitor(moduleID, op)
	defer token.Close()

	return safeexec.RunWithTimeout(context.Background(), timeout, op, moduleID, func(wctx context.Context) error {
		fut, err := workerpool.Submit(pool, func() (struct{}, error) {
			return struct{}{}, fn()
		})
		if err != nil {
			return err
		}
		_, err = fut.Wait(wctx)
		return err
	})
}

func (lm *LifecycleManager) mirror(eventType lifecycle.EventType, source, message string, data map[string]any) {
	_ = lm.dispatcher.Dispatch(context.Background(), &lifecycle.Event{
		Type:    eventType,
		Source:  source,
		Message: message,
		Data:    data,
	})
}

// moduleHealthChecker adapts a Module into a health.Checker, bounding its
// GetHealth call the same way every other lifecycle callback is bounded.
type moduleHealthChecker struct {
	lm       *LifecycleManager
	moduleID string
	module   Module
	pool     *workerpool.Pool
}

func (c *moduleHealthChecker) Name() string { return c.moduleID }

func (c *moduleHealthChecker) Check(context.Context) (*health.CheckResult, error) {
	var status health.Status
	res := c.lm.invoke(c.lm.cfg.HealthTimeout, "getHealth", c.moduleID, c.pool, func() error {
		status = c.module.GetHealth()
		return nil
	})
	if res.Kind != safeexec.Success {
		return nil, errors.New(res.Message)
	}
	return &health.CheckResult{Name: c.moduleID, Status: status}, nil
}

// Load computes module's identity, checks it isn't already loaded, resolves
// its declared dependencies against currently-Running modules, then drives
// it through Initialize and Start, each bounded and isolated by a Safe
// Executor call. On any failure, everything registered for the attempt
// (subscriptions, watchdog tracking, memory attribution, the worker pool) is
// torn down before returning.
func (lm *LifecycleManager) Load(module Module) LoadResult {
	name := strings.TrimSpace(module.Name())
	major, minor, patch := module.Version()
	moduleID := fmt.Sprintf("%s:%d.%d.%d", name, major, minor, patch)

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if existing, err := lm.reg.Get(moduleID); err == nil {
		if existing.State != registry.StateFailed {
			return LoadResult{Kind: LoadAlreadyLoadedKind, ModuleID: moduleID, Message: fmt.Sprintf("%s is already loaded", moduleID)}
		}
		// A Failed registration from a previous attempt never reached
		// Running and was never added to lm.loaded; clear it so this
		// attempt can proceed.
		_ = lm.reg.Unregister(moduleID)
	}

	deps := module.Dependencies()
	running := lm.reg.RunningByDependencyName(deps)
	var missing []string
	for _, d := range deps {
		if !running[d] {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return LoadResult{
			Kind:     LoadMissingDependenciesKind,
			ModuleID: moduleID,
			Message:  (&DependencyFailure{ModuleID: moduleID, Missing: missing}).Error(),
		}
	}

	if err := lm.reg.Register(&registry.Registration{
		ModuleID:     moduleID,
		Name:         name,
		Version:      fmt.Sprintf("%d.%d.%d", major, minor, patch),
		Category:     int(module.Category()),
		Dependencies: deps,
		State:        registry.StateLoading,
	}); err != nil {
		return LoadResult{Kind: LoadFailedKind, ModuleID: moduleID, Message: err.Error()}
	}

	modCtx, cancel := context.WithCancel(lm.rootCtx)
	pool := workerpool.New(2)
	mc := &ModuleContext{
		ModuleID:  moduleID,
		Clock:     lm.clock,
		Scheduler: lm.scheduler,
		Log:       lm.logger,
		Ctx:       modCtx,
		bus:       lm.bus,
		pool:      pool,
	}

	cleanup := func(failureMessage string) {
		lm.bus.UnsubscribeScope(moduleID)
		lm.watchdog.StopMonitoring(moduleID)
		lm.memMon.Unregister(moduleID)
		_ = pool.Shutdown(context.Background())
		cancel()
		_ = lm.reg.SetState(moduleID, registry.StateFailed)
		_ = lm.reg.SetLastError(moduleID, failureMessage)
	}

	lm.watchdog.Heartbeat(moduleID)
	lm.memMon.Register(moduleID)

	_ = lm.reg.SetState(moduleID, registry.StateInitializing)
	initRes := lm.invoke(lm.cfg.InitTimeout, "initialize", moduleID, pool, func() error {
		return module.Initialize(mc)
	})
	if initRes.Kind != safeexec.Success {
		lm.logger.Error("kernel: module failed to initialize", "moduleId", moduleID, "error", initRes.Message)
		cleanup(initRes.Message)
		return LoadResult{Kind: LoadFailedKind, ModuleID: moduleID, Message: initRes.Message}
	}

	_ = lm.reg.SetState(moduleID, registry.StateStarting)
	startRes := lm.invoke(lm.cfg.StartTimeout, "start", moduleID, pool, module.Start)
	if startRes.Kind != safeexec.Success {
		lm.logger.Error("kernel: module failed to start", "moduleId", moduleID, "error", startRes.Message)
		_ = lm.invoke(lm.cfg.ShutdownTimeout, "shutdown", moduleID, pool, module.Shutdown)
		cleanup(startRes.Message)
		return LoadResult{Kind: LoadFailedKind, ModuleID: moduleID, Message: startRes.Message}
	}

	_ = lm.reg.SetState(moduleID, registry.StateRunning)
	_ = lm.reg.SetLastHealthCheck(moduleID, lm.clock.UtcNow())
	_ = lm.aggregator.RegisterCheck(&moduleHealthChecker{lm: lm, moduleID: moduleID, module: module, pool: pool})

	lm.loaded[moduleID] = &loadedModule{module: module, name: name, pool: pool, ctx: modCtx, cancel: cancel}
	lm.loadOrder = append(lm.loadOrder, moduleID)

	_ = bus.Publish(lm.bus, ModuleLoadedEvent{
		ModuleID: moduleID,
		Name:     name,
		Version:  fmt.Sprintf("%d.%d.%d", major, minor, patch),
	})
	lm.mirror(lifecycle.EventTypeModuleLoaded, moduleID, "module loaded", nil)

	return LoadResult{Kind: LoadSuccess, ModuleID: moduleID}
}

// Unload stops, shuts down, and removes a Running module, refusing if any
// other Running module declares it as a dependency.
func (lm *LifecycleManager) Unload(moduleID string) UnloadResult {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.unloadLocked(moduleID)
}

func (lm *LifecycleManager) unloadLocked(moduleID string) UnloadResult {
	reg, err := lm.reg.Get(moduleID)
	if err != nil {
		return UnloadResult{Kind: UnloadNotFoundKind, Message: fmt.Sprintf("%s: %v", moduleID, err)}
	}

	dependents := lm.reg.Dependents(reg.Name)
	if len(dependents) > 0 {
		return UnloadResult{
			Kind:       UnloadHasDependentsKind,
			Dependents: dependents,
			Message:    fmt.Sprintf("%s has running dependents: %v", moduleID, dependents),
		}
	}

	entry, ok := lm.loaded[moduleID]
	if !ok {
		return UnloadResult{Kind: UnloadNotFoundKind, Message: fmt.Sprintf("%s: registered but not loaded", moduleID)}
	}

	_ = lm.reg.SetState(moduleID, registry.StateStopping)
	stopRes := lm.invoke(lm.cfg.StopTimeout, "stop", moduleID, entry.pool, entry.module.Stop)
	if stopRes.Kind == safeexec.Failure {
		lm.logger.Warn("kernel: module stop failed, continuing unload", "moduleId", moduleID, "error", stopRes.Message)
		_ = lm.reg.SetLastError(moduleID, stopRes.Message)
	}

	_ = lm.reg.SetState(moduleID, registry.StateShuttingDown)
	shutdownRes := lm.invoke(lm.cfg.ShutdownTimeout, "shutdown", moduleID, entry.pool, entry.module.Shutdown)
	if shutdownRes.Kind == safeexec.Failure {
		lm.logger.Warn("kernel: module shutdown failed", "moduleId", moduleID, "error", shutdownRes.Message)
		_ = lm.reg.SetLastError(moduleID, shutdownRes.Message)
	}

	_ = lm.aggregator.UnregisterCheck(moduleID)
	lm.bus.UnsubscribeScope(moduleID)
	lm.watchdog.StopMonitoring(moduleID)
	lm.memMon.Unregister(moduleID)
	_ = entry.pool.Shutdown(context.Background())
	entry.cancel()

	_ = lm.reg.SetState(moduleID, registry.StateUnloaded)
	_ = lm.reg.Unregister(moduleID)
	delete(lm.loaded, moduleID)
	lm.removeFromLoadOrderLocked(moduleID)

	_ = bus.Publish(lm.bus, ModuleUnloadedEvent{ModuleID: moduleID, Name: reg.Name})
	lm.mirror(lifecycle.EventTypeModuleUnloaded, moduleID, "module unloaded", nil)

	return UnloadResult{Kind: UnloadSuccess, Message: moduleID}
}

func (lm *LifecycleManager) removeFromLoadOrderLocked(moduleID string) {
	for i, id := range lm.loadOrder {
		if id == moduleID {
			lm.loadOrder = append(lm.loadOrder[:i], lm.loadOrder[i+1:]...)
			return
		}
	}
}

// Reload unloads moduleID and loads the same instance again. The first
// failure, from either half, is returned; on an unload failure the module
// is never reloaded.
func (lm *LifecycleManager) Reload(moduleID string) LoadResult {
	lm.mu.Lock()
	entry, ok := lm.loaded[moduleID]
	lm.mu.Unlock()
	if !ok {
		return LoadResult{Kind: LoadFailedKind, ModuleID: moduleID, Message: fmt.Sprintf("%s: not loaded", moduleID)}
	}
	module := entry.module

	unloadRes := lm.Unload(moduleID)
	if unloadRes.Kind != UnloadSuccess {
		return LoadResult{Kind: LoadFailedKind, ModuleID: moduleID, Message: unloadRes.Message}
	}
	return lm.Load(module)
}

// ListModules returns a snapshot of every currently-registered module,
// sorted by moduleId.
func (lm *LifecycleManager) ListModules() []ModuleInfo {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	regs := lm.reg.List()
	out := make([]ModuleInfo, len(regs))
	for i, r := range regs {
		out[i] = ModuleInfo{ModuleID: r.ModuleID, Name: r.Name, Version: r.Version, State: string(r.State), LastError: r.LastError}
	}
	return out
}

// GetState returns moduleID's current lifecycle state.
func (lm *LifecycleManager) GetState(moduleID string) (string, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	r, err := lm.reg.Get(moduleID)
	if err != nil {
		return "", err
	}
	return string(r.State), nil
}

// HealthCheckAll runs getHealth on every Running module, bounded by the
// configured health timeout, and returns one result per module.
func (lm *LifecycleManager) HealthCheckAll(ctx context.Context) []ModuleHealth {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	ids := make([]string, 0, len(lm.loaded))
	for id := range lm.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ModuleHealth, 0, len(ids))
	for _, id := range ids {
		result, err := lm.aggregator.CheckOne(ctx, id)
		_ = lm.reg.SetLastHealthCheck(id, lm.clock.UtcNow())
		reg, _ := lm.reg.Get(id)
		mh := ModuleHealth{ModuleID: id, State: string(reg.State)}
		if err != nil {
			mh.Health = health.StatusUnknown
			mh.LastError = err.Error()
		} else {
			mh.Health = result.Status
			mh.LastError = result.Error
		}
		out = append(out, mh)
	}
	return out
}

// ShutdownAll signals application-wide cancellation, then unloads every
// loaded module in reverse load order so dependents unload before the
// modules they depend on.
func (lm *LifecycleManager) ShutdownAll() {
	lm.rootCancel()

	lm.mu.Lock()
	order := make([]string, len(lm.loadOrder))
	copy(order, lm.loadOrder)
	lm.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		lm.mu.Lock()
		_, stillLoaded := lm.loaded[id]
		lm.mu.Unlock()
		if !stillLoaded {
			continue
		}
		if res := lm.Unload(id); res.Kind != UnloadSuccess {
			lm.logger.Error("kernel: shutdownAll failed to unload module", "moduleId", id, "result", res.Message)
		}
	}
}

package kernel

import (
	"context"
	"fmt"
	"sync/atomic"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/robfig/cron/v3"

	"github.com/fieldkernel/core/bus"
	"github.com/fieldkernel/core/config"
	"github.com/fieldkernel/core/depgraph"
	"github.com/fieldkernel/core/lifecycle"
	"github.com/fieldkernel/core/memmonitor"
	"github.com/fieldkernel/core/scheduler"
	"github.com/fieldkernel/core/timesource"
	"github.com/fieldkernel/core/watchdog"
)

// Discover is supplied by the host application: it returns every Module the
// kernel should attempt to load, in no particular order (the kernel computes
// load order itself from declared dependencies).
type Discover func() []Module

// Option configures a Kernel at construction, following the functional
// options idiom this codebase uses throughout.
type Option func(*Kernel)

// WithLogger installs a structured logger, propagated to every subsystem
// the kernel constructs.
func WithLogger(l Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithClock overrides the default system time source, typically to install
// a *timesource.Simulated for deterministic tests.
func WithClock(clock timesource.Source) Option {
	return func(k *Kernel) { k.clock = clock }
}

// WithHealthCheckCron schedules HealthCheckAll to run on a cron schedule
// (standard 5-field cron syntax) in addition to any host-driven calls.
func WithHealthCheckCron(spec string) Option {
	return func(k *Kernel) { k.healthCronSpec = spec }
}

// WithCloudEventSink overrides the default no-op CloudEvents sink that
// mirrors every lifecycle transition.
func WithCloudEventSink(sink func(ctx context.Context, ev cloudevents.Event)) Option {
	return func(k *Kernel) { k.cloudEventSink = sink }
}

// Kernel is the C11 Application Kernel: it owns the bus, scheduler,
// watchdog, and memory monitor, and drives the lifecycle manager through
// application start and stop.
type Kernel struct {
	cfg    *config.CoreConfig
	logger Logger
	clock  timesource.Source

	bus        *bus.Bus
	scheduler  *scheduler.Scheduler
	watchdog   *watchdog.Watchdog
	memMon     *memmonitor.Monitor
	dispatcher *lifecycle.Dispatcher
	lm         *LifecycleManager

	healthCronSpec string
	healthCron     *cron.Cron
	cloudEventSink func(ctx context.Context, ev cloudevents.Event)

	started atomic.Bool
}

// New constructs a Kernel and starts its always-on infrastructure (bus,
// scheduler construction, watchdog, memory monitor, lifecycle dispatcher).
// Modules are not discovered or loaded until StartAsync.
func New(cfg *config.CoreConfig, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	k := &Kernel{
		cfg:    cfg,
		logger: noopLogger{},
		clock:  timesource.NewSystem(),
	}
	for _, o := range opts {
		o(k)
	}

	k.bus = bus.New(k.clock, bus.Config{
		MaxLastMessages:          cfg.Bus.MaxLastMessages,
		LastMessageTTL:           cfg.Bus.LastMessageTTL,
		MaxFailuresBeforeRemoval: cfg.Bus.MaxFailuresBeforeRemoval,
	}, bus.WithLogger(k.logger))

	sched, err := scheduler.New(
		scheduler.WithLogger(k.logger),
		scheduler.WithBaseRateHz(cfg.Core.SchedulerBaseRateHz),
		scheduler.WithClock(k.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("kernel: constructing scheduler: %w", err)
	}
	k.scheduler = sched

	k.dispatcher = lifecycle.NewDispatcher(nil, "fieldkernel", k.cloudEventSink)
	if err := k.dispatcher.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("kernel: starting lifecycle dispatcher: %w", err)
	}

	k.watchdog = watchdog.New(
		watchdog.WithLogger(k.logger),
		watchdog.WithCheckInterval(cfg.Watchdog.CheckInterval),
		watchdog.WithHangThreshold(cfg.Watchdog.HangThreshold),
		watchdog.WithSink(k.onHang),
	)
	k.watchdog.Start()

	k.memMon = memmonitor.New(
		memmonitor.WithLogger(k.logger),
		memmonitor.WithCheckInterval(cfg.Memory.CheckInterval),
		memmonitor.WithPerModuleSoftLimitMB(float64(cfg.Memory.PerModuleSoftLimitMB)),
		memmonitor.WithGlobalWarnThresholdMB(float64(cfg.Memory.GlobalWarnThresholdMB)),
		memmonitor.WithSink(k.onMemoryExceeded),
	)
	k.memMon.Start()

	k.lm = NewLifecycleManager(k.bus, k.clock, k.scheduler, k.watchdog, k.memMon, k.dispatcher, k.logger, LifecycleConfig{
		InitTimeout:     cfg.Lifecycle.InitTimeout,
		StartTimeout:    cfg.Lifecycle.StartTimeout,
		StopTimeout:     cfg.Lifecycle.StopTimeout,
		ShutdownTimeout: cfg.Lifecycle.ShutdownTimeout,
		HealthTimeout:   cfg.Lifecycle.HealthTimeout,
	})

	if k.healthCronSpec != "" {
		c := cron.New()
		if _, err := c.AddFunc(k.healthCronSpec, func() { k.HealthCheckAll(context.Background()) }); err != nil {
			k.logger.Error("kernel: invalid health check cron spec, running without it", "spec", k.healthCronSpec, "error", err)
		} else {
			c.Start()
			k.healthCron = c
		}
	}

	return k, nil
}

func (k *Kernel) onHang(ev watchdog.HangEvent) {
	_ = bus.Publish(k.bus, ev)
	k.lm.mirror(lifecycle.EventTypeModuleHangDetected, ev.ModuleID, "module hang detected", map[string]any{
		"operation": ev.OperationName,
		"ageMs":     ev.Age.Milliseconds(),
	})
}

func (k *Kernel) onMemoryExceeded(ev memmonitor.MemoryExceededEvent) {
	_ = bus.Publish(k.bus, ev)
	source := ev.ModuleID
	if source == "" {
		source = "application"
	}
	k.lm.mirror(lifecycle.EventTypeModuleMemoryExceeded, source, "memory threshold exceeded", map[string]any{
		"estimatedMB": ev.EstimatedMB,
		"softLimitMB": ev.SoftLimitMB,
		"global":      ev.Global,
	})
}

// StartAsync discovers modules via discover, computes their load order from
// declared dependencies, and loads each in turn. A single module's load
// failure is logged and does not abort the others. Once every module has had
// a load attempt, the scheduler starts (if configured) and ApplicationStarted
// is published.
func (k *Kernel) StartAsync(discover Discover) error {
	if !k.started.CompareAndSwap(false, true) {
		return fmt.Errorf("kernel: already started")
	}

	modules := discover()
	nodes := make([]depgraph.Node, 0, len(modules))
	byName := make(map[string]Module, len(modules))
	for _, m := range modules {
		nodes = append(nodes, depgraph.Node{Name: m.Name(), Category: int(m.Category()), Dependencies: m.Dependencies()})
		byName[m.Name()] = m
	}

	order, err := depgraph.ResolveCached(nodes)
	if err != nil {
		return fmt.Errorf("kernel: resolving module load order: %w", err)
	}

	for _, node := range order {
		m, ok := byName[node.Name]
		if !ok {
			continue
		}
		if res := k.lm.Load(m); res.Kind != LoadSuccess {
			k.logger.Error("kernel: module failed to load during startup", "module", node.Name, "result", res.Message)
		}
	}

	if k.cfg.Core.UseScheduler {
		if err := k.scheduler.Start(); err != nil {
			k.logger.Error("kernel: scheduler failed to start", "error", err)
		}
	}

	_ = bus.Publish(k.bus, ApplicationStartedEvent{})
	k.lm.mirror(lifecycle.EventTypeApplicationStarted, "application", "application started", nil)

	return nil
}

// StopAsync publishes ApplicationStopping, stops the scheduler, unloads
// every module in reverse load order, then disposes infrastructure in
// reverse construction order: memory monitor, watchdog, dispatcher, bus.
func (k *Kernel) StopAsync() error {
	_ = bus.Publish(k.bus, ApplicationStoppingEvent{})
	k.lm.mirror(lifecycle.EventTypeApplicationStopping, "application", "application stopping", nil)

	if k.cfg.Core.UseScheduler {
		if err := k.scheduler.Stop(); err != nil {
			k.logger.Warn("kernel: scheduler stop reported", "error", err)
		}
	}

	k.lm.ShutdownAll()

	if k.healthCron != nil {
		stopCtx := k.healthCron.Stop()
		<-stopCtx.Done()
	}

	k.memMon.Stop()
	k.watchdog.Stop()
	if err := k.dispatcher.Stop(context.Background()); err != nil {
		k.logger.Warn("kernel: lifecycle dispatcher stop reported", "error", err)
	}
	_ = k.bus.Close()

	return nil
}

// Load loads a single module outside of the StartAsync discovery pass, e.g.
// for a hot-plugged module.
func (k *Kernel) Load(module Module) LoadResult { return k.lm.Load(module) }

// Unload unloads a single module by its moduleId.
func (k *Kernel) Unload(moduleID string) UnloadResult { return k.lm.Unload(moduleID) }

// Reload unloads and reloads a single module by its moduleId.
func (k *Kernel) Reload(moduleID string) LoadResult { return k.lm.Reload(moduleID) }

// ListModules returns a snapshot of every currently-registered module.
func (k *Kernel) ListModules() []ModuleInfo { return k.lm.ListModules() }

// GetState returns a single module's current lifecycle state.
func (k *Kernel) GetState(moduleID string) (string, error) { return k.lm.GetState(moduleID) }

// HealthCheckAll runs getHealth on every Running module.
func (k *Kernel) HealthCheckAll(ctx context.Context) []ModuleHealth { return k.lm.HealthCheckAll(ctx) }

// SchedulerStatistics returns the scheduler's current tick and per-method
// counters.
func (k *Kernel) SchedulerStatistics() scheduler.Stats { return k.scheduler.Statistics() }

// BusStatistics returns the bus's current delivery counters.
func (k *Kernel) BusStatistics() bus.Stats { return k.bus.Statistics() }

// MemoryWarnings returns how many times moduleID's estimated memory share
// has exceeded its soft limit.
func (k *Kernel) MemoryWarnings(moduleID string) int { return k.memMon.WarningCount(moduleID) }

// Bus exposes the shared bus for host-level publish/subscribe outside of any
// module (e.g. a CLI bridge or test harness).
func (k *Kernel) Bus() *bus.Bus { return k.bus }

package kernel

import "github.com/fieldkernel/core/health"

// ModuleCategory is an ordered, advisory classification used by the
// dependency resolver as a secondary sort key (breaking ties among modules
// at the same dependency depth). Shutdown unloads modules in reverse load
// order, so category affects it only through the load order.
type ModuleCategory int

const (
	CategoryIO ModuleCategory = iota
	CategoryDataProcessing
	CategoryNavigation
	CategoryControl
	CategoryVisualization
	CategoryLogging
	CategoryIntegration
	CategoryMonitoring
)

// Module is the contract every component hosted by the kernel implements.
// A module's identity is its Name()+Version(), combined by the lifecycle
// manager into a moduleId of the form "name:major.minor.patch".
type Module interface {
	// Name returns the module's unique logical name, used for dependency
	// resolution. Two different versions of the same name are still the
	// same dependency target.
	Name() string

	// Version returns the module's semantic version components.
	Version() (major, minor, patch int)

	// Category classifies the module for resolver tie-breaking and
	// shutdown ordering.
	Category() ModuleCategory

	// Dependencies returns the names (not moduleIds) of modules that must
	// already be Running before this module can be loaded.
	Dependencies() []string

	// Initialize prepares the module to run: validate configuration,
	// allocate resources, subscribe to the bus. Called once, before Start.
	Initialize(ctx *ModuleContext) error

	// Start begins the module's runtime operations. Called once
	// Initialize has succeeded.
	Start() error

	// Stop halts runtime operations but leaves the module able to report
	// health and respond to Shutdown. Called during unload, before
	// Shutdown.
	Stop() error

	// Shutdown releases every resource the module holds. Called once,
	// after Stop, as the final step of unload.
	Shutdown() error

	// GetHealth reports the module's current self-assessed health.
	GetHealth() health.Status
}

// Ticker is implemented by modules that want to run on the scheduler's fixed
// tick thread rather than purely in response to bus messages. The kernel and
// the lifecycle manager do not check for Ticker and never schedule Tick; a
// Tick runs only if it is registered through ModuleContext.Scheduler.
type Ticker interface {
	// Tick has the signature of a scheduler method: globalTick is the
	// scheduler's tick counter; monotonicMs is the clock's monotonic
	// millisecond counter at the time of the call.
	Tick(globalTick int64, monotonicMs int64)

	// TickRateHz declares the desired invocation rate; scheduler.Schedule
	// assigns the nearest achievable integer divisor of its base rate.
	TickRateHz() float64
}

package kernel

import (
	"context"

	"github.com/fieldkernel/core/bus"
	"github.com/fieldkernel/core/scheduler"
	"github.com/fieldkernel/core/timesource"
	"github.com/fieldkernel/core/workerpool"
)

// ModuleContext is the set of values the lifecycle manager injects into a
// module at Initialize: a scoped view of the bus, the shared time source and
// scheduler handle, a logger, and a cancellation signal linked to
// application shutdown.
type ModuleContext struct {
	// ModuleID is this module's "name:major.minor.patch" identity.
	ModuleID string

	// Clock is the shared time source every module schedules delays
	// against.
	Clock timesource.Source

	// Scheduler is the shared tick-driven scheduler handle, for modules
	// implementing Ticker or registering their own periodic methods.
	Scheduler *scheduler.Scheduler

	// Log is the lifecycle manager's own logger, shared by every module;
	// its entries are not tagged with this module's id.
	Log Logger

	// Ctx is cancelled when the application begins shutting down. Modules
	// that spawn background goroutines in Initialize should select on
	// Ctx.Done() to wind down cooperatively.
	Ctx context.Context

	bus  *bus.Bus
	pool *workerpool.Pool
}

// Pool returns the module's own dedicated worker pool, for CPU-bound work
// the module wants off the scheduler's tick thread.
func (mc *ModuleContext) Pool() *workerpool.Pool { return mc.pool }

// Subscribe registers an immediate handler for messages of type T, scoped to
// this module so the lifecycle manager can revoke it en masse on unload.
func Subscribe[T any](mc *ModuleContext, handler func(T) error, opts ...bus.SubscribeOption) (bus.SubscriptionHandle, error) {
	return bus.Subscribe(mc.bus, handler, append(opts, bus.WithScope(mc.ModuleID))...)
}

// SubscribeDeferred registers a deferred handler, scoped to this module, see
// Subscribe and bus.SubscribeDeferred.
func SubscribeDeferred[T any](mc *ModuleContext, q *bus.Queue, handler func(T) error, opts ...bus.SubscribeOption) (bus.SubscriptionHandle, error) {
	return bus.SubscribeDeferred(mc.bus, q, handler, append(opts, bus.WithScope(mc.ModuleID))...)
}

// Publish delivers v to every subscriber of T through the shared bus.
func Publish[T any](mc *ModuleContext, v T) error {
	return bus.Publish(mc.bus, v)
}

// PublishAsync is the asynchronous counterpart of Publish.
func PublishAsync[T any](mc *ModuleContext, v T) error {
	return bus.PublishAsync(mc.bus, v)
}

// TryGetLast returns the most recently published value of type T, if cached.
func TryGetLast[T any](mc *ModuleContext) (T, bool) {
	v, _, ok := bus.TryGetLast[T](mc.bus)
	return v, ok
}

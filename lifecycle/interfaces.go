// Package lifecycle dispatches the kernel's lifecycle-phase transition
// events (ApplicationStarted, ModuleLoaded, ModuleUnloaded, and the
// watchdog/memory-monitor reports) to registered observers, and mirrors each
// one as a CloudEvent for external collectors.
package lifecycle

import (
	"context"
	"time"
)

// EventDispatcher dispatches lifecycle events to registered observers.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event *Event) error
	RegisterObserver(observer EventObserver) error
	UnregisterObserver(observerID string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// EventObserver receives dispatched lifecycle events.
type EventObserver interface {
	OnEvent(ctx context.Context, event *Event) error
	ID() string
	EventTypes() []EventType
	Priority() int
}

// Event is one lifecycle-phase transition.
type Event struct {
	ID        string
	Type      EventType
	Source    string // moduleId or "application"
	Timestamp time.Time
	Message   string
	Error     string
	Data      map[string]any
}

// EventType enumerates the lifecycle transitions the kernel publishes.
type EventType string

const (
	EventTypeApplicationStarted   EventType = "application.started"
	EventTypeApplicationStopping  EventType = "application.stopping"
	EventTypeModuleLoaded         EventType = "module.loaded"
	EventTypeModuleUnloaded       EventType = "module.unloaded"
	EventTypeModuleHangDetected   EventType = "module.hang_detected"
	EventTypeModuleMemoryExceeded EventType = "module.memory_exceeded"
)

// DispatchConfig configures a Dispatcher.
type DispatchConfig struct {
	BufferSize      int
	ObserverTimeout time.Duration
}

// EventMetrics tracks per-type dispatch counts.
type EventMetrics struct {
	TotalEvents      int64
	EventsByType     map[EventType]int64
	DispatchErrors   int64
	ObserverPanics   int64
	BackpressureDrop int64
}

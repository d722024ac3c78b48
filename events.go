package kernel

import "time"

// ApplicationStartedEvent is published once, after every discoverable module
// has had a load attempt and the scheduler (if configured) has started.
type ApplicationStartedEvent struct {
	Timestamp time.Time
}

func (e *ApplicationStartedEvent) SetDispatchTimestamp(t time.Time) { e.Timestamp = t }

// ApplicationStoppingEvent is published once, before the scheduler is
// stopped and modules begin unloading.
type ApplicationStoppingEvent struct {
	Timestamp time.Time
}

func (e *ApplicationStoppingEvent) SetDispatchTimestamp(t time.Time) { e.Timestamp = t }

// ModuleLoadedEvent is published after a module reaches the Running state.
type ModuleLoadedEvent struct {
	ModuleID  string
	Name      string
	Version   string
	Timestamp time.Time
}

func (e *ModuleLoadedEvent) SetDispatchTimestamp(t time.Time) { e.Timestamp = t }

// ModuleUnloadedEvent is published after a module has fully unloaded and
// been removed from the registry.
type ModuleUnloadedEvent struct {
	ModuleID  string
	Name      string
	Timestamp time.Time
}

func (e *ModuleUnloadedEvent) SetDispatchTimestamp(t time.Time) { e.Timestamp = t }

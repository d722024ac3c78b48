// Package registry tracks loaded module registrations for the lifecycle
// manager: identity, declared dependencies, and current lifecycle state.
// It is a module bookkeeping table, not a general service-resolution DI
// container.
package registry

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a moduleId has no registration.
var ErrNotFound = errors.New("registry: module not found")

// ErrAlreadyRegistered is returned by Register when moduleId is already
// present.
var ErrAlreadyRegistered = errors.New("registry: module already registered")

// State is a module's position in the lifecycle state machine.
type State string

const (
	StateLoading      State = "Loading"
	StateInitializing State = "Initializing"
	StateStarting     State = "Starting"
	StateRunning      State = "Running"
	StateStopping     State = "Stopping"
	StateShuttingDown State = "ShuttingDown"
	StateUnloaded     State = "Unloaded"
	StateFailed       State = "Failed"
)

// Registration is everything the lifecycle manager tracks about one loaded
// module instance.
type Registration struct {
	ModuleID        string
	Name            string
	Version         string
	Category        int
	Dependencies    []string
	State           State
	LoadedAt        time.Time
	LastHealthCheck time.Time
	LastError       string
}

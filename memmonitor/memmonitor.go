// Package memmonitor samples process memory on a timer and heuristically
// attributes growth across registered modules, raising warnings rather than
// enforcing hard limits (exact per-module attribution is not possible in a
// single process without heavy instrumentation).
package memmonitor

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// MemoryExceededEvent is raised when a module's heuristic share of process
// memory exceeds its soft limit, or when the process crosses the global
// warning threshold.
type MemoryExceededEvent struct {
	ModuleID      string
	EstimatedMB   float64
	SoftLimitMB   float64
	Global        bool
	DispatchedAt  time.Time
}

// SetDispatchTimestamp implements the bus's Timestamper interface.
func (e *MemoryExceededEvent) SetDispatchTimestamp(t time.Time) { e.DispatchedAt = t }

// Logger is the minimal logging surface the monitor needs.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// EventSink receives MemoryExceededEvent reports.
type EventSink func(MemoryExceededEvent)

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option { return func(m *Monitor) { m.logger = l } }

// WithCheckInterval overrides the default 10s sampling interval.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) { m.checkInterval = d }
}

// WithPerModuleSoftLimitMB overrides the default 500MB per-module soft limit.
func WithPerModuleSoftLimitMB(mb float64) Option {
	return func(m *Monitor) { m.perModuleSoftLimitMB = mb }
}

// WithGlobalWarnThresholdMB overrides the default 2048MB global threshold.
func WithGlobalWarnThresholdMB(mb float64) Option {
	return func(m *Monitor) { m.globalWarnThresholdMB = mb }
}

// WithSink sets the function invoked for each MemoryExceededEvent.
func WithSink(sink EventSink) Option { return func(m *Monitor) { m.sink = sink } }

// sampleFunc abstracts the process-memory sample so tests can inject values
// without actually growing the heap.
type sampleFunc func() float64

// withSampleFunc overrides the memory sampling function; unexported because
// it exists only for tests in this package.
func withSampleFunc(f sampleFunc) Option {
	return func(m *Monitor) { m.sample = f }
}

func defaultSample() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.Sys) / (1024 * 1024)
}

// Monitor is the C9 supervision component.
type Monitor struct {
	logger                Logger
	checkInterval          time.Duration
	perModuleSoftLimitMB   float64
	globalWarnThresholdMB  float64
	sink                   EventSink
	sample                 sampleFunc

	mu            sync.Mutex
	modules       map[string]int
	warningCounts map[string]int

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs a Monitor with default checkInterval=10s,
// perModuleSoftLimitMB=500, globalWarnThresholdMB=2048.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		logger:                noopLogger{},
		checkInterval:         10 * time.Second,
		perModuleSoftLimitMB:  500,
		globalWarnThresholdMB: 2048,
		sink:                  func(MemoryExceededEvent) {},
		sample:                defaultSample,
		modules:               make(map[string]int),
		warningCounts:         make(map[string]int),
		stopCh:                make(chan struct{}),
		doneCh:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds moduleID to the set of modules sharing process memory
// attribution.
func (m *Monitor) Register(moduleID string) {
	m.mu.Lock()
	m.modules[moduleID] = 0
	m.mu.Unlock()
}

// Unregister removes moduleID from attribution and drops its warning count.
func (m *Monitor) Unregister(moduleID string) {
	m.mu.Lock()
	delete(m.modules, moduleID)
	delete(m.warningCounts, moduleID)
	m.mu.Unlock()
}

// WarningCount returns how many times moduleID's estimated share has
// exceeded its soft limit.
func (m *Monitor) WarningCount(moduleID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warningCounts[moduleID]
}

// Start launches the background sampling loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the background sampling loop.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	totalMB := m.sample()

	m.mu.Lock()
	moduleIDs := make([]string, 0, len(m.modules))
	for id := range m.modules {
		moduleIDs = append(moduleIDs, id)
	}
	n := len(moduleIDs)
	overGlobal := totalMB > m.globalWarnThresholdMB
	var events []MemoryExceededEvent
	if overGlobal && n > 0 {
		share := totalMB / float64(n)
		for _, id := range moduleIDs {
			if share > m.perModuleSoftLimitMB {
				m.warningCounts[id]++
				events = append(events, MemoryExceededEvent{
					ModuleID:    id,
					EstimatedMB: share,
					SoftLimitMB: m.perModuleSoftLimitMB,
					Global:      false,
				})
			}
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.sink(ev)
	}

	if overGlobal {
		m.sink(MemoryExceededEvent{EstimatedMB: totalMB, SoftLimitMB: m.globalWarnThresholdMB, Global: true})
		m.reclaim(totalMB)
	}
}

// reclaim requests a best-effort full memory reclamation and logs the delta.
func (m *Monitor) reclaim(beforeMB float64) {
	runtime.GC()
	debug.FreeOSMemory()
	afterMB := m.sample()
	m.logger.Info("memory monitor reclaimed after global threshold crossed",
		"beforeMB", beforeMB, "afterMB", afterMB, "deltaMB", beforeMB-afterMB)
}

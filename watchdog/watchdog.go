// Package watchdog tracks in-flight module operations and stale heartbeats,
// reporting hangs via emitted events. It never kills anything; it reports.
package watchdog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HangEvent is emitted when an open operation has exceeded the hang
// threshold.
type HangEvent struct {
	ModuleID      string
	OperationName string
	StartedAt     time.Time
	Age           time.Duration
	DispatchedAt  time.Time
}

// SetDispatchTimestamp implements the bus's Timestamper interface so
// HangEvent carries the time the bus actually delivered it, distinct from
// when the watchdog detected the hang.
func (e *HangEvent) SetDispatchTimestamp(t time.Time) { e.DispatchedAt = t }

// Logger is the minimal logging surface the watchdog needs.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// operation is one open watchdog-monitored call.
type operation struct {
	id            string
	moduleID      string
	operationName string
	startedAt     time.Time
	reported      bool
}

// OperationToken is returned by Monitor; dropping it (calling Close) stops
// tracking the operation.
type OperationToken struct {
	id string
	w  *Watchdog
}

// Close unregisters the operation. Safe to call multiple times.
func (t OperationToken) Close() {
	t.w.stopMonitoring(t.id)
}

type moduleHeartbeat struct {
	last time.Time
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithCheckInterval overrides the default 5s scan interval.
func WithCheckInterval(d time.Duration) Option {
	return func(w *Watchdog) { w.checkInterval = d }
}

// WithHangThreshold overrides the default 60s hang threshold.
func WithHangThreshold(d time.Duration) Option {
	return func(w *Watchdog) { w.hangThreshold = d }
}

// EventSink receives HangEvent reports; typically the bus's Publish[HangEvent].
type EventSink func(HangEvent)

// WithSink sets the function invoked for each hang report.
func WithSink(sink EventSink) Option {
	return func(w *Watchdog) { w.sink = sink }
}

// Watchdog is the C8 supervision component.
type Watchdog struct {
	logger        Logger
	checkInterval time.Duration
	hangThreshold time.Duration
	sink          EventSink

	mu         sync.Mutex
	ops        map[string]*operation
	heartbeats map[string]*moduleHeartbeat

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs a Watchdog with default checkInterval=5s, hangThreshold=60s.
func New(opts ...Option) *Watchdog {
	w := &Watchdog{
		logger:        noopLogger{},
		checkInterval: 5 * time.Second,
		hangThreshold: 60 * time.Second,
		sink:          func(HangEvent) {},
		ops:           make(map[string]*operation),
		heartbeats:    make(map[string]*moduleHeartbeat),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Monitor registers a new open operation and returns a token; drop it (Close)
// to unregister when the operation completes.
func (w *Watchdog) Monitor(moduleID, operationName string) OperationToken {
	id := uuid.NewString()
	w.mu.Lock()
	w.ops[id] = &operation{
		id:            id,
		moduleID:      moduleID,
		operationName: operationName,
		startedAt:     time.Now(),
	}
	w.mu.Unlock()
	return OperationToken{id: id, w: w}
}

func (w *Watchdog) stopMonitoring(id string) {
	w.mu.Lock()
	delete(w.ops, id)
	w.mu.Unlock()
}

// StopMonitoring removes every open operation registered for a module,
// called when the lifecycle manager unloads it.
func (w *Watchdog) StopMonitoring(moduleID string) {
	w.mu.Lock()
	for id, op := range w.ops {
		if op.moduleID == moduleID {
			delete(w.ops, id)
		}
	}
	delete(w.heartbeats, moduleID)
	w.mu.Unlock()
}

// Heartbeat records that moduleID is alive right now.
func (w *Watchdog) Heartbeat(moduleID string) {
	w.mu.Lock()
	hb, ok := w.heartbeats[moduleID]
	if !ok {
		hb = &moduleHeartbeat{}
		w.heartbeats[moduleID] = hb
	}
	hb.last = time.Now()
	w.mu.Unlock()
}

// Start launches the background scan loop.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop terminates the background scan loop.
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watchdog) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.scanHangs()
			w.scanHeartbeats()
		}
	}
}

func (w *Watchdog) scanHangs() {
	now := time.Now()
	var toReport []HangEvent

	w.mu.Lock()
	for _, op := range w.ops {
		if op.reported {
			continue
		}
		age := now.Sub(op.startedAt)
		if age > w.hangThreshold {
			op.reported = true
			toReport = append(toReport, HangEvent{
				ModuleID:      op.moduleID,
				OperationName: op.operationName,
				StartedAt:     op.startedAt,
				Age:           age,
			})
		}
	}
	w.mu.Unlock()

	for _, ev := range toReport {
		w.sink(ev)
	}
}

func (w *Watchdog) scanHeartbeats() {
	now := time.Now()
	stale := w.hangThreshold * 2

	w.mu.Lock()
	var warnings []string
	for moduleID, hb := range w.heartbeats {
		if now.Sub(hb.last) > stale {
			warnings = append(warnings, moduleID)
		}
	}
	w.mu.Unlock()

	for _, moduleID := range warnings {
		w.logger.Warn("module heartbeat stale", "moduleId", moduleID, "threshold", stale)
	}
}

// Package scheduler implements the unified, rate-driven event scheduler: a
// base-rate tick loop that assigns every registered method an integer
// divisor of the base rate, plus real-time and simulated-time run modes for
// deterministic testing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fieldkernel/core/timesource"
)

// ErrAlreadyRunning is returned by Start when the scheduler's tick loop is
// already active.
var ErrAlreadyRunning = errors.New("scheduler: already running")

// ErrNotRunning is returned by Stop when the tick loop is not active.
var ErrNotRunning = errors.New("scheduler: not running")

// DeadlockError is returned by RunSimulation when, with external futures
// still outstanding, there is neither a pending delay nor a due method after
// maxIdleYields consecutive iterations.
type DeadlockError struct {
	PendingDelays int
	DueMethods    int
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("scheduler: simulation deadlocked (pending delays=%d, due methods=%d)", e.PendingDelays, e.DueMethods)
}

// Logger is the minimal logging surface the scheduler needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Method is the full-signature periodic callback: globalTick is the
// scheduler's monotonic tick counter, localCall is this method's own call
// counter.
type Method func(globalTick int64, localCall int64)

// SimpleMethod is the common case of a method that doesn't need tick
// bookkeeping.
type SimpleMethod func()

type scheduledMethod struct {
	id         uint64
	name       string
	method     Method
	rateHz     float64
	divisor    int64
	actualHz   float64
	localCall  int64
	paused     atomic.Bool

	calls        atomic.Int64
	totalElapsed atomic.Int64 // nanoseconds
	maxElapsed   atomic.Int64 // nanoseconds
}

// ScheduledMethodHandle is returned from Schedule.
type ScheduledMethodHandle struct {
	id        uint64
	ActualHz  float64
	scheduler *Scheduler
}

// Unschedule removes the method; it will not fire again.
func (h ScheduledMethodHandle) Unschedule() {
	h.scheduler.unschedule(h.id)
}

// Pause suspends the method without removing it.
func (h ScheduledMethodHandle) Pause() {
	h.scheduler.setPaused(h.id, true)
}

// Resume un-suspends a paused method.
func (h ScheduledMethodHandle) Resume() {
	h.scheduler.setPaused(h.id, false)
}

// MethodStats is a point-in-time snapshot of one scheduled method's counters.
type MethodStats struct {
	Name         string
	ActualRateHz float64
	Calls        int64
	TotalElapsed time.Duration
	MaxElapsed   time.Duration
	Paused       bool
}

// Stats is the scheduler-wide statistics snapshot returned by Statistics.
type Stats struct {
	GlobalTick int64
	Running    bool
	Methods    []MethodStats
}

// Option configures a Scheduler at construction, following the functional
// options idiom used throughout this codebase's constructors.
type Option func(*Scheduler)

// WithLogger installs a structured logger.
func WithLogger(l Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithBaseRateHz overrides the default base tick rate (100 Hz). Must satisfy
// 0 < r <= 1000.
func WithBaseRateHz(r float64) Option {
	return func(s *Scheduler) { s.baseRateHz = r }
}

// WithClock overrides the default system time source, typically to install a
// *timesource.Simulated for deterministic tests.
func WithClock(clock timesource.Source) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithHangShutdownTimeout bounds how long Stop waits for the tick loop to
// exit before giving up.
func WithHangShutdownTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.stopTimeout = d }
}

// Scheduler drives exactly one tick thread. All periodic methods are called
// on that thread in a stable, deterministic order unless a method itself
// offloads work to a worker pool.
type Scheduler struct {
	logger      Logger
	clock       timesource.Source
	baseRateHz  float64
	stopTimeout time.Duration

	mu         sync.RWMutex
	methods    []*scheduledMethod
	byID       map[uint64]*scheduledMethod
	nextID     uint64

	globalTick atomic.Int64
	running    atomic.Bool
	stopCh     chan struct{}
	doneCh     chan struct{}

	debugEnabled bool
}

// New constructs a Scheduler with baseRateHz=100 and the system clock unless
// overridden by options.
func New(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		logger:      noopLogger{},
		clock:       timesource.NewSystem(),
		baseRateHz:  100,
		stopTimeout: 5 * time.Second,
		byID:        make(map[uint64]*scheduledMethod),
	}
	for _, o := range opts {
		o(s)
	}
	if s.baseRateHz <= 0 || s.baseRateHz > 1000 {
		return nil, fmt.Errorf("scheduler: baseRateHz must satisfy 0 < r <= 1000, got %v", s.baseRateHz)
	}
	s.debugEnabled = dbgEnabled()
	return s, nil
}

func dbgEnabled() bool {
	return os.Getenv("KERNEL_SCHEDULER_DEBUG") == "1"
}

func (s *Scheduler) dbg(format string, args ...any) {
	if s.debugEnabled {
		s.logger.Debug(fmt.Sprintf(format, args...))
	}
}

// Schedule registers method to run at the nearest achievable divisor of the
// base rate to requestedRateHz. Mid-run registration is allowed, matching
// the event-scheduler semantics chosen in DESIGN.md's open question 1.
func (s *Scheduler) Schedule(name string, requestedRateHz float64, method Method) (ScheduledMethodHandle, error) {
	if requestedRateHz <= 0 {
		return ScheduledMethodHandle{}, fmt.Errorf("scheduler: requestedRateHz must be positive, got %v", requestedRateHz)
	}
	divisor := int64(math.Max(1, math.Round(s.baseRateHz/requestedRateHz)))
	actual := s.baseRateHz / float64(divisor)

	s.mu.Lock()
	id := s.nextID + 1
	s.nextID = id
	sm := &scheduledMethod{id: id, name: name, method: method, rateHz: requestedRateHz, divisor: divisor, actualHz: actual}
	s.methods = append(s.methods, sm)
	s.byID[id] = sm
	s.mu.Unlock()

	return ScheduledMethodHandle{id: id, ActualHz: actual, scheduler: s}, nil
}

// ScheduleSimple is a convenience wrapper for methods that ignore tick
// bookkeeping.
func (s *Scheduler) ScheduleSimple(name string, requestedRateHz float64, method SimpleMethod) (ScheduledMethodHandle, error) {
	return s.Schedule(name, requestedRateHz, func(int64, int64) { method() })
}

func (s *Scheduler) unschedule(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	for i, m := range s.methods {
		if m.id == id {
			s.methods = append(s.methods[:i], s.methods[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) setPaused(id uint64, paused bool) {
	s.mu.RLock()
	m, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		m.paused.Store(paused)
	}
}

// orderedSnapshot returns methods in a stable order fixed at registration:
// insertion order (the scheduler does not know module categories; callers
// that want category-then-rate ordering register in that order up front).
func (s *Scheduler) orderedSnapshot() []*scheduledMethod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*scheduledMethod, len(s.methods))
	copy(out, s.methods)
	sort.SliceStable(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Scheduler) runTick() {
	tick := s.globalTick.Load()
	for _, m := range s.orderedSnapshot() {
		if m.paused.Load() {
			continue
		}
		if tick%m.divisor != 0 {
			continue
		}
		s.invokeMethod(m, tick)
	}
	s.globalTick.Add(1)

	if s.debugEnabled && tick > 0 && tick%int64(10*s.baseRateHz) == 0 {
		s.dbg("scheduler: tick=%d methods=%d", tick, len(s.methods))
	}
}

func (s *Scheduler) invokeMethod(m *scheduledMethod, tick int64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: method panicked", "method", m.name, "tick", tick, "recovered", r)
		}
	}()
	local := atomic.AddInt64(&m.localCall, 1)
	start := time.Now()
	m.method(tick, local)
	elapsed := time.Since(start)
	m.calls.Add(1)
	m.totalElapsed.Add(int64(elapsed))
	for {
		cur := m.maxElapsed.Load()
		if int64(elapsed) <= cur {
			break
		}
		if m.maxElapsed.CompareAndSwap(cur, int64(elapsed)) {
			break
		}
	}
}

// Start runs the tick loop on a background goroutine using real elapsed time.
// The loop neither reads nor advances the scheduler's clock, so a simulated
// clock stays where it is.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.backgroundLoop()
	return nil
}

// Stop signals the tick loop to exit. It waits up to the configured stop
// timeout for the current method to finish and the loop to exit.
func (s *Scheduler) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(s.stopTimeout):
		s.logger.Warn("scheduler: stop timed out waiting for tick loop to exit")
	}
	return nil
}

func (s *Scheduler) period() time.Duration {
	return time.Duration(float64(time.Second) / s.baseRateHz)
}

func (s *Scheduler) backgroundLoop() {
	defer close(s.doneCh)
	period := s.period()
	next := time.Now().Add(period)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.runTick()

		now := time.Now()
		if now.After(next.Add(period)) {
			s.logger.Warn("scheduler: tick overrun, not catching up", "overrun", now.Sub(next))
			next = now.Add(period)
		} else {
			sleepUntil(next)
			next = next.Add(period)
		}
	}
}

func sleepUntil(t time.Time) {
	d := time.Until(t)
	if d <= 0 {
		return
	}
	if d > time.Millisecond {
		time.Sleep(d - time.Millisecond)
	}
	for time.Now().Before(t) {
		time.Sleep(time.Microsecond * 50)
	}
}

// ExternalFuture is satisfied by any cooperative task RunRealTime/RunSimulation
// wait to complete alongside the scheduler's own ticks, e.g. a simulated
// timesource.Delay channel wrapped to report completion.
type ExternalFuture interface {
	Done() <-chan struct{}
}

type chanFuture struct{ ch <-chan struct{} }

func (f chanFuture) Done() <-chan struct{} { return f.ch }

// AsFuture adapts a raw completion channel into an ExternalFuture.
func AsFuture(ch <-chan struct{}) ExternalFuture { return chanFuture{ch} }

// RunRealTime cooperatively drives ticks using real elapsed time (scaled by
// the clock's TimeScale if simulated) until every future in externals has
// completed.
func (s *Scheduler) RunRealTime(ctx context.Context, externals []ExternalFuture) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	sim, simulated := s.clock.(*timesource.Simulated)
	period := s.period()
	next := time.Now().Add(period)
	last := time.Now()
	for {
		if allDone(externals) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.runTick()
		sleepUntil(next)
		next = next.Add(period)
		if simulated {
			now := time.Now()
			if err := sim.Advance(time.Duration(float64(now.Sub(last)) * sim.TimeScale())); err != nil {
				return err
			}
			last = now
		}
	}
}

func allDone(futures []ExternalFuture) bool {
	for _, f := range futures {
		select {
		case <-f.Done():
		default:
			return false
		}
	}
	return true
}

// RunSimulation is only valid with a *timesource.Simulated clock: at each
// iteration it advances time to the next event — either the next tick
// boundary or an earlier pending-delay deadline — completing delays and
// running due methods at that instant, and repeats until every future in
// externals has completed. It fails with DeadlockError if, with an external
// future still outstanding, there is nothing left that could ever make
// progress (no scheduled methods and no pending delay).
func (s *Scheduler) RunSimulation(ctx context.Context, sim *timesource.Simulated, externals []ExternalFuture) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	const maxIdleYields = 1000
	idle := 0
	period := s.period()

	for {
		if allDone(externals) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.RLock()
		methodCount := len(s.methods)
		s.mu.RUnlock()
		delayDeadline, hasDelay := sim.NextDeadline()

		if methodCount == 0 && !hasDelay {
			idle++
			if idle >= maxIdleYields {
				return &DeadlockError{PendingDelays: sim.PendingCount(), DueMethods: 0}
			}
			continue
		}
		idle = 0

		if hasDelay {
			now := sim.UtcNow()
			if delayDeadline.Before(now.Add(period)) {
				if err := sim.Advance(delayDeadline.Sub(now)); err != nil {
					return err
				}
				continue
			}
		}

		if err := sim.Advance(period); err != nil {
			return err
		}
		s.runTick()
	}
}

// Statistics returns a snapshot of scheduler and per-method counters.
func (s *Scheduler) Statistics() Stats {
	methods := s.orderedSnapshot()
	out := Stats{GlobalTick: s.globalTick.Load(), Running: s.running.Load()}
	for _, m := range methods {
		out.Methods = append(out.Methods, MethodStats{
			Name:         m.name,
			ActualRateHz: m.actualHz,
			Calls:        m.calls.Load(),
			TotalElapsed: time.Duration(m.totalElapsed.Load()),
			MaxElapsed:   time.Duration(m.maxElapsed.Load()),
			Paused:       m.paused.Load(),
		})
	}
	return out
}

// Collector exposes Statistics() as Prometheus counters.
type Collector struct {
	scheduler *Scheduler
	tick      *prometheus.Desc
	calls     *prometheus.Desc
}

// NewCollector wraps s for Prometheus registration.
func NewCollector(s *Scheduler) *Collector {
	return &Collector{
		scheduler: s,
		tick:      prometheus.NewDesc("kernel_scheduler_global_tick", "Current global tick counter.", nil, nil),
		calls:     prometheus.NewDesc("kernel_scheduler_method_calls_total", "Calls per scheduled method.", []string{"method"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tick
	ch <- c.calls
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.scheduler.Statistics()
	ch <- prometheus.MustNewConstMetric(c.tick, prometheus.CounterValue, float64(stats.GlobalTick))
	for _, m := range stats.Methods {
		ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(m.Calls), m.Name)
	}
}

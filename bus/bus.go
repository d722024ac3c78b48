// Package bus implements the typed, priority-ordered publish/subscribe bus
// that is the primary communication path between modules: a last-value cache
// for late joiners, per-subscription consecutive-failure tracking, and
// automatic eviction of chronically failing subscribers.
package bus

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/fieldkernel/core/timesource"
)

// ErrClosed is returned by any operation attempted after the bus has been
// disposed.
var ErrClosed = errors.New("bus: closed")

// ErrUnknownHandle is returned by Unsubscribe when the handle does not
// correspond to a live subscription. Unsubscribing twice is not an error by
// itself; it is only reported the second time because the first Unsubscribe
// already removed the record.
var ErrUnknownHandle = errors.New("bus: unknown subscription handle")

// Logger is the minimal logging surface the bus needs. Satisfied by the root
// kernel.Logger interface; kept local so this package has no dependency on
// the root package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Timestamper may be implemented by a message payload to receive the bus's
// dispatch timestamp. Implement it on a pointer receiver; the bus calls it on
// a private copy of the published value, so the publisher's own variable is
// never mutated (see DESIGN.md open question 2).
type Timestamper interface {
	SetDispatchTimestamp(t time.Time)
}

// mode distinguishes immediate (synchronous, inline) from deferred
// (queued, drained on the subscriber's own thread) subscriptions. Modeled as
// a tagged variant stored alongside a single shared subscription record,
// per DESIGN NOTES "Handler storage as tagged variants".
type mode int

const (
	modeImmediate mode = iota
	modeDeferred
)

type subscription struct {
	id       uint64
	uid      string
	scope    string
	priority int
	seq      uint64
	mode     mode
	typ      reflect.Type
	queue    *Queue
	invoke   func(v any) error

	consecutiveFailures int64
}

// SubscriptionHandle is the opaque token returned from Subscribe. It
// implements io.Closer so `defer handle.Close()` unsubscribes, matching
// DESIGN NOTES "Delegate identity": removal is keyed on this id, not on
// handler reference equality. The embedded uuid is for cross-process log
// correlation only; all bus-internal lookups use the numeric id.
type SubscriptionHandle struct {
	id  uint64
	uid string
	bus *Bus
}

// Close unsubscribes the handler. A second Close on the same handle returns
// ErrUnknownHandle.
func (h SubscriptionHandle) Close() error {
	if h.bus == nil {
		return nil
	}
	return h.bus.Unsubscribe(h)
}

// String renders a debug-friendly identity for logs.
func (h SubscriptionHandle) String() string {
	return fmt.Sprintf("sub-%d-%s", h.id, h.uid)
}

type cacheEntry struct {
	value     any
	timestamp time.Time
}

// Config bounds the bus's memory and failure-tolerance behavior; zero values
// are replaced with spec defaults by New.
type Config struct {
	MaxLastMessages          int
	LastMessageTTL           time.Duration
	MaxFailuresBeforeRemoval int
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MaxLastMessages:          100,
		LastMessageTTL:           time.Hour,
		MaxFailuresBeforeRemoval: 10,
	}
}

// Bus is the process-wide typed pub/sub instance. Zero value is not usable;
// construct with New.
type Bus struct {
	cfg    Config
	clock  timesource.Source
	logger Logger

	mu       sync.RWMutex
	subs     map[reflect.Type][]*subscription
	byID     map[uint64]*subscription
	scopes   map[string]map[uint64]struct{}
	lastVals map[reflect.Type]*cacheEntry

	nextID  uint64
	nextSeq uint64
	seqNum  map[reflect.Type]uint64

	closed atomic.Bool

	asyncPool   *workerPool
	asyncBreaker *gobreaker.CircuitBreaker

	delivered atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithLogger installs a structured logger. Defaults to a no-op logger.
func WithLogger(l Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithAsyncWorkers sets the worker pool size backing PublishAsync. Defaults
// to 4.
func WithAsyncWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.asyncPool = newWorkerPool(n)
		}
	}
}

// New constructs a Bus bound to the given clock (used to stamp dispatch
// timestamps and evaluate cache TTLs).
func New(clock timesource.Source, cfg Config, opts ...Option) *Bus {
	if cfg.MaxLastMessages <= 0 {
		cfg.MaxLastMessages = DefaultConfig().MaxLastMessages
	}
	if cfg.LastMessageTTL <= 0 {
		cfg.LastMessageTTL = DefaultConfig().LastMessageTTL
	}
	if cfg.MaxFailuresBeforeRemoval <= 0 {
		cfg.MaxFailuresBeforeRemoval = DefaultConfig().MaxFailuresBeforeRemoval
	}

	b := &Bus{
		cfg:      cfg,
		clock:    clock,
		logger:   noopLogger{},
		subs:     make(map[reflect.Type][]*subscription),
		byID:     make(map[uint64]*subscription),
		scopes:   make(map[string]map[uint64]struct{}),
		lastVals: make(map[reflect.Type]*cacheEntry),
		seqNum:   make(map[reflect.Type]uint64),
	}
	for _, o := range opts {
		o(b)
	}
	if b.asyncPool == nil {
		b.asyncPool = newWorkerPool(4)
	}
	// The async breaker protects the bus's own worker pool from being
	// monopolized by a publisher whose async handlers are cascading
	// failures; it is independent of the per-subscription FailureRecord
	// eviction policy in §4.2.2 and never affects synchronous Publish.
	b.asyncBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "bus-async",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 20
		},
	})
	return b
}

// Close disposes the bus. Subsequent Publish/Subscribe calls fail with
// ErrClosed.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.asyncPool.shutdown(2 * time.Second)
	return nil
}

func typeOf[T any]() reflect.Type {
	var zero T
	return reflect.TypeOf(&zero).Elem()
}

// SubscribeOptions configures a single subscription.
type SubscribeOptions struct {
	Priority int
	Scope    string
}

// SubscribeOption mutates SubscribeOptions.
type SubscribeOption func(*SubscribeOptions)

// WithPriority sets dispatch priority; higher values are invoked first.
func WithPriority(p int) SubscribeOption {
	return func(o *SubscribeOptions) { o.Priority = p }
}

// WithScope tags the subscription so it can be revoked en masse via
// UnsubscribeScope. Typically a module id.
func WithScope(scope string) SubscribeOption {
	return func(o *SubscribeOptions) { o.Scope = scope }
}

// Subscribe registers an immediate handler for messages of type T. The
// handler runs synchronously, inline in Publish, on the publisher's thread.
func Subscribe[T any](b *Bus, handler func(T) error, opts ...SubscribeOption) (SubscriptionHandle, error) {
	return b.subscribe(typeOf[T](), modeImmediate, nil, func(v any) error {
		return handler(v.(T))
	}, opts)
}

// SubscribeDeferred registers a handler that is never invoked inline; the
// message is enqueued onto q and only runs when the subscriber calls
// q.Drain(), normally from its own tick thread.
func SubscribeDeferred[T any](b *Bus, q *Queue, handler func(T) error, opts ...SubscribeOption) (SubscriptionHandle, error) {
	if q == nil {
		return SubscriptionHandle{}, errors.New("bus: SubscribeDeferred requires a non-nil queue")
	}
	return b.subscribe(typeOf[T](), modeDeferred, q, func(v any) error {
		return handler(v.(T))
	}, opts)
}

func (b *Bus) subscribe(t reflect.Type, m mode, q *Queue, invoke func(any) error, optFns []SubscribeOption) (SubscriptionHandle, error) {
	if b.closed.Load() {
		return SubscriptionHandle{}, ErrClosed
	}
	var o SubscribeOptions
	for _, fn := range optFns {
		fn(&o)
	}

	b.mu.Lock()
	id := b.nextID + 1
	b.nextID = id
	seq := b.seqNum[t] + 1
	b.seqNum[t] = seq

	sub := &subscription{
		id:       id,
		uid:      uuid.NewString(),
		scope:    o.Scope,
		priority: o.Priority,
		seq:      seq,
		mode:     m,
		typ:      t,
		queue:    q,
		invoke:   invoke,
	}
	b.subs[t] = append(b.subs[t], sub)
	b.byID[id] = sub
	if o.Scope != "" {
		set, ok := b.scopes[o.Scope]
		if !ok {
			set = make(map[uint64]struct{})
			b.scopes[o.Scope] = set
		}
		set[id] = struct{}{}
	}
	b.mu.Unlock()

	return SubscriptionHandle{id: id, uid: sub.uid, bus: b}, nil
}

// Unsubscribe cancels a single subscription.
func (b *Bus) Unsubscribe(h SubscriptionHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(h.id)
}

func (b *Bus) removeLocked(id uint64) error {
	sub, ok := b.byID[id]
	if !ok {
		return ErrUnknownHandle
	}
	delete(b.byID, id)
	list := b.subs[sub.typ]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.typ] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if sub.scope != "" {
		if set, ok := b.scopes[sub.scope]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.scopes, sub.scope)
			}
		}
	}
	return nil
}

// UnsubscribeScope cancels every subscription registered with the given
// scope. No-op if the scope is unknown.
func (b *Bus) UnsubscribeScope(scope string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.scopes[scope]
	if !ok {
		return
	}
	for id := range set {
		_ = b.removeLocked(id)
	}
}

// Publish delivers v to every immediate subscriber of T synchronously, then
// enqueues it for every deferred subscriber. See package doc and spec §4.2
// for the full dispatch algorithm.
func Publish[T any](b *Bus, v T) error {
	if b.closed.Load() {
		return ErrClosed
	}
	t := typeOf[T]()

	stamped := v
	if ts, ok := any(&stamped).(Timestamper); ok {
		ts.SetDispatchTimestamp(b.clock.UtcNow())
	}
	now := b.clock.UtcNow()

	b.updateLastValue(t, stamped, now)

	b.mu.RLock()
	snapshot := make([]*subscription, len(b.subs[t]))
	copy(snapshot, b.subs[t])
	b.mu.RUnlock()

	sort.SliceStable(snapshot, func(i, j int) bool {
		if snapshot[i].priority != snapshot[j].priority {
			return snapshot[i].priority > snapshot[j].priority
		}
		return snapshot[i].seq < snapshot[j].seq
	})

	var toRemove []uint64
	var toEnqueue []*subscription
	for _, sub := range snapshot {
		if sub.mode == modeDeferred {
			toEnqueue = append(toEnqueue, sub)
			continue
		}
		err := sub.invoke(any(stamped))
		if err == nil {
			atomic.StoreInt64(&sub.consecutiveFailures, 0)
			b.delivered.Add(1)
			continue
		}
		n := atomic.AddInt64(&sub.consecutiveFailures, 1)
		b.logger.Error("bus: handler failed", "subscription", sub.id, "type", t.String(), "consecutive_failures", n, "error", err)
		if int(n) >= b.cfg.MaxFailuresBeforeRemoval {
			toRemove = append(toRemove, sub.id)
		}
	}

	for _, sub := range toEnqueue {
		env := envelope{payload: any(stamped), handler: sub.invoke, report: func(err error) { b.recordDeferredResult(sub, err) }}
		sub.queue.enqueue(env)
	}

	if len(toRemove) > 0 {
		b.mu.Lock()
		for _, id := range toRemove {
			_ = b.removeLocked(id)
			b.evicted.Add(1)
			b.logger.Warn("bus: evicting subscription after repeated failures", "subscription", id, "type", t.String())
		}
		b.mu.Unlock()
	}

	return nil
}

func (b *Bus) recordDeferredResult(sub *subscription, err error) {
	if err == nil {
		atomic.StoreInt64(&sub.consecutiveFailures, 0)
		b.delivered.Add(1)
		return
	}
	n := atomic.AddInt64(&sub.consecutiveFailures, 1)
	b.logger.Error("bus: deferred handler failed", "subscription", sub.id, "consecutive_failures", n, "error", err)
	if int(n) >= b.cfg.MaxFailuresBeforeRemoval {
		b.mu.Lock()
		_ = b.removeLocked(sub.id)
		b.mu.Unlock()
		b.evicted.Add(1)
		b.logger.Warn("bus: evicting deferred subscription after repeated failures", "subscription", sub.id)
	}
}

// PublishAsync offloads dispatch onto the bus's worker pool; semantics are
// otherwise identical to Publish (each current subscriber is still delivered
// to exactly once). The returned error only reports scheduling failure, not
// delivery outcome.
func PublishAsync[T any](b *Bus, v T) error {
	if b.closed.Load() {
		return ErrClosed
	}
	_, err := b.asyncBreaker.Execute(func() (any, error) {
		done := make(chan error, 1)
		b.asyncPool.submit(func() {
			done <- Publish(b, v)
		})
		return nil, <-done
	})
	if err != nil {
		b.dropped.Add(1)
	}
	return err
}

func (b *Bus) updateLastValue(t reflect.Type, v any, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastVals[t] = &cacheEntry{value: v, timestamp: now}
	b.evictLastValuesLocked(now)
}

func (b *Bus) evictLastValuesLocked(now time.Time) {
	if len(b.lastVals) <= b.cfg.MaxLastMessages {
		return
	}
	for t, e := range b.lastVals {
		if now.Sub(e.timestamp) > b.cfg.LastMessageTTL {
			delete(b.lastVals, t)
		}
	}
	for len(b.lastVals) > b.cfg.MaxLastMessages {
		var oldestType reflect.Type
		var oldest time.Time
		first := true
		for t, e := range b.lastVals {
			if first || e.timestamp.Before(oldest) {
				oldestType, oldest = t, e.timestamp
				first = false
			}
		}
		delete(b.lastVals, oldestType)
	}
}

// TryGetLast returns the most recent published value of type T and its
// dispatch timestamp, if one is cached and not evicted.
func TryGetLast[T any](b *Bus) (T, time.Time, bool) {
	var zero T
	t := typeOf[T]()
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.lastVals[t]
	if !ok {
		return zero, time.Time{}, false
	}
	if b.clock.UtcNow().Sub(e.timestamp) > b.cfg.LastMessageTTL {
		return zero, time.Time{}, false
	}
	return e.value.(T), e.timestamp, true
}

// Stats is a point-in-time snapshot of bus activity, exposed to hosts via
// kernel.Kernel.BusStatistics and to Prometheus via Collector.
type Stats struct {
	Delivered int64
	Dropped   int64
	Evicted   int64
	Subscribers int
	CachedTypes int
}

// Statistics returns the current counters.
func (b *Bus) Statistics() Stats {
	b.mu.RLock()
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	cached := len(b.lastVals)
	b.mu.RUnlock()
	return Stats{
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Evicted:     b.evicted.Load(),
		Subscribers: n,
		CachedTypes: cached,
	}
}

type envelope struct {
	payload any
	handler func(any) error
	report  func(error)
}

// workerPool is a tiny fixed-size pool backing PublishAsync. Its task channel
// is buffered to 256 entries; submitting to a full channel blocks until a
// worker takes a task.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func newWorkerPool(n int) *workerPool {
	p := &workerPool{tasks: make(chan func(), 256)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

func (p *workerPool) submit(task func()) {
	p.tasks <- task
}

func (p *workerPool) shutdown(timeout time.Duration) {
	close(p.tasks)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

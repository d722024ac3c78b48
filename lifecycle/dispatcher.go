package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// ErrDispatcherNotRunning is returned by Dispatch when the dispatcher hasn't
// been started.
var ErrDispatcherNotRunning = errors.New("lifecycle: dispatcher is not running")

// ErrDispatcherAlreadyRunning is returned by Start when already running.
var ErrDispatcherAlreadyRunning = errors.New("lifecycle: dispatcher is already running")

// CloudEventSink receives a CloudEvents mirror of every dispatched Event.
// Implementations should not block; the dispatcher calls it synchronously
// from the dispatch goroutine.
type CloudEventSink func(ctx context.Context, ev cloudevents.Event)

// Dispatcher fans lifecycle events out to registered observers in priority
// order, and mirrors each one through an optional CloudEventSink.
type Dispatcher struct {
	mu        sync.RWMutex
	observers map[string]EventObserver
	running   bool
	config    *DispatchConfig
	metrics   EventMetrics
	eventChan chan *Event
	stopChan  chan struct{}
	doneChan  chan struct{}
	sink      CloudEventSink
	source    string
}

// NewDispatcher constructs a Dispatcher. source identifies this process in
// emitted CloudEvents (e.g. "fieldkernel").
func NewDispatcher(config *DispatchConfig, source string, sink CloudEventSink) *Dispatcher {
	if config == nil {
		config = &DispatchConfig{BufferSize: 256, ObserverTimeout: 5 * time.Second}
	}
	if sink == nil {
		sink = func(context.Context, cloudevents.Event) {}
	}
	return &Dispatcher{
		observers: make(map[string]EventObserver),
		config:    config,
		metrics:   EventMetrics{EventsByType: make(map[EventType]int64)},
		eventChan: make(chan *Event, config.BufferSize),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		sink:      sink,
		source:    source,
	}
}

// RegisterObserver adds an observer; observers fire in descending Priority
// order.
func (d *Dispatcher) RegisterObserver(observer EventObserver) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers[observer.ID()] = observer
	return nil
}

// UnregisterObserver removes a previously registered observer.
func (d *Dispatcher) UnregisterObserver(observerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.observers, observerID)
	return nil
}

// Start launches the background dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrDispatcherAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop drains in-flight events then terminates the dispatch loop.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopChan)
	select {
	case <-d.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the dispatch loop is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Dispatch enqueues event for delivery to observers. Returns
// ErrDispatcherNotRunning if Start hasn't been called, or drops the event
// (incrementing BackpressureDrop) if the buffer is full.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if !running {
		return ErrDispatcherNotRunning
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case d.eventChan <- event:
		return nil
	default:
		d.mu.Lock()
		d.metrics.BackpressureDrop++
		d.mu.Unlock()
		return nil
	}
}

// Metrics returns a snapshot of dispatch counters.
func (d *Dispatcher) Metrics() EventMetrics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	byType := make(map[EventType]int64, len(d.metrics.EventsByType))
	for k, v := range d.metrics.EventsByType {
		byType[k] = v
	}
	m := d.metrics
	m.EventsByType = byType
	return m
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneChan)
	for {
		select {
		case event := <-d.eventChan:
			d.deliver(ctx, event)
		case <-d.stopChan:
			d.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case event := <-d.eventChan:
			d.deliver(ctx, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event *Event) {
	d.mu.Lock()
	d.metrics.TotalEvents++
	d.metrics.EventsByType[event.Type]++
	observers := make([]EventObserver, 0, len(d.observers))
	for _, o := range d.observers {
		observers = append(observers, o)
	}
	d.mu.Unlock()

	sort.SliceStable(observers, func(i, j int) bool { return observers[i].Priority() > observers[j].Priority() })

	for _, obs := range observers {
		if !wantsType(obs, event.Type) {
			continue
		}
		d.invokeObserver(ctx, obs, event)
	}

	d.sink(ctx, toCloudEvent(event, d.source))
}

func wantsType(obs EventObserver, t EventType) bool {
	types := obs.EventTypes()
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func (d *Dispatcher) invokeObserver(ctx context.Context, obs EventObserver, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.metrics.ObserverPanics++
			d.mu.Unlock()
		}
	}()

	obsCtx := ctx
	var cancel context.CancelFunc
	if d.config.ObserverTimeout > 0 {
		obsCtx, cancel = context.WithTimeout(ctx, d.config.ObserverTimeout)
		defer cancel()
	}

	if err := obs.OnEvent(obsCtx, event); err != nil {
		d.mu.Lock()
		d.metrics.DispatchErrors++
		d.mu.Unlock()
	}
}

func toCloudEvent(event *Event, source string) cloudevents.Event {
	ce := cloudevents.NewEvent()
	ce.SetID(event.ID)
	ce.SetType(string(event.Type))
	ce.SetSource(source + "/" + event.Source)
	ce.SetTime(event.Timestamp)
	payload := map[string]any{"message": event.Message}
	if event.Error != "" {
		payload["error"] = event.Error
	}
	for k, v := range event.Data {
		payload[k] = v
	}
	_ = ce.SetData(cloudevents.ApplicationJSON, payload)
	return ce
}

// BasicObserver adapts a plain callback into an EventObserver.
type BasicObserver struct {
	id         string
	eventTypes []EventType
	priority   int
	callback   func(context.Context, *Event) error
}

// NewBasicObserver constructs a BasicObserver.
func NewBasicObserver(id string, eventTypes []EventType, priority int, callback func(context.Context, *Event) error) *BasicObserver {
	return &BasicObserver{id: id, eventTypes: eventTypes, priority: priority, callback: callback}
}

func (o *BasicObserver) OnEvent(ctx context.Context, event *Event) error {
	if o.callback != nil {
		return o.callback(ctx, event)
	}
	return nil
}

func (o *BasicObserver) ID() string             { return o.id }
func (o *BasicObserver) EventTypes() []EventType { return o.eventTypes }
func (o *BasicObserver) Priority() int           { return o.priority }

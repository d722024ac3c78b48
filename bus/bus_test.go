package bus_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkernel/core/bus"
	"github.com/fieldkernel/core/timesource"
)

type tMsg struct {
	Value int
	ts    time.Time
}

func (m *tMsg) SetDispatchTimestamp(t time.Time) { m.ts = t }
func (m *tMsg) DispatchTimestamp() time.Time     { return m.ts }

func newTestBus(cfg bus.Config) *bus.Bus {
	clock := timesource.NewSimulated(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return bus.New(clock, cfg)
}

// S1 — Bus ordering and isolation.
func TestPublish_OrderingFailureIsolationAndEviction(t *testing.T) {
	b := newTestBus(bus.Config{MaxFailuresBeforeRemoval: 3})

	var order []string
	var bFailures int

	_, err := bus.Subscribe(b, func(v tMsg) error {
		order = append(order, "A")
		return nil
	}, bus.WithPriority(10))
	require.NoError(t, err)

	_, err = bus.Subscribe(b, func(v tMsg) error {
		order = append(order, "B")
		bFailures++
		return errors.New("boom")
	}, bus.WithPriority(10))
	require.NoError(t, err)

	_, err = bus.Subscribe(b, func(v tMsg) error {
		order = append(order, "C")
		return nil
	}, bus.WithPriority(0))
	require.NoError(t, err)

	var aCount, cCount int
	for i := 0; i < 4; i++ {
		order = nil
		require.NoError(t, bus.Publish(b, tMsg{Value: i}))
		for _, who := range order {
			switch who {
			case "A":
				aCount++
			case "C":
				cCount++
			}
		}
		if i < 3 {
			assert.Equal(t, []string{"A", "B", "C"}, order)
		} else {
			assert.Equal(t, []string{"A", "C"}, order)
		}
	}

	assert.Equal(t, 4, aCount)
	assert.Equal(t, 4, cCount)
	assert.Equal(t, 3, bFailures)
}

// S2 — Last-value cache TTL and size.
func TestTryGetLast_SizeEviction(t *testing.T) {
	clock := timesource.NewSimulated(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := bus.New(clock, bus.Config{MaxLastMessages: 2, LastMessageTTL: 60 * time.Second})

	type T1 struct{ N int }
	type T2 struct{ N int }
	type T3 struct{ N int }

	require.NoError(t, bus.Publish(b, T1{N: 1}))
	require.NoError(t, clock.Advance(time.Second))
	require.NoError(t, bus.Publish(b, T2{N: 2}))
	require.NoError(t, clock.Advance(time.Second))
	require.NoError(t, bus.Publish(b, T3{N: 3}))

	_, _, ok1 := bus.TryGetLast[T1](b)
	assert.False(t, ok1)

	v2, _, ok2 := bus.TryGetLast[T2](b)
	require.True(t, ok2)
	assert.Equal(t, 2, v2.N)

	v3, _, ok3 := bus.TryGetLast[T3](b)
	require.True(t, ok3)
	assert.Equal(t, 3, v3.N)
}

func TestTryGetLast_RoundTrip(t *testing.T) {
	b := newTestBus(bus.DefaultConfig())
	type Payload struct{ N int }

	require.NoError(t, bus.Publish(b, Payload{N: 42}))
	v, _, ok := bus.TryGetLast[Payload](b)
	require.True(t, ok)
	assert.Equal(t, 42, v.N)
}

func TestSubscriptionUniqueness(t *testing.T) {
	b := newTestBus(bus.DefaultConfig())
	h1, err := bus.Subscribe(b, func(v tMsg) error { return nil })
	require.NoError(t, err)
	h2, err := bus.Subscribe(b, func(v tMsg) error { return nil })
	require.NoError(t, err)

	assert.NotEqual(t, h1.String(), h2.String())
	require.NoError(t, h1.Close())
	assert.NoError(t, b.Unsubscribe(h2))
	assert.ErrorIs(t, b.Unsubscribe(h2), bus.ErrUnknownHandle)
}

func TestUnsubscribeScope_CascadesToAllMembers(t *testing.T) {
	b := newTestBus(bus.DefaultConfig())
	var calls int

	_, err := bus.Subscribe(b, func(v tMsg) error { calls++; return nil }, bus.WithScope("moduleA"))
	require.NoError(t, err)
	_, err = bus.Subscribe(b, func(v tMsg) error { calls++; return nil }, bus.WithScope("moduleA"))
	require.NoError(t, err)
	_, err = bus.Subscribe(b, func(v tMsg) error { calls++; return nil }, bus.WithScope("moduleB"))
	require.NoError(t, err)

	b.UnsubscribeScope("moduleA")
	require.NoError(t, bus.Publish(b, tMsg{}))
	assert.Equal(t, 1, calls)
}

func TestDeferredSubscription_OnlyRunsOnDrain(t *testing.T) {
	b := newTestBus(bus.DefaultConfig())
	q := bus.NewQueue()
	var invoked bool

	_, err := bus.SubscribeDeferred(b, q, func(v tMsg) error {
		invoked = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(b, tMsg{Value: 1}))
	assert.False(t, invoked, "deferred handler must not run inline in Publish")

	n, err := q.Drain()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, invoked)
}

func TestPublish_AfterCloseFails(t *testing.T) {
	b := newTestBus(bus.DefaultConfig())
	require.NoError(t, b.Close())
	err := bus.Publish(b, tMsg{})
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestTimestamper_DoesNotMutatePublisherValue(t *testing.T) {
	b := newTestBus(bus.DefaultConfig())
	original := tMsg{Value: 7}

	_, err := bus.Subscribe(b, func(v tMsg) error {
		assert.False(t, v.ts.IsZero(), "subscriber should observe the stamped timestamp")
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(b, original))
	assert.True(t, original.ts.IsZero(), "the publisher's own value must never be mutated")
}

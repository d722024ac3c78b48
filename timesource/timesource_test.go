package timesource_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkernel/core/timesource"
)

func TestSimulated_DelayResolvesOnlyOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sim := timesource.NewSimulated(start)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := sim.Delay(ctx, 5*time.Second)

	select {
	case <-done:
		t.Fatal("delay resolved before time advanced")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, sim.Advance(3*time.Second))
	select {
	case <-done:
		t.Fatal("delay resolved before deadline")
	case <-time.After(10 * time.Millisecond):
	}

	require.NoError(t, sim.Advance(2*time.Second))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delay did not resolve once deadline reached")
	}
}

func TestSimulated_SetTimeRejectsGoingBackwards(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sim := timesource.NewSimulated(start)

	require.NoError(t, sim.SetTime(start.Add(time.Minute)))
	err := sim.SetTime(start)
	assert.Error(t, err)
}

func TestSimulated_MonotonicMillisTracksAdvance(t *testing.T) {
	sim := timesource.NewSimulated(time.Now())
	require.NoError(t, sim.Advance(250*time.Millisecond))
	assert.Equal(t, int64(250), sim.MonotonicMillis())
}

func TestSystem_DelayCompletesInRealTime(t *testing.T) {
	sys := timesource.NewSystem()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	<-sys.Delay(ctx, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

package safeexec_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fieldkernel/core/safeexec"
)

func TestRunWithTimeout_Success(t *testing.T) {
	res := safeexec.RunWithTimeout(context.Background(), time.Second, "init", "mod-a", func(ctx context.Context) error {
		return nil
	})
	assert.Equal(t, safeexec.Success, res.Kind)
	assert.False(t, res.Fatal)
}

// Invariant 11 — timeouts are upper bounds: the call returns within its
// configured timeout plus a small slack. Here the work returns as soon as the
// timeout cancels its context, and the timeout is reported as a Failure.
func TestRunWithTimeout_UpperBound(t *testing.T) {
	start := time.Now()
	res := safeexec.RunWithTimeout(context.Background(), 50*time.Millisecond, "start", "mod-a", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	elapsed := time.Since(start)

	assert.Equal(t, safeexec.Failure, res.Kind)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestRunWithTimeout_NonCooperativeWorkNeverReturning(t *testing.T) {
	start := time.Now()
	res := safeexec.RunWithTimeout(context.Background(), 30*time.Millisecond, "stop", "mod-b", func(ctx context.Context) error {
		<-make(chan struct{})
		return nil
	})
	elapsed := time.Since(start)

	assert.Equal(t, safeexec.Failure, res.Kind)
	assert.False(t, res.Fatal)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestRunWithTimeout_RecoversPanicAsFatal(t *testing.T) {
	res := safeexec.RunWithTimeout(context.Background(), time.Second, "tick", "mod-c", func(ctx context.Context) error {
		panic("boom")
	})
	assert.Equal(t, safeexec.Failure, res.Kind)
	assert.True(t, res.Fatal)
	assert.ErrorIs(t, res.Err, safeexec.ErrFatal)
}

func TestRunWithTimeout_ExpectedErrorIsNotFatal(t *testing.T) {
	res := safeexec.RunWithTimeout(context.Background(), time.Second, "start", "mod-d", func(ctx context.Context) error {
		return safeexec.MarkExpected(errors.New("permission denied"))
	})
	assert.Equal(t, safeexec.Failure, res.Kind)
	assert.False(t, res.Fatal)
}

func TestRunWithTimeout_UnclassifiedErrorDefaultsFatal(t *testing.T) {
	res := safeexec.RunWithTimeout(context.Background(), time.Second, "start", "mod-e", func(ctx context.Context) error {
		return errors.New("unexpected condition")
	})
	assert.Equal(t, safeexec.Failure, res.Kind)
	assert.True(t, res.Fatal)
}

func TestRunWithTimeout_ParentCancellationIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := safeexec.RunWithTimeout(ctx, time.Second, "stop", "mod-f", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.Equal(t, safeexec.Cancelled, res.Kind)
}

package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-notes/scheduler"
)

func TestLocal_RunsOnce(t *testing.T) {
	s := scheduler.New(nil)
	defer s.Close()

	var calls atomic.Int32
	done := make(chan struct{})
	s.Schedule(5*time.Millisecond, func(ctx context.Context) {
		calls.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocal_CloseDropsPending(t *testing.T) {
	s := scheduler.New(nil)

	var calls atomic.Int32
	s.Schedule(time.Hour, func(ctx context.Context) { calls.Add(1) })
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, int32(0), calls.Load())

	s.Schedule(time.Millisecond, func(ctx context.Context) { calls.Add(1) })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.NoError(t, s.Close())
}

func TestLocal_CloseCancelsRunningCallback(t *testing.T) {
	s := scheduler.New(nil)

	started := make(chan struct{})
	var cancelled atomic.Bool
	s.Schedule(0, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})

	<-started
	require.NoError(t, s.Close())
	assert.True(t, cancelled.Load())
}

func TestLocal_RecoversPanics(t *testing.T) {
	s := scheduler.New(nil)
	defer s.Close()

	done := make(chan struct{})
	s.Schedule(0, func(ctx context.Context) { panic("boom") })
	s.Schedule(time.Millisecond, func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second callback did not run")
	}
}

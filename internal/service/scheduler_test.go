package service

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{"first attempt", time.Second, 0, time.Second},
		{"doubles", time.Second, 1, 2 * time.Second},
		{"third retry", time.Second, 3, 8 * time.Second},
		{"negative attempt", 500 * time.Millisecond, -2, 500 * time.Millisecond},
		{"zero base", 0, 5, 0},
		{"saturates", time.Hour, 40, time.Duration(math.MaxInt64)},
		{"attempt is capped", time.Nanosecond, 1000, time.Duration(int64(1) << 62)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BackoffDelay(tt.base, tt.attempt))
		})
	}
}

func TestRetrySchedulerRunsTask(t *testing.T) {
	s := NewRetryScheduler(logger.NewNop())
	done := make(chan struct{})

	require.True(t, s.Schedule("task", 10*time.Millisecond, func(ctx context.Context) {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task did not run")
	}
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRetrySchedulerStopCancelsPendingTasks(t *testing.T) {
	s := NewRetryScheduler(logger.NewNop())
	var ran int32

	for i := 0; i < 5; i++ {
		s.Schedule("slow", time.Hour, func(ctx context.Context) {
			atomic.AddInt32(&ran, 1)
		})
	}
	assert.Equal(t, 5, s.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	assert.Equal(t, 0, s.Pending())
	assert.False(t, s.Schedule("late", 0, func(ctx context.Context) {}), "stopped scheduler rejects tasks")
}

func TestRetrySchedulerStopWaitsForRunningTask(t *testing.T) {
	s := NewRetryScheduler(logger.NewNop())
	started := make(chan struct{})
	var finished int32

	s.Schedule("running", 0, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		atomic.StoreInt32(&finished, 1)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestRetrySchedulerStopIsBoundedByContext(t *testing.T) {
	s := NewRetryScheduler(logger.NewNop())
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	s.Schedule("stuck", 0, func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestRetrySchedulerRecoversPanics(t *testing.T) {
	s := NewRetryScheduler(logger.NewNop())
	s.Schedule("boom", 0, func(ctx context.Context) {
		panic("boom")
	})

	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	done := make(chan struct{})
	require.True(t, s.Schedule("after", 0, func(ctx context.Context) { close(done) }))
	<-done
}

func TestRetrySchedulerRestart(t *testing.T) {
	s := NewRetryScheduler(logger.NewNop())
	require.NoError(t, s.Stop(context.Background()))
	require.False(t, s.Schedule("rejected", 0, func(ctx context.Context) {}))

	s.Restart()
	done := make(chan struct{})
	require.True(t, s.Schedule("accepted", 0, func(ctx context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task scheduled after restart did not run")
	}
}

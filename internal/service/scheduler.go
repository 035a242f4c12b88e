package service

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

const maxBackoffShift = 62

// BackoffDelay returns base * 2^attempt, saturating instead of overflowing
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// RetryScheduler runs delayed tasks bound to a cancellable context. Stop cancels every
// pending task and waits for running ones.
type RetryScheduler struct {
	logger *logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending int
	stopped bool
}

// NewRetryScheduler creates a scheduler ready to accept tasks
func NewRetryScheduler(log *logger.Logger) *RetryScheduler {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RetryScheduler{
		logger: log.FailoverLogger().WithField("scheduler", "retry"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule runs task after delay unless the scheduler is stopped first. Returns false
// when the scheduler no longer accepts tasks.
func (s *RetryScheduler) Schedule(name string, delay time.Duration, task func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	ctx := s.ctx
	s.pending++
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"task":  name,
		"delay": delay.String(),
	}).Debug("Scheduled delayed task")

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.pending--
			s.mu.Unlock()
		}()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			s.logger.WithField("task", name).Debug("Delayed task cancelled")
			return
		case <-timer.C:
		}

		defer func() {
			if r := recover(); r != nil {
				s.logger.WithField("task", name).Errorf("Delayed task panicked: %v", r)
			}
		}()
		task(ctx)
	}()

	return true
}

// Pending returns the number of tasks that have not finished
func (s *RetryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Stop cancels pending tasks and waits for them, bounded by ctx
func (s *RetryScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart re-arms a stopped scheduler
func (s *RetryScheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stopped = false
}

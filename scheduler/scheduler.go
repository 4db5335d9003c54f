// Package scheduler runs one-shot delayed callbacks in process.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/becomeliminal/nim-notes/memory"
)

// Local schedules callbacks with time.AfterFunc. Pending callbacks are
// lost on restart; approval markers carry a backend TTL for that case.
type Local struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ memory.Scheduler = (*Local)(nil)

// New creates a scheduler. Callbacks receive a context that is cancelled
// by Close.
func New(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Local{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("scheduler"),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Schedule runs fn once after delay. It does nothing after Close.
func (s *Local) Schedule(delay time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Debug("scheduler closed, dropping callback")
		return
	}

	s.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled callback panicked", zap.Any("panic", r))
			}
		}()
		fn(s.ctx)
	})
	s.timers[t] = struct{}{}
}

// Pending returns the number of callbacks that haven't run yet.
func (s *Local) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops pending timers and waits for running callbacks.
func (s *Local) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stopped := 0
	for t := range s.timers {
		if t.Stop() {
			s.wg.Done()
			stopped++
		}
		delete(s.timers, t)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if stopped > 0 {
		s.logger.Info("dropped pending callbacks", zap.Int("count", stopped))
	}
	return nil
}

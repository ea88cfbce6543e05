// Package tasks runs fire-and-forget side effects under supervision so their
// failures land in structured logs instead of vanishing.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Set supervises background tasks. Wait drains it during shutdown.
type Set struct {
	wg      sync.WaitGroup
	logger  *slog.Logger
	timeout time.Duration
}

// NewSet creates a task set whose tasks each get their own timeout-bounded
// context, detached from the submitting request.
func NewSet(logger *slog.Logger, timeout time.Duration) *Set {
	return &Set{logger: logger, timeout: timeout}
}

// Go submits a task. Errors and panics are logged, never propagated.
func (s *Set) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background task panicked", "event", "task_panic", "task", name, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Error("background task failed", "event", "task_error", "task", name, "error", err)
		}
	}()
}

// Wait blocks until all submitted tasks finish.
func (s *Set) Wait() {
	s.wg.Wait()
}

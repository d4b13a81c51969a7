package tasks

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dorcha-inc/hotpatch/internal/core"
)

const (
	DefaultPollInterval  = core.DefaultPollIntervalMs * time.Millisecond
	DefaultBlockInterval = core.DefaultBlockIntervalMs * time.Millisecond
)

// Scheduler owns the interface and core queues.
type Scheduler struct {
	clock clockwork.Clock
	ui    *Queue
	core  *Queue
}

// NewScheduler creates a scheduler with a real clock
func NewScheduler() *Scheduler {
	return NewSchedulerWithClock(clockwork.NewRealClock())
}

// NewSchedulerWithClock creates a scheduler with a custom clock
// This is useful for testing with a fake clock
func NewSchedulerWithClock(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		ui:    NewQueueWithClock(ContextInterface, clock),
		core:  NewQueueWithClock(ContextCore, clock),
	}
}

// Clock returns the clock shared by both queues.
func (s *Scheduler) Clock() clockwork.Clock {
	return s.clock
}

// Queue returns the queue of the given context.
func (s *Scheduler) Queue(c ExecContext) *Queue {
	if c == ContextCore {
		return s.core
	}
	return s.ui
}

// Submit enqueues action on the given context's queue.
func (s *Scheduler) Submit(c ExecContext, action Action, delay time.Duration) error {
	return s.Queue(c).Submit(action, delay)
}

// CurrentContext reports which context the caller runs on. Only the core
// queue is identified; everything else is treated as the interface context.
func (s *Scheduler) CurrentContext(ctx context.Context) ExecContext {
	if queueFrom(ctx) == s.core {
		return ContextCore
	}
	return ContextInterface
}

// SubmitAuto enqueues action on the caller's own context.
func (s *Scheduler) SubmitAuto(ctx context.Context, action Action, delay time.Duration) error {
	return s.Submit(s.CurrentContext(ctx), action, delay)
}

// WaitUntil runs action once predicate holds. When it already holds, action
// runs synchronously on the caller; otherwise the check is resubmitted on the
// caller's queue every pollInterval. There is no timeout: a predicate that
// never holds keeps its chain polling without holding up other entries.
func (s *Scheduler) WaitUntil(ctx context.Context, predicate func() bool, action Action, pollInterval time.Duration) error {
	if predicate() {
		action(ctx)
		return nil
	}

	return s.SubmitAuto(ctx, func(next context.Context) {
		if err := s.WaitUntil(next, predicate, action, pollInterval); err != nil {
			zap.L().Error("Failed to resubmit wait",
				zap.String("context", s.CurrentContext(next).String()),
				zap.Error(err))
		}
	}, pollInterval)
}

// BlockWhile blocks the calling goroutine while predicate holds, checking
// every interval. It returns early only when ctx is cancelled.
func (s *Scheduler) BlockWhile(ctx context.Context, predicate func() bool, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultBlockInterval
	}

	for predicate() {
		timer := s.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
	return nil
}

// Run drains both queues until ctx is done or a queue stops.
func (s *Scheduler) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.ui.Run(groupCtx) })
	group.Go(func() error { return s.core.Run(groupCtx) })
	return group.Wait()
}

// Close closes both queues.
func (s *Scheduler) Close() {
	s.ui.Close()
	s.core.Close()
}

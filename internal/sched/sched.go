// Package sched owns goroutine lifetime for devmesh's daemon loops: the
// gossiper, the accepter, each peer's connection state machine, and the
// peer reaper all run under a Scheduler so a single Stop() can cancel and
// drain every one of them.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

// Scheduler tracks spawned goroutines and supervises daemon tasks that are
// expected to run for the lifetime of a Member, restarting them (with a
// logged warning) if they return an error or panic.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New builds a Scheduler rooted at a fresh cancellable context.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel, logger: logger}
}

// Context returns the Scheduler's root context, cancelled on Cancel/Stop.
// Callers that need per-task cancellation independent of Stop() should
// derive a child context from it and use SpawnChild.
func (s *Scheduler) Context() context.Context { return s.ctx }

// Spawn runs fn once in a tracked goroutine using the Scheduler's own
// context. A panic in fn is recovered and logged, not propagated.
func (s *Scheduler) Spawn(fn func(ctx context.Context)) {
	s.SpawnChild(s.ctx, fn)
}

// SpawnChild is like Spawn but runs fn against an explicit context, so a
// caller can cancel a single task without tearing down the whole Scheduler.
func (s *Scheduler) SpawnChild(ctx context.Context, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.recoverPanic("task")
		fn(ctx)
	}()
}

// SpawnDaemon runs fn repeatedly for the Scheduler's lifetime. If fn returns
// a non-nil error, or panics, the failure is logged and fn is restarted
// after backoff. fn should itself loop until ctx is cancelled; SpawnDaemon's
// restart is for unexpected exits, not normal shutdown.
func (s *Scheduler) SpawnDaemon(name string, backoff time.Duration, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	id := xid.New()
	go func() {
		defer s.wg.Done()
		for {
			if s.ctx.Err() != nil {
				return
			}
			err := s.runGuarded(id, name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Warn("daemon exited unexpectedly, restarting",
					zap.String("daemon", name),
					zap.String("task", id.String()),
					zap.Error(err))
			}
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) runGuarded(id xid.ID, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("daemon panicked",
				zap.String("daemon", name),
				zap.String("task", id.String()),
				zap.Any("panic", r))
			err = panicError{r}
		}
	}()
	return fn(s.ctx)
}

func (s *Scheduler) recoverPanic(what string) {
	if r := recover(); r != nil {
		s.logger.Error("task panicked", zap.String("kind", what), zap.Any("panic", r))
	}
}

// Sleep blocks for d or until the Scheduler is cancelled, whichever comes
// first, returning the context's error in the latter case.
func (s *Scheduler) Sleep(d time.Duration) error {
	return SleepCtx(s.ctx, d)
}

// SleepCtx blocks for d or until ctx is done.
func SleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel signals every tracked task to stop without waiting for them to
// exit. Use Wait (or Stop) to block until they actually have.
func (s *Scheduler) Cancel() { s.cancel() }

// Wait blocks until every spawned goroutine has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Stop cancels and waits.
func (s *Scheduler) Stop() {
	s.Cancel()
	s.Wait()
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic recovered" }

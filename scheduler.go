package pulse

import (
	"context"
	"sync"
	"time"
)

// Scheduler owns the periodic loops, out-of-band triggers and teardown
// functions of one SyncContext. Everything it starts stops together.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	triggers map[string]chan struct{}
	deferred []func()
	stopped  bool
}

// NewScheduler creates a scheduler whose loops end when parent is done or
// Stop is called.
func NewScheduler(parent context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		ctx:      ctx,
		cancel:   cancel,
		triggers: make(map[string]chan struct{}),
	}
}

// Context returns the scheduler's lifetime context.
func (s *Scheduler) Context() context.Context { return s.ctx }

// Done reports whether the scheduler has stopped.
func (s *Scheduler) Done() bool { return s.ctx.Err() != nil }

// Every runs fn repeatedly under name. The interval is re-evaluated after
// each run, so loops can change pace. Runs of one loop never overlap;
// Trigger(name) requests an immediate extra run, coalesced with any already
// pending.
func (s *Scheduler) Every(name string, interval func() time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	kick := make(chan struct{}, 1)
	s.triggers[name] = kick
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(interval())
		defer timer.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-timer.C:
			case <-kick:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			fn(s.ctx)
			if s.ctx.Err() != nil {
				return
			}
			timer.Reset(interval())
		}
	}()
}

// Trigger requests an immediate run of the named loop. Unknown names and
// calls after Stop are ignored.
func (s *Scheduler) Trigger(name string) {
	s.mu.Lock()
	kick, ok := s.triggers[name]
	s.mu.Unlock()
	if !ok || s.Done() {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Go runs fn in a tracked goroutine bound to the scheduler's context.
func (s *Scheduler) Go(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Defer registers a teardown function. Teardown runs in reverse order of
// registration when Stop is called. Registering after Stop runs fn at once.
func (s *Scheduler) Defer(fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		fn()
		return
	}
	s.deferred = append(s.deferred, fn)
	s.mu.Unlock()
}

// Stop cancels every loop and runs teardown functions. It does not wait
// for in-flight runs; use Wait for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	deferred := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	s.cancel()
	for i := len(deferred) - 1; i >= 0; i-- {
		deferred[i]()
	}
}

// Wait blocks until every loop and tracked goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Detached returns a context for one transport call that outlives the
// scheduler, bounded by timeout. Results obtained after Stop must be
// discarded by the caller; see Done.
func (s *Scheduler) Detached(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.ctx), timeout)
}

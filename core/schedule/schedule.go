// Package schedule provides the monotonic time source and the cooperative
// task runner that drives interval ticks (execution, completion, post-capture)
// and one-shot timers (off-commands, reminders, feedback solicitation).
package schedule

import (
	"context"
	"log"
	"sync"
	"time"
)

// Clock abstracts time so controllers and tests share one source.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock reads the system clock in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now().UTC() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts a FakeClock at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Runner owns the background tickers and timers of one process. All tasks
// stop when the runner stops; one-shot timers are individually cancellable.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[*Timer]struct{}
}

// NewRunner creates a Runner bound to the parent context.
func NewRunner(parent context.Context) *Runner {
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*Timer]struct{}),
	}
}

// Every runs fn on a fixed interval until the runner stops. The first run
// happens one interval after registration.
func (r *Runner) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				fn(r.ctx)
			}
		}
	}()
	log.Printf("schedule: task %q every %v", name, interval)
}

// Timer is a cancellable one-shot task.
type Timer struct {
	t      *time.Timer
	runner *Runner
}

// Stop cancels the timer if it has not fired.
func (t *Timer) Stop() {
	t.t.Stop()
	t.runner.forget(t)
}

// After schedules fn once after d. The callback runs on its own goroutine and
// is skipped if the runner stopped first.
func (r *Runner) After(d time.Duration, fn func(ctx context.Context)) *Timer {
	timer := &Timer{runner: r}
	timer.t = time.AfterFunc(d, func() {
		r.forget(timer)
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		fn(r.ctx)
	})
	r.mu.Lock()
	r.timers[timer] = struct{}{}
	r.mu.Unlock()
	return timer
}

func (r *Runner) forget(t *Timer) {
	r.mu.Lock()
	delete(r.timers, t)
	r.mu.Unlock()
}

// Stop cancels all interval tasks and pending timers and waits for in-flight
// ticks to return.
func (r *Runner) Stop() {
	r.cancel()
	r.mu.Lock()
	for t := range r.timers {
		t.t.Stop()
	}
	r.timers = make(map[*Timer]struct{})
	r.mu.Unlock()
	r.wg.Wait()
}

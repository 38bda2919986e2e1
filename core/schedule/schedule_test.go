package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}
	c.Advance(90 * time.Minute)
	want := start.Add(90 * time.Minute)
	if !c.Now().Equal(want) {
		t.Fatalf("Now() = %v, want %v", c.Now(), want)
	}
	if got := c.Since(start); got != 90*time.Minute {
		t.Fatalf("Since = %v, want 90m", got)
	}
}

func TestRunnerEveryAndStop(t *testing.T) {
	r := NewRunner(context.Background())
	var ticks int64
	r.Every("tick", 10*time.Millisecond, func(context.Context) {
		atomic.AddInt64(&ticks, 1)
	})

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&ticks) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt64(&ticks) < 2 {
		t.Fatalf("interval task did not run")
	}

	r.Stop()
	after := atomic.LoadInt64(&ticks)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt64(&ticks) != after {
		t.Fatalf("task ran after Stop")
	}
}

func TestRunnerAfterFiresOnce(t *testing.T) {
	r := NewRunner(context.Background())
	defer r.Stop()

	var fired int64
	r.After(10*time.Millisecond, func(context.Context) {
		atomic.AddInt64(&fired, 1)
	})

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&fired) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt64(&fired) != 1 {
		t.Fatalf("timer fired %d times, want 1", atomic.LoadInt64(&fired))
	}
}

func TestRunnerAfterStopCancels(t *testing.T) {
	r := NewRunner(context.Background())
	defer r.Stop()

	var fired int64
	timer := r.After(50*time.Millisecond, func(context.Context) {
		atomic.AddInt64(&fired, 1)
	})
	timer.Stop()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt64(&fired) != 0 {
		t.Fatalf("cancelled timer fired")
	}
}

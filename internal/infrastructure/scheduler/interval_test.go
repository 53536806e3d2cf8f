package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestIntervalSchedulerFiresOnStart(t *testing.T) {
	t.Parallel()

	s := NewIntervalScheduler(time.Hour, true)
	fired := make(chan time.Time, 1)
	if err := s.Start(context.Background(), func(ts time.Time) { fired <- ts }); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected an immediate run")
	}
}

func TestIntervalSchedulerTicks(t *testing.T) {
	t.Parallel()

	s := NewIntervalScheduler(20*time.Millisecond, false)
	var count atomic.Int64
	if err := s.Start(context.Background(), func(time.Time) { count.Add(1) }); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for count.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 ticks, got %d", count.Load())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	settled := count.Load()
	time.Sleep(60 * time.Millisecond)
	if got := count.Load(); got > settled+1 {
		t.Fatalf("scheduler kept ticking after stop: %d -> %d", settled, got)
	}
}

func TestIntervalSchedulerNilJob(t *testing.T) {
	t.Parallel()

	s := NewIntervalScheduler(0, false)
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("start with nil job: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_Drain_NoTasksReturnsZeroImmediately(t *testing.T) {
	tr := NewTracker()
	result := tr.Drain(10 * time.Millisecond)
	if result.TotalTasks != 0 {
		t.Fatalf("got %+v, want empty result", result)
	}
}

func TestTracker_Drain_WaitsForFastTasks(t *testing.T) {
	tr := NewTracker()
	var n int32

	for i := 0; i < 5; i++ {
		tr.Launch("save", func(ctx context.Context) error {
			atomic.AddInt32(&n, 1)
			return nil
		})
	}

	result := tr.Drain(time.Second)
	if result.TotalTasks != 5 || result.Completed != 5 || result.TimedOut != 0 {
		t.Fatalf("got %+v, want 5 completed", result)
	}
	if atomic.LoadInt32(&n) != 5 {
		t.Errorf("got %d tasks run, want 5", n)
	}
}

func TestTracker_Drain_ReportsTimedOutTasks(t *testing.T) {
	tr := NewTracker()

	tr.Launch("slow", func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	result := tr.Drain(10 * time.Millisecond)
	if result.TotalTasks != 1 || result.Completed != 0 || result.TimedOut != 1 {
		t.Fatalf("got %+v, want 1 timed out", result)
	}
	if len(result.TaskNames) != 1 || result.TaskNames[0] != "slow" {
		t.Errorf("got task names %v, want [slow]", result.TaskNames)
	}
}

func TestTracker_Drain_TaskErrorDoesNotBlockOtherTasks(t *testing.T) {
	tr := NewTracker()

	tr.Launch("failing", func(ctx context.Context) error {
		return errors.New("disk full")
	})
	tr.Launch("ok", func(ctx context.Context) error {
		return nil
	})

	result := tr.Drain(time.Second)
	if result.Completed != 2 {
		t.Fatalf("got %+v, want both tasks completed", result)
	}
}

func TestTracker_Drain_OnlyWaitsOnSnapshotAtCallTime(t *testing.T) {
	tr := NewTracker()
	started := make(chan struct{})

	tr.Launch("first", func(ctx context.Context) error {
		close(started)
		return nil
	})
	<-started

	result := tr.Drain(time.Second)
	if result.TotalTasks != 1 {
		t.Fatalf("got %+v, want 1 task in the drain snapshot", result)
	}

	tr.Launch("second", func(ctx context.Context) error { return nil })
}

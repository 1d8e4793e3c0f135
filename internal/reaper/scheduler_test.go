package reaper

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type sweepFunc func(ctx context.Context) (int, error)

func (f sweepFunc) Sweep(ctx context.Context) (int, error) { return f(ctx) }

func TestSchedulerSweepsOnStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	s := NewScheduler(sweepFunc(func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, nil
	}), time.Hour, zap.NewNop())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSchedulerSurvivesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	s := NewScheduler(sweepFunc(func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		cancel()
		return 0, nil
	}), time.Millisecond, zap.NewNop())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if calls < 2 {
		t.Errorf("calls = %d, want a sweep after the panic", calls)
	}
}

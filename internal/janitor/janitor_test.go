package janitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/sfc/internal/backend"
	"github.com/any-hub/sfc/internal/logging"
	"github.com/any-hub/sfc/internal/warmup"
)

func TestJanitorRunsTasksUntilStopped(t *testing.T) {
	collector := &countingCollector{}
	worker := &countingRunner{}
	j := New(collector, worker, 5*time.Millisecond, 5*time.Millisecond, logging.Discard())
	j.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for collector.calls.Load() < 2 || worker.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("tasks did not run: gc=%d worker=%d", collector.calls.Load(), worker.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	j.Stop()
	j.Stop()
	stoppedAt := collector.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if collector.calls.Load() != stoppedAt {
		t.Fatalf("collector kept running after Stop")
	}
}

func TestJanitorDisabledIntervals(t *testing.T) {
	collector := &countingCollector{}
	j := New(collector, nil, 0, time.Millisecond, logging.Discard())
	j.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	j.Stop()
	if collector.calls.Load() != 0 {
		t.Fatalf("gc must not run when interval is zero")
	}
}

func TestJanitorStopsWithContext(t *testing.T) {
	collector := &countingCollector{}
	ctx, cancel := context.WithCancel(context.Background())
	j := New(collector, nil, time.Millisecond, 0, logging.Discard())
	j.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		j.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("janitor did not exit after context cancellation")
	}
}

type countingCollector struct {
	calls atomic.Int32
}

func (c *countingCollector) CollectGarbage(context.Context) (backend.Result, error) {
	c.calls.Add(1)
	return backend.Result{Matched: 1, Removed: 1}, nil
}

type countingRunner struct {
	calls atomic.Int32
}

func (r *countingRunner) Run(context.Context, int) (warmup.Result, error) {
	r.calls.Add(1)
	return warmup.Result{}, nil
}

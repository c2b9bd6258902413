package workerpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
)

func TestPoolRunsEveryTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := New(4)
	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		pool.Schedule(func(err error) {
			defer wg.Done()
			if err != nil {
				t.Errorf("unexpected schedule error: %v", err)
				return
			}
			ran.Add(1)
		})
	}
	wg.Wait()
	pool.Shutdown()

	if got := ran.Load(); got != 100 {
		t.Fatalf("expected 100 tasks, got %d", got)
	}
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := New(2)
	pool.Shutdown()
	pool.Shutdown()

	var got error
	pool.Schedule(func(err error) { got = err })
	if !errors.Is(got, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", got)
	}
}

func TestPoolSizeFloor(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := New(0)
	defer pool.Shutdown()
	if pool.Size() != 1 {
		t.Fatalf("expected size 1, got %d", pool.Size())
	}
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := New(1)
	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		pool.Schedule(func(err error) {
			if err == nil {
				ran.Add(1)
			}
		})
	}
	pool.Shutdown()
	if got := ran.Load(); got != 10 {
		t.Fatalf("expected queued tasks to drain, ran %d", got)
	}
}

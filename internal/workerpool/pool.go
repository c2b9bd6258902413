// Package workerpool runs tasks on a fixed set of goroutines.
package workerpool

import (
	"errors"
	"sync"
)

// ErrStopped is passed to tasks scheduled after Shutdown.
var ErrStopped = errors.New("worker pool is stopped")

// Task is invoked exactly once: with nil on a worker goroutine, or with the
// scheduling error on the caller's goroutine.
type Task = func(scheduleErr error)

// Pool is a fixed-size worker pool.
type Pool struct {
	size  int
	tasks chan Task

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// New starts a pool with size workers. Sizes below 1 are raised to 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:  size,
		tasks: make(chan Task, size),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Schedule queues task for execution.
func (p *Pool) Schedule(task Task) {
	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		task(ErrStopped)
		return
	}
	p.tasks <- task
	p.mu.RUnlock()
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		task(nil)
	}
}

// Package worker provides a bounded worker pool for concurrent task execution.
package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker: pool closed")

// Job is a unit of work producing a T.
type Job[T any] struct {
	// ID is an optional identifier for logging/debugging
	ID      string
	Execute func(ctx context.Context) (T, error)
}

// Result is the outcome of a Job. Index is the job's position in the submitted slice.
type Result[T any] struct {
	JobID string
	Index int
	Value T
	Err   error
}

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	workers int
	tasks   chan func(context.Context)
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a new worker pool with the specified number of workers.
// The pool starts immediately and workers begin waiting for tasks.
//
// Example:
//
//	pool := worker.NewPool(ctx, 4, 100)
//	defer pool.Close()
//	results := worker.SubmitAndWait(pool, jobs)
func NewPool(ctx context.Context, workers int, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		workers: workers,
		tasks:   make(chan func(context.Context), queueSize),
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task(p.ctx)
	}
}

// Submit queues fn. It blocks while the queue is full.
func (p *Pool) Submit(fn func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.tasks <- fn:
		return nil
	}
}

// SubmitAndWait runs every job on the pool and returns results in submission order.
// Jobs that could not be queued carry the submission error.
func SubmitAndWait[T any](p *Pool, jobs []Job[T]) []Result[T] {
	results := make([]Result[T], len(jobs))
	var wg sync.WaitGroup

	for i, job := range jobs {
		i, job := i, job
		results[i] = Result[T]{JobID: job.ID, Index: i}

		wg.Add(1)
		err := p.Submit(func(ctx context.Context) {
			defer wg.Done()
			results[i].Value, results[i].Err = job.Execute(ctx)
		})
		if err != nil {
			wg.Done()
			results[i].Err = err
		}
	}

	wg.Wait()
	return results
}

// Close stops accepting tasks, lets queued tasks finish and waits for the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int {
	return p.workers
}

// QueueLen returns the current number of tasks waiting in the queue.
func (p *Pool) QueueLen() int {
	return len(p.tasks)
}

package batch

import (
	"context"
	"errors"
	"sync"
)

type task func(ctx context.Context)

// workerPool fans fetch tasks out over a fixed set of workers with a bounded
// queue so a stalled host cannot grow memory without bound.
type workerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task
	wg     sync.WaitGroup
}

func newWorkerPool(parent context.Context, concurrency, queueSize int) (*workerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &workerPool{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan task, queueSize),
	}
	for i := 0; i < concurrency; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}
	return pool, nil
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	// Workers run every queued task even after cancellation; a canceled
	// pool context makes each task fail fast rather than go missing.
	for t := range p.tasks {
		t(p.ctx)
	}
}

// submit schedules a task, rejecting if either context cancels first.
func (p *workerPool) submit(ctx context.Context, fn task) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- fn:
		return nil
	}
}

// close drains the queue and stops all workers.
func (p *workerPool) close() {
	p.cancel()
	close(p.tasks)
	p.wg.Wait()
}

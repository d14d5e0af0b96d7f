package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/monitoring"
)

// Task is a unit of poll work executed by the pool.
type Task func()

// workerPool caps the number of concurrent upstream fetches. Prematch polls
// and odds-cursor chunks across many groups would otherwise fan out one
// goroutine per group per tick.
//
// When the queue is full the task is dropped, not queued: a dropped poll is
// retried at the group's next tick anyway, so backpressure costs nothing
// but latency.
type workerPool struct {
	workers int
	tasks   chan Task
	wg      sync.WaitGroup
	dropped atomic.Int64
	logger  zerolog.Logger
}

func newWorkerPool(workers, queueSize int, logger zerolog.Logger) *workerPool {
	return &workerPool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		logger:  logger.With().Str("component", "poll_pool").Logger(),
	}
}

// Start launches the worker goroutines. Call once.
func (p *workerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *workerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			if task == nil {
				continue
			}
			p.run(task)
		case <-ctx.Done():
			return
		}
	}
}

// run executes one task; a panicking task never takes the worker down.
func (p *workerPool) run(task Task) {
	defer monitoring.RecoverPanic(p.logger, "poll_worker", nil)
	task()
}

// Submit enqueues a task, dropping it when the queue is full.
func (p *workerPool) Submit(task Task) {
	select {
	case p.tasks <- task:
	default:
		n := p.dropped.Add(1)
		if n%100 == 1 {
			p.logger.Warn().Int64("dropped_total", n).Msg("Poll queue full, dropping task")
		}
	}
}

// Dropped returns the total number of dropped tasks.
func (p *workerPool) Dropped() int64 {
	return p.dropped.Load()
}

// Stop waits for the workers to exit. The pool's context must already be
// cancelled.
func (p *workerPool) Stop() {
	p.wg.Wait()
}

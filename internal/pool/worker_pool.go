// Package pool provides bounded worker pools and object pooling.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Job is a unit of work executed by the pool.
type Job func(ctx context.Context) error

// WorkerPool runs jobs on a bounded set of goroutines. Workers are
// spawned on demand up to MaxWorkers and exit after IdleTimeout
// without work, keeping at least one alive.
type WorkerPool struct {
	maxWorkers  int
	jobs        chan jobWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type jobWrapper struct {
	job    Job
	ctx    context.Context
	result chan error
}

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	MaxWorkers   int
	QueueSize    int
	IdleTimeout  time.Duration
	PanicHandler func(any)
}

// DefaultWorkerPoolConfig returns the defaults used by the memory queue.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MaxWorkers:  8,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

// NewWorkerPool creates a pool. No workers run until the first Submit.
func NewWorkerPool(config WorkerPoolConfig) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 60 * time.Second
	}
	return &WorkerPool{
		maxWorkers:   config.MaxWorkers,
		jobs:         make(chan jobWrapper, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues a job without waiting for its result. Returns
// ErrPoolFull when the backlog is saturated and no worker slot is free.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	wrapper := jobWrapper{job: job, ctx: ctx}

	select {
	case p.jobs <- wrapper:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.jobs <- wrapper:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues a job and blocks until it finishes or ctx ends.
func (p *WorkerPool) SubmitWait(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	wrapper := jobWrapper{
		job:    job,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	select {
	case p.jobs <- wrapper:
		p.ensureWorker()
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-wrapper.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case wrapper, ok := <-p.jobs:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.run(wrapper)
			p.activeCount.Add(-1)

			// Counters must be visible before a SubmitWait caller unblocks.
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			if wrapper.result != nil {
				wrapper.result <- err
				close(wrapper.result)
			}

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Keep the last worker alive so queued jobs don't strand.
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(wrapper jobWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("job panicked")
		}
	}()
	return wrapper.job(wrapper.ctx)
}

// Close stops accepting jobs and waits for in-flight work to finish.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}

// Stats reports a point-in-time snapshot of pool counters.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.jobs),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// WorkerPoolStats is a snapshot of pool counters.
type WorkerPoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

const DefaultQueueSize = 256

var (
	ErrPoolStopped = errors.New("worker pool stopped")
	ErrQueueFull   = errors.New("worker queue is full")
)

// Job is a unit of detached work. Done is always called exactly once with the
// outcome of Run, including a recovered panic or a pool shutdown that
// prevented Run from starting.
type Job interface {
	ID() string
	Run(ctx context.Context) error
	Done(err error)
}

// WorkerPool runs submitted jobs on a fixed number of goroutines.
type WorkerPool struct {
	jobs    chan Job
	logger  Logger
	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
}

func NewWorkerPool(ctx context.Context, logger Logger) *WorkerPool {
	return &WorkerPool{
		logger: logger,
		ctx:    ctx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers, queueSize int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	wp.started = true
	wp.jobs = make(chan Job, queueSize)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Submit queues a job without waiting. It returns ErrQueueFull when every
// slot is taken and ErrPoolStopped once the pool or its context is done.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if !wp.started || wp.stopped {
		return ErrPoolStopped
	}
	if err := wp.ctx.Err(); err != nil {
		return errors.Wrap(ErrPoolStopped, err.Error())
	}
	select {
	case wp.jobs <- job:
		return nil
	default:
		return errors.Wrapf(ErrQueueFull, "job %s", job.ID())
	}
}

// Stop gracefully stops the worker pool, letting queued jobs drain.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started || wp.stopped {
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.wg.Wait()
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		if err := wp.ctx.Err(); err != nil {
			wp.logger.Warnf("Skipping job %s: %v", job.ID(), err)
			job.Done(err)
			continue
		}
		wp.execute(job)
	}
}

func (wp *WorkerPool) execute(job Job) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in job %s: %v", job.ID(), r)
				wp.logger.Errorf("Recovered from %v", err)
			}
		}()
		err = job.Run(wp.ctx)
	}()
	job.Done(err)
}

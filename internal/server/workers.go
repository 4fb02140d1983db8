package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/skshohagmiah/rally/internal/schedule"
)

const (
	// DefaultWorkerPoolSize is the number of sequences a session runs at once.
	DefaultWorkerPoolSize = 4

	// DefaultJobQueueSize bounds sequences waiting for a worker.
	DefaultJobQueueSize = 64
)

// Job is one queued sequence.
type Job struct {
	seq    *Sequence
	fn     func(*Sequence) error
	future *schedule.Future[struct{}]
}

// WorkerPool runs sequences for one session. Stopping it cancels the
// context every running sequence waits on; queued jobs are resolved with
// the cancellation error.
type WorkerPool struct {
	workers int
	jobs    chan *Job
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	// Metrics
	jobsProcessed atomic.Uint64
	activeWorkers atomic.Int32
}

// NewWorkerPool starts numWorkers workers bound to parent.
func NewWorkerPool(parent context.Context, numWorkers, queueSize int) *WorkerPool {
	ctx, cancel := context.WithCancel(parent)
	wp := &WorkerPool{
		workers: numWorkers,
		jobs:    make(chan *Job, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	glog.V(2).Infof("[WorkerPool] Started %d workers", numWorkers)
	return wp
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case job := <-wp.jobs:
			if err := wp.ctx.Err(); err != nil {
				job.future.Resolve(struct{}{}, err)
				continue
			}
			wp.activeWorkers.Add(1)
			job.future.Resolve(struct{}{}, wp.run(id, job))
			wp.jobsProcessed.Add(1)
			wp.activeWorkers.Add(-1)
		}
	}
}

// run executes one job; a panicking sequence fails its future instead of
// killing the worker.
func (wp *WorkerPool) run(id int, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("sequence %q panicked: %v", job.seq.name, r)
			glog.Errorf("[WorkerPool] worker %d: %v", id, err)
		}
	}()
	return job.fn(job.seq)
}

// Submit queues a job. It fails once the pool is stopped.
func (wp *WorkerPool) Submit(job *Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		return ErrStopped
	}
	select {
	case wp.jobs <- job:
		return nil
	case <-wp.ctx.Done():
		return ErrStopped
	}
}

// Context is cancelled when the pool stops.
func (wp *WorkerPool) Context() context.Context { return wp.ctx }

// Stop cancels running sequences and fails queued ones. It does not wait
// for sequence code that ignores its context.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	wp.mu.Lock()
	wp.stopped = true
	wp.mu.Unlock()

	for {
		select {
		case job := <-wp.jobs:
			job.future.Resolve(struct{}{}, context.Canceled)
		default:
			return
		}
	}
}

// Stats returns worker pool statistics.
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"worker_pool_size": wp.workers,
		"active_workers":   wp.activeWorkers.Load(),
		"jobs_processed":   wp.jobsProcessed.Load(),
		"job_queue_len":    len(wp.jobs),
		"job_queue_cap":    cap(wp.jobs),
	}
}

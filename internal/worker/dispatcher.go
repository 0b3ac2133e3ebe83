package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDispatcherBusy    = errors.New("dispatcher busy")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

// Dispatcher admits jobs into a bounded queue and hands them to an elastic
// pool of workers. With MaxWorkers 0 jobs run inline on the caller.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	inline   bool

	pending  atomic.Int64
	stopOnce sync.Once
	quit     chan struct{}
	stopped  chan struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		return &Dispatcher{inline: true}
	}
	queueSize := cfg.QueueSize
	if queueSize < 0 {
		queueSize = 0
	}
	d := &Dispatcher{
		pool:     newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout),
		jobQueue: make(chan Job, queueSize),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case job := <-d.jobQueue:
			ch := d.pool.acquire()
			if ch == nil {
				d.drop(job)
				return
			}
			ch <- job
		case <-d.quit:
			return
		}
	}
}

// drop releases a job that will never reach a worker.
func (d *Dispatcher) drop(job Job) {
	if job.state.CompareAndSwap(jobPending, jobCancelled) {
		d.pending.Add(-1)
	}
	close(job.done)
}

// Submit runs fn on a worker and waits for it to return. It fails fast with
// ErrDispatcherBusy when the queue is full. If ctx ends while the job is
// still queued the job is abandoned and ctx.Err() returned; once started, fn
// always runs to completion before Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, fn func()) error {
	if d == nil || d.inline {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn()
		return nil
	}

	state := new(atomic.Int32)
	job := Job{
		fn: func() {
			d.pending.Add(-1)
			fn()
		},
		done:  make(chan struct{}),
		state: state,
	}

	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	d.pending.Add(1)
	select {
	case d.jobQueue <- job:
	default:
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}

	select {
	case <-job.done:
		if state.Load() == jobCancelled {
			return ErrDispatcherStopped
		}
		return nil
	case <-ctx.Done():
		if state.CompareAndSwap(jobPending, jobCancelled) {
			d.pending.Add(-1)
			slog.Debug("queued job abandoned", "error", ctx.Err())
			return ctx.Err()
		}
		<-job.done
		return nil
	}
}

// Pending reports jobs admitted but not yet started.
func (d *Dispatcher) Pending() int64 {
	if d == nil || d.inline {
		return 0
	}
	return d.pending.Load()
}

// Stop stops dispatching and retires idle workers. Running jobs complete;
// queued jobs are abandoned.
func (d *Dispatcher) Stop() {
	if d == nil || d.inline {
		return
	}
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		<-d.stopped
		for {
			select {
			case job := <-d.jobQueue:
				d.drop(job)
			default:
				return
			}
		}
	})
}

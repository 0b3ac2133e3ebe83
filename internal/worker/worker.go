package worker

import (
	"log/slog"
	"sync/atomic"
)

const (
	jobPending int32 = iota
	jobRunning
	jobCancelled
)

// Job is one unit of work handed to a worker.
type Job struct {
	fn    func()
	done  chan struct{}
	state *atomic.Int32
	stop  bool
}

// claim moves a pending job to running. A job cancelled while queued is not
// claimed.
func (j Job) claim() bool {
	return j.state.CompareAndSwap(jobPending, jobRunning)
}

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.run(job)
			if !w.pool.Release(w.jobChannel) {
				return
			}
		}
	}()
}

func (w *Worker) run(job Job) {
	defer close(job.done)
	if !job.claim() {
		slog.Debug("skip cancelled job", "worker", w.id)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker job panicked", "worker", w.id, "panic", r)
		}
	}()
	job.fn()
}

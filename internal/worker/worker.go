package worker

import (
	"log/slog"
	"runtime/debug"
)

// Worker runs jobs handed to it by the pool, one at a time.
type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
	logger     *slog.Logger
}

func newWorker(pool *jobChannelPool, logger *slog.Logger) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
		logger:     logger,
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			// report idle, then wait for the next job or a stop signal
			w.pool.Release(w.jobChannel)
			job := <-w.jobChannel
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.run(job)
		}
	}()
}

func (w *Worker) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", "job", job.Name, "teacher_id", job.TeacherID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	job.Run(job.Ctx)
}

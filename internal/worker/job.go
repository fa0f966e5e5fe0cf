package worker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDispatcherBusy is returned when the intake queue is full.
	ErrDispatcherBusy   = errors.New("dispatcher busy")
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrInvalidJob       = errors.New("job requires a teacher id and a run func")
)

// Job is one unit of work owned by a teacher. Run receives a context that is
// cancelled when the job's own context ends or the teacher is cancelled.
type Job struct {
	TeacherID string
	Name      string
	Ctx       context.Context
	Run       func(ctx context.Context)

	stop bool
}

// DispatcherConfig sizes the worker pool and intake queue.
type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.WorkerIdleTimeout <= 0 {
		c.WorkerIdleTimeout = defaultWorkerIdle
	}
	return c
}

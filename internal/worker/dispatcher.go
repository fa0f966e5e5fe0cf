// Package worker schedules chat turns on a bounded worker pool with
// per-teacher FIFO ordering and round-robin fairness across teachers.
package worker

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"coteacher/internal/logging"
)

type teacherQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	logger   *slog.Logger

	mu        sync.Mutex
	queues    map[string]*teacherQueue
	ready     *list.List // teachers with queued jobs, least recently served first
	positions map[string]*list.Element
	running   map[string]map[uint64]context.CancelFunc
	nextRunID uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	logger = logging.OrDefault(logger).With("component", "dispatcher")

	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, logger),
		jobQueue:  make(chan Job, cfg.QueueSize),
		logger:    logger,
		queues:    make(map[string]*teacherQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		running:   make(map[string]map[uint64]context.CancelFunc),
		done:      make(chan struct{}),
	}
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if job.TeacherID == "" || job.Run == nil {
		return ErrInvalidJob
	}
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}
	select {
	case d.jobQueue <- job:
		return nil
	default:
		d.logger.Warn("intake queue full", "teacher_id", job.TeacherID, "job", job.Name)
		return ErrDispatcherBusy
	}
}

// CancelTeacher drops the teacher's queued jobs and cancels running ones.
func (d *Dispatcher) CancelTeacher(teacherID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.queues, teacherID)
	if elem, ok := d.positions[teacherID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, teacherID)
	}
	for _, cancel := range d.running[teacherID] {
		cancel()
	}
}

// Pending returns how many jobs are queued per teacher, excluding the intake queue.
func (d *Dispatcher) Pending(teacherID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.queues[teacherID]; q != nil {
		return len(q.jobs)
	}
	return 0
}

// Workers reports the live and idle worker counts.
func (d *Dispatcher) Workers() (running, idle int) {
	return d.pool.size()
}

// Close stops accepting jobs and retires idle workers. Running jobs finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.done:
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.done:
			return
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.TeacherID]
	if q == nil {
		q = &teacherQueue{}
		d.queues[job.TeacherID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.TeacherID] = d.ready.PushBack(job.TeacherID)
}

// dispatchOne hands the next job of the least recently served teacher to a
// worker. It reports false when nothing is queued.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	teacherID := elem.Value.(string)
	q := d.queues[teacherID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, teacherID)
		delete(d.queues, teacherID)
	} else {
		d.ready.MoveToBack(elem)
	}

	if job.Ctx.Err() != nil {
		d.mu.Unlock()
		d.logger.Debug("skipping cancelled job", "teacher_id", teacherID, "job", job.Name)
		return true
	}
	job = d.trackLocked(job)
	d.mu.Unlock()

	ch := d.pool.acquire()
	d.logger.Debug("assigning job", "teacher_id", teacherID, "job", job.Name)
	ch <- job
	return true
}

// trackLocked wraps job so CancelTeacher can reach it while it runs.
func (d *Dispatcher) trackLocked(job Job) Job {
	ctx, cancel := context.WithCancel(job.Ctx)
	d.nextRunID++
	id := d.nextRunID
	if d.running[job.TeacherID] == nil {
		d.running[job.TeacherID] = make(map[uint64]context.CancelFunc)
	}
	d.running[job.TeacherID][id] = cancel

	run := job.Run
	teacherID := job.TeacherID
	job.Ctx = ctx
	job.Run = func(ctx context.Context) {
		defer func() {
			cancel()
			d.mu.Lock()
			delete(d.running[teacherID], id)
			if len(d.running[teacherID]) == 0 {
				delete(d.running, teacherID)
			}
			d.mu.Unlock()
		}()
		run(ctx)
	}
	return job
}

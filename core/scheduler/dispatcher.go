package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/DataInsightAutomation/trainingFramework/core/models"
	"github.com/DataInsightAutomation/trainingFramework/core/repository"

	"go.uber.org/zap"
)

var (
	ErrDispatcherStopped = errors.New("dispatcher is not accepting jobs")
	ErrAlreadyDispatched = errors.New("job already dispatched")
)

// Observer is told when a job starts and when it reaches a terminal status
type Observer interface {
	JobStarted(kind models.JobKind)
	JobFinished(kind models.JobKind, status models.JobStatus, elapsed time.Duration)
}

// Dispatcher runs units of work on a bounded pool of workers and records
// their outcome in the job registry. Dispatch never blocks the caller.
type Dispatcher struct {
	jobRepo  repository.JobRepository
	queue    *JobQueue
	workers  int
	observer Observer
	log      *zap.SugaredLogger

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	// every id ever accepted, job ids are never reused
	dispatched map[string]struct{}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithWorkers bounds how many jobs run at the same time
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithObserver registers a lifecycle observer
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// NewDispatcher creates a dispatcher with a single worker unless configured otherwise
func NewDispatcher(jobRepo repository.JobRepository, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		jobRepo:    jobRepo,
		queue:      NewJobQueue(),
		workers:    1,
		log:        zap.S().Named("dispatcher"),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		dispatched: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.stopped {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.log.Infow("dispatcher started", "workers", d.workers)
}

// Dispatch schedules work for a job already registered as PENDING
func (d *Dispatcher) Dispatch(jobID string, params models.Params, work models.WorkFunc) error {
	if work == nil {
		return fmt.Errorf("dispatch %s: nil work function", jobID)
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	if _, ok := d.dispatched[jobID]; ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyDispatched, jobID)
	}
	d.dispatched[jobID] = struct{}{}
	d.mu.Unlock()

	d.queue.Enqueue(&QueuedJob{
		JobID:  jobID,
		Params: params.Clone(),
		Work:   work,
	})
	d.signal()

	d.log.Debugw("job queued", "job_id", jobID, "queued", d.queue.Size())
	return nil
}

// Pending returns the number of jobs waiting for a worker
func (d *Dispatcher) Pending() int {
	return d.queue.Size()
}

// Shutdown stops accepting work and waits for running jobs. When ctx
// expires first, running jobs have their context cancelled. Queued jobs
// that never started stay PENDING.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.quit)
	}
	cancel := d.cancel
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return ctx.Err()
	}
}

// Stop cancels running jobs and waits for the workers to exit
func (d *Dispatcher) Stop() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Shutdown(ctx)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-d.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		item := d.queue.PopJob()
		if item == nil {
			select {
			case <-d.quit:
				return
			case <-ctx.Done():
				return
			case <-d.wake:
			}
			continue
		}
		// pass the wakeup on so idle workers drain the rest of the queue
		if d.queue.Size() > 0 {
			d.signal()
		}

		d.run(ctx, item)
	}
}

// run owns the RUNNING and terminal transitions of one job
func (d *Dispatcher) run(ctx context.Context, item *QueuedJob) {
	log := d.log.With("job_id", item.JobID)
	kind := models.KindFromJobID(item.JobID)
	// terminal writes must land even when shutdown cancelled the work
	writeCtx := context.WithoutCancel(ctx)

	zero := 0.0
	if err := d.jobRepo.UpdateJobStatus(writeCtx, item.JobID, models.JobStatusRunning, repository.StatusUpdate{
		Message:  "Job is running",
		Progress: &zero,
	}); err != nil {
		log.Errorw("failed to mark job running", "error", err)
		return
	}
	if d.observer != nil {
		d.observer.JobStarted(kind)
	}
	log.Infow("job started")

	start := time.Now()
	result, err := d.execute(ctx, item, log)
	status, update := outcome(result, err)

	if err := d.jobRepo.UpdateJobStatus(writeCtx, item.JobID, status, update); err != nil {
		log.Errorw("failed to record job outcome", "status", status, "error", err)
	}
	elapsed := time.Since(start)
	if d.observer != nil {
		d.observer.JobFinished(kind, status, elapsed)
	}

	if status == models.JobStatusFailed {
		log.Warnw("job failed", "message", update.Message, "elapsed", elapsed)
		return
	}
	log.Infow("job finished", "status", status, "elapsed", elapsed)
}

func (d *Dispatcher) execute(ctx context.Context, item *QueuedJob, log *zap.SugaredLogger) (result *models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("job panicked", "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	writeCtx := context.WithoutCancel(ctx)
	report := func(progress float64, message string) {
		if err := d.jobRepo.UpdateJobProgress(writeCtx, item.JobID, progress, message); err != nil {
			log.Debugw("progress not recorded", "error", err)
		}
	}
	return item.Work(ctx, item.JobID, item.Params, report)
}

// outcome maps what a unit of work returned onto a terminal status.
// An empty result counts as success.
func outcome(result *models.JobResult, err error) (models.JobStatus, repository.StatusUpdate) {
	if err != nil {
		return models.JobStatusFailed, repository.StatusUpdate{Message: "Error: " + err.Error()}
	}
	if result == nil {
		result = &models.JobResult{}
	}

	status, ok := models.ParseJobStatus(string(result.Status))
	if !ok || !status.IsTerminal() {
		status = models.JobStatusCompleted
	}

	update := repository.StatusUpdate{
		Message: result.Message,
		Metrics: result.Metrics,
	}
	switch status {
	case models.JobStatusCompleted, models.JobStatusWarning:
		done := 1.0
		update.Progress = &done
		if update.Message == "" {
			update.Message = "Job completed successfully"
			if status == models.JobStatusWarning {
				update.Message = "Job completed with warnings"
			}
		}
	case models.JobStatusFailed:
		if update.Message == "" {
			update.Message = "Job failed"
		}
	}
	return status, update
}

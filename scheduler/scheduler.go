// Package scheduler runs the coordinator's periodic maintenance loop and
// owns the job lifecycle: submission intake, worker heartbeat sweeps, job
// aggregation, terminal transitions, and follow-up job creation.
//
// Task assignment does not happen here. Workers pull tasks through the
// queue store's dispatch transaction; the scheduler only repairs state
// (timed out workers, finished jobs) and keeps aggregates fresh.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChenxingM/RenderQ/db"
	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/event"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/queue"
)

// Config contains the scheduler's loop tuning.
type Config struct {
	// Interval between maintenance ticks.
	Interval time.Duration
	// WorkerTimeout is how long a worker may go without a heartbeat before
	// it is marked offline and its running task is requeued.
	WorkerTimeout time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      1 * time.Second,
		WorkerTimeout: 60 * time.Second,
	}
}

// Scheduler drives the maintenance loop over the queue store.
type Scheduler struct {
	store    *queue.Store
	registry *plugin.Registry
	bus      *event.Bus
	interval time.Duration
	timeout  time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// New creates a scheduler over the given store, plugin registry, and bus.
func New(store *queue.Store, registry *plugin.Registry, bus *event.Bus, cfg Config, log *zap.SugaredLogger) *Scheduler {
	return NewWithContext(context.Background(), store, registry, bus, cfg, log)
}

// NewWithContext creates a scheduler bound to a parent context.
func NewWithContext(ctx context.Context, store *queue.Store, registry *plugin.Registry, bus *event.Bus, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = DefaultConfig().WorkerTimeout
	}

	schedCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		store:    store,
		registry: registry,
		bus:      bus,
		interval: cfg.Interval,
		timeout:  cfg.WorkerTimeout,
		ctx:      schedCtx,
		cancel:   cancel,
		logger:   log,
	}
}

// Start begins the maintenance loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Scheduler started", "interval", s.interval, "worker_timeout", s.timeout)
}

// Stop gracefully stops the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Infow("Scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tickTime := <-ticker.C:
			s.mu.Lock()
			s.lastTickAt = tickTime
			s.ticksSinceStart++
			s.mu.Unlock()

			if err := s.Tick(tickTime); err != nil && !db.IsDatabaseClosed(err) {
				s.logger.Warnw("Scheduler tick error", "error", err, "tick", s.ticksSinceStart)
			}
		}
	}
}

// Tick runs one maintenance pass: sweep worker heartbeats, then refresh
// job aggregates. Errors on individual entities are logged and skipped so
// one bad row never stalls the queue.
func (s *Scheduler) Tick(now time.Time) error {
	if err := s.sweepWorkers(now); err != nil {
		return err
	}
	return s.aggregateJobs()
}

// sweepWorkers marks workers offline once their heartbeat goes stale and
// returns their running task to the pending pool for reassignment.
func (s *Scheduler) sweepWorkers(now time.Time) error {
	workers, err := s.store.ListWorkers()
	if err != nil {
		return errors.Wrap(err, "failed to list workers for heartbeat sweep")
	}

	for _, worker := range workers {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		if worker.Status == queue.WorkerStatusOffline {
			continue
		}
		if worker.LastHeartbeat == nil {
			continue
		}
		if now.Sub(*worker.LastHeartbeat) <= s.timeout {
			continue
		}

		s.logger.Warnw("Worker heartbeat timed out",
			"worker_id", worker.ID,
			"name", worker.Name,
			"last_heartbeat", worker.LastHeartbeat)

		if worker.CurrentTask != "" {
			s.requeueAbandonedTask(worker.CurrentTask, worker.ID)
		}

		if err := s.store.MarkWorkerOffline(worker.ID); err != nil {
			s.logger.Errorw("Failed to mark worker offline",
				"worker_id", worker.ID, "error", err)
			continue
		}
		s.bus.Emit(event.NewWorkerDisconnected(worker.ID))
	}
	return nil
}

// requeueAbandonedTask returns a timed out worker's task to pending.
// Partial progress is kept; the next worker resumes reporting from there.
func (s *Scheduler) requeueAbandonedTask(taskID, workerID string) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		s.logger.Errorw("Failed to load task of timed out worker",
			"task_id", taskID, "worker_id", workerID, "error", err)
		return
	}
	if task.Status != queue.TaskStatusRunning && task.Status != queue.TaskStatusAssigned {
		return
	}

	if err := s.store.RequeueTask(taskID); err != nil {
		s.logger.Errorw("Failed to requeue task of timed out worker",
			"task_id", taskID, "worker_id", workerID, "error", err)
		return
	}
	s.logger.Infow("Task requeued after worker timeout",
		"task_id", taskID, "worker_id", workerID)
}

// aggregateJobs refreshes every live job that has been partitioned.
func (s *Scheduler) aggregateJobs() error {
	jobs, err := s.store.ListJobsByStatuses(queue.JobStatusQueued, queue.JobStatusActive)
	if err != nil {
		return errors.Wrap(err, "failed to list live jobs for aggregation")
	}

	for _, job := range jobs {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		if job.TaskTotal == 0 {
			continue
		}
		if err := s.AggregateJob(job); err != nil {
			s.logger.Errorw("Failed to aggregate job",
				"job_id", job.ID, "error", err)
		}
	}
	return nil
}

// AggregateJob recomputes one job's progress and task counters from its
// tasks and applies the terminal transition once every task has finished.
// The job struct is updated in place so callers can return the fresh view.
//
// The server also calls this inline when a worker reports task completion,
// so a job with a finished final task completes immediately instead of on
// the next tick. The store's FinalizeJob guard keeps the transition, the
// follow-up jobs, and the terminal event single-shot under that
// concurrency.
func (s *Scheduler) AggregateJob(job *queue.Job) error {
	tasks, err := s.store.ListTasksByJob(job.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to list tasks for job %s", job.ID)
	}
	if len(tasks) == 0 {
		return nil
	}

	total := job.TaskTotal
	if total == 0 {
		total = len(tasks)
	}

	var completed, failed int
	var progress float64
	for _, task := range tasks {
		switch task.Status {
		case queue.TaskStatusCompleted:
			completed++
			progress += 100
		case queue.TaskStatusFailed:
			failed++
		case queue.TaskStatusRunning:
			progress += task.Progress
		}
	}
	progress /= float64(total)

	if err := s.store.UpdateJobAggregates(job.ID, progress, completed, failed); err != nil {
		return err
	}
	changed := progress != job.Progress
	job.Progress = progress
	job.TaskCompleted = completed
	job.TaskFailed = failed

	if completed+failed >= total {
		if failed == 0 {
			won, err := s.store.FinalizeJob(job.ID, queue.JobStatusCompleted, "")
			if err != nil {
				return err
			}
			job.Status = queue.JobStatusCompleted
			if won {
				s.logger.Infow("Job completed", "job_id", job.ID, "name", job.Name)
				s.notifyJobComplete(job)
				// Follow-ups are queued before job.completed is emitted so
				// subscribers observe them in cause order.
				s.createFollowUps(job)
				s.bus.Emit(event.NewJobCompleted(job.ID))
			}
			return nil
		}

		message := fmt.Sprintf("%d tasks failed", failed)
		won, err := s.store.FinalizeJob(job.ID, queue.JobStatusFailed, message)
		if err != nil {
			return err
		}
		job.Status = queue.JobStatusFailed
		job.ErrorMessage = message
		if won {
			s.logger.Errorw("Job failed", "job_id", job.ID, "failed_tasks", failed)
			s.bus.Emit(event.NewJobFailed(job.ID, message))
		}
		return nil
	}

	if changed {
		s.bus.Emit(event.NewJobProgress(job.ID, progress))
	}
	return nil
}

// notifyJobComplete runs the owning plugin's completion hook. The hook is
// advisory; a panicking plugin must not take down the aggregation path.
func (s *Scheduler) notifyJobComplete(job *queue.Job) {
	p, ok := s.registry.Get(job.Plugin)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Plugin completion hook panicked",
				"plugin", job.Plugin, "job_id", job.ID, "panic", r)
		}
	}()
	p.OnJobComplete(job)
}

// GetStats returns loop counters for the stats endpoint.
func (s *Scheduler) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      s.lastTickAt,
		"ticks_since_start": s.ticksSinceStart,
		"interval":          s.interval.String(),
		"worker_timeout":    s.timeout.String(),
	}
}

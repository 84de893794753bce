package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulsetrack/backend/internal/db"
	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/jobs"
	"github.com/pulsetrack/backend/internal/models"
	"github.com/pulsetrack/backend/internal/syncer"
)

// Outcome distinguishes how a sync request was handled.
type Outcome string

const (
	// OutcomeStarted means a job was queued for a worker; poll for status.
	OutcomeStarted Outcome = "started"
	// OutcomeAlreadyRunning means the target already had an active job and
	// the request was coalesced onto it.
	OutcomeAlreadyRunning Outcome = "already_running"
	// OutcomeCompletedInline means no queue was reachable and the sync ran
	// on the caller's goroutine to a terminal state.
	OutcomeCompletedInline Outcome = "completed_inline"
)

// Strategy is one way of getting a queued job executed.
type Strategy interface {
	Name() string
	// Available is probed at dispatch time, not startup: a queue can come
	// and go while the process runs.
	Available(ctx context.Context) bool
	Dispatch(ctx context.Context, job *models.Job) (Outcome, error)
}

// QueuedDispatch hands the job to the task queue for a detached worker.
type QueuedDispatch struct {
	store db.Store
}

func NewQueuedDispatch(store db.Store) *QueuedDispatch {
	return &QueuedDispatch{store: store}
}

func (q *QueuedDispatch) Name() string { return "queued" }

func (q *QueuedDispatch) Available(ctx context.Context) bool {
	return q.store.PingQueue(ctx) == nil
}

func (q *QueuedDispatch) Dispatch(ctx context.Context, job *models.Job) (Outcome, error) {
	if err := q.store.EnqueueTask(ctx, job.ID); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return OutcomeStarted, nil
}

// InlineDispatch runs the job on the caller's goroutine to a terminal state.
type InlineDispatch struct {
	exec func(ctx context.Context, jobID string) error
}

func (i *InlineDispatch) Name() string { return "inline" }

func (i *InlineDispatch) Available(ctx context.Context) bool { return true }

func (i *InlineDispatch) Dispatch(ctx context.Context, job *models.Job) (Outcome, error) {
	if err := i.exec(ctx, job.ID); err != nil {
		return "", err
	}
	return OutcomeCompletedInline, nil
}

// Dispatcher decides whether a requested sync runs inline or through the
// queue, guards the one-active-job-per-target invariant, and owns every
// job's terminal transition.
type Dispatcher struct {
	registry *jobs.Registry
	runner   *syncer.Runner
	logger   *logrus.Logger
	queued   *QueuedDispatch
	inline   *InlineDispatch
}

// NewDispatcher creates a dispatcher. queued may be nil when no queue
// backend is configured, in which case every request runs inline.
func NewDispatcher(registry *jobs.Registry, runner *syncer.Runner, queued *QueuedDispatch, logger *logrus.Logger) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		runner:   runner,
		logger:   logger,
		queued:   queued,
	}
	d.inline = &InlineDispatch{exec: d.Execute}
	return d
}

// RequestSync creates and dispatches a job for the target. When the target
// already has a queued or running job, that job is returned instead of
// starting a duplicate sync.
func (d *Dispatcher) RequestSync(ctx context.Context, target string, mode models.SyncMode) (*models.Job, Outcome, error) {
	if !d.runner.HasTarget(target) {
		return nil, "", errors.NewNotFoundError(fmt.Sprintf("unknown sync target: %s", target), nil)
	}
	if !models.ValidSyncMode(mode) {
		return nil, "", errors.NewValidationError(fmt.Sprintf("unknown sync mode: %s", mode), nil)
	}

	var job *models.Job
	for attempt := 0; ; attempt++ {
		existing, err := d.registry.Active(ctx, target)
		if err != nil {
			return nil, "", fmt.Errorf("failed to check active jobs: %w", err)
		}
		if existing != nil {
			d.logger.WithFields(logrus.Fields{
				"target": target,
				"job_id": existing.ID,
			}).Info("Coalescing sync request onto active job")
			return existing, OutcomeAlreadyRunning, nil
		}

		job, err = d.registry.Create(ctx, target, mode)
		if err == nil {
			break
		}
		// A concurrent request won the insert race on the active-job index
		// between the check and the create; loop to pick up its job.
		if _, ok := errors.AsSyncInProgress(err); ok && attempt < 2 {
			continue
		}
		return nil, "", err
	}

	strategy := d.selectStrategy(ctx)
	d.logger.WithFields(logrus.Fields{
		"target":   target,
		"mode":     mode,
		"job_id":   job.ID,
		"strategy": strategy.Name(),
	}).Info("Dispatching sync job")

	outcome, err := strategy.Dispatch(ctx, job)
	if err != nil {
		if strategy.Name() == "queued" {
			// The queue went away between the probe and the enqueue; fall
			// back inline rather than stranding a forever-queued job.
			d.logger.WithError(err).Warn("Queue dispatch failed, falling back to inline execution")
			outcome, err = d.inline.Dispatch(ctx, job)
		}
		if err != nil {
			return nil, "", err
		}
	}

	// Re-read so inline callers observe the terminal state.
	final, getErr := d.registry.Get(ctx, job.ID)
	if getErr != nil {
		return job, outcome, nil
	}
	return final, outcome, nil
}

func (d *Dispatcher) selectStrategy(ctx context.Context) Strategy {
	if d.queued != nil && d.queued.Available(ctx) {
		return d.queued
	}
	return d.inline
}

// Execute runs a created job to its terminal state. It is shared by the
// inline path and the queue workers. A failure of any kind, panics
// included, still lands the job in failed with its message populated; a job
// is never left stuck in running.
func (d *Dispatcher) Execute(ctx context.Context, jobID string) error {
	job, err := d.registry.Transition(ctx, jobID, models.JobRunning, "")
	if err != nil {
		return fmt.Errorf("failed to start job %s: %w", jobID, err)
	}

	defer func() {
		if p := recover(); p != nil {
			d.logger.WithFields(logrus.Fields{
				"job_id": jobID,
				"panic":  p,
			}).Error("Sync job panicked")
			d.fail(jobID, fmt.Sprintf("internal error: %v", p))
		}
	}()

	progress := func(processed, total int) {
		if err := d.registry.UpdateProgress(ctx, jobID, processed, total); err != nil {
			d.logger.WithError(err).WithField("job_id", jobID).Warn("Failed to record job progress")
		}
	}

	result, runErr := d.runner.Run(ctx, job.Target, job.Mode, progress)
	if runErr != nil {
		d.logger.WithError(runErr).WithFields(logrus.Fields{
			"job_id": jobID,
			"target": job.Target,
		}).Error("Sync job failed")
		d.fail(jobID, runErr.Error())
		return nil
	}

	progress(result.UnitsProcessed, result.UnitsProcessed)
	if _, err := d.registry.Transition(ctx, jobID, models.JobCompleted, ""); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return nil
}

// fail moves the job to failed on a fresh context so a cancelled sync can
// still record its terminal state.
func (d *Dispatcher) fail(jobID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := d.registry.Transition(ctx, jobID, models.JobFailed, message); err != nil {
		d.logger.WithError(err).WithField("job_id", jobID).Error("Failed to record job failure")
	}
}

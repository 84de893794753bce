package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pulsetrack/backend/internal/db"
	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/models"
)

// Registry tracks the lifecycle and progress of sync jobs. It enforces the
// queued -> running -> {completed, failed} state machine and serializes
// writes per job ID; durable state lives in the store so the request side
// and the worker side coordinate without shared memory.
type Registry struct {
	store     db.Store
	logger    *logrus.Logger
	retention int

	mu       sync.Mutex
	jobLocks map[string]*sync.Mutex
}

// NewRegistry creates a new job registry. retention bounds how many finished
// jobs are kept for listing.
func NewRegistry(store db.Store, logger *logrus.Logger, retention int) *Registry {
	return &Registry{
		store:     store,
		logger:    logger,
		retention: retention,
		jobLocks:  make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.jobLocks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.jobLocks[id] = l
	return l
}

func (r *Registry) releaseLock(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobLocks, id)
}

// Create records a new job in the queued state.
func (r *Registry) Create(ctx context.Context, target string, mode models.SyncMode) (*models.Job, error) {
	if target == "" {
		return nil, errors.NewValidationError("target cannot be empty", nil)
	}
	if !models.ValidSyncMode(mode) {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown sync mode: %s", mode), nil)
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		Target:    target,
		Mode:      mode,
		State:     models.JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"target": target,
		"mode":   mode,
	}).Info("Created sync job")

	return job, nil
}

// Get retrieves a job by ID.
func (r *Registry) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return nil, errors.NewNotFoundError(fmt.Sprintf("job not found: %s", id), nil)
	}
	return job, nil
}

// Active returns the queued or running job for a target, or nil when idle.
func (r *Registry) Active(ctx context.Context, target string) (*models.Job, error) {
	return r.store.GetActiveJob(ctx, target)
}

// ListRecent returns the most recent jobs, newest first.
func (r *Registry) ListRecent(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = r.retention
	}
	return r.store.ListRecentJobs(ctx, limit)
}

func validTransition(from, to models.JobState) bool {
	switch from {
	case models.JobQueued:
		return to == models.JobRunning
	case models.JobRunning:
		return to == models.JobCompleted || to == models.JobFailed
	default:
		return false
	}
}

// Transition moves a job to a new state. errMsg is stored only on the
// transition to failed. Terminal jobs are immutable; any request outside the
// state machine fails with an INVALID_TRANSITION error.
func (r *Registry) Transition(ctx context.Context, id string, newState models.JobState, errMsg string) (*models.Job, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !validTransition(job.State, newState) {
		return nil, errors.NewInvalidTransitionError(id, string(job.State), string(newState))
	}

	now := time.Now().UTC()
	job.State = newState
	switch newState {
	case models.JobRunning:
		job.StartedAt = &now
	case models.JobCompleted:
		job.CompletedAt = &now
	case models.JobFailed:
		job.CompletedAt = &now
		job.ErrorMessage = errMsg
	}

	if err := r.store.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job transition: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"job_id": id,
		"state":  newState,
	}).Info("Job transitioned")

	if newState.Terminal() {
		r.releaseLock(id)
		if err := r.store.PruneJobs(ctx, r.retention); err != nil {
			r.logger.WithError(err).Warn("Failed to prune finished jobs")
		}
	}

	return job, nil
}

// UpdateProgress records unit counters for a running job. Progress is
// monotonic within a job: a stale processed count is ignored rather than
// written back.
func (r *Registry) UpdateProgress(ctx context.Context, id string, processed, total int) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State != models.JobRunning {
		return errors.NewInvalidTransitionError(id, string(job.State), string(job.State))
	}

	if processed > job.UnitsProcessed {
		job.UnitsProcessed = processed
	}
	if total > job.UnitsTotal {
		job.UnitsTotal = total
	}

	if err := r.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job progress: %w", err)
	}
	return nil
}

package poll

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulsetrack/backend/internal/models"
)

// ErrPollTimeout is returned when a job does not reach a terminal state
// within the poller's budget. The job itself keeps running.
var ErrPollTimeout = errors.New("timed out waiting for job to finish")

// JobGetter looks up a job by ID.
type JobGetter interface {
	Get(ctx context.Context, id string) (*models.Job, error)
}

// Poller blocks a caller until a dispatched job reaches a terminal state.
// It exists for callers that want synchronous semantics on top of the
// queued path, like CLI invocations and tests.
type Poller struct {
	jobs     JobGetter
	logger   *logrus.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewPoller creates a poller checking every interval, giving up after timeout.
func NewPoller(jobs JobGetter, logger *logrus.Logger, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		jobs:     jobs,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Wait polls the job until it is terminal, the timeout elapses, or the
// context is cancelled. On timeout it returns the job as last seen together
// with ErrPollTimeout.
func (p *Poller) Wait(ctx context.Context, jobID string) (*models.Job, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last *models.Job
	for {
		job, err := p.jobs.Get(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return last, p.waitErr(ctx, jobID)
			}
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		last = job

		select {
		case <-ctx.Done():
			return last, p.waitErr(ctx, jobID)
		case <-ticker.C:
		}
	}
}

func (p *Poller) waitErr(ctx context.Context, jobID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.logger.WithField("job_id", jobID).Warn("Gave up waiting for job")
		return ErrPollTimeout
	}
	return ctx.Err()
}

package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pulsetrack/backend/internal/db"
)

// WorkerPool drains the task queue. Workers coordinate with the request side
// purely through the durable job and task rows, so pools in separate
// processes are safe: SKIP LOCKED claiming means a task is executed once.
type WorkerPool struct {
	store      db.Store
	dispatcher *Dispatcher
	logger     *logrus.Logger
	count      int
	interval   time.Duration
}

// NewWorkerPool creates a pool of count workers polling at interval.
func NewWorkerPool(store db.Store, dispatcher *Dispatcher, logger *logrus.Logger, count int, interval time.Duration) *WorkerPool {
	if count < 1 {
		count = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &WorkerPool{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		count:      count,
		interval:   interval,
	}
}

// Run blocks until the context is cancelled, executing claimed tasks.
func (w *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.count; i++ {
		worker := i
		g.Go(func() error {
			return w.loop(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *WorkerPool) loop(ctx context.Context, worker int) error {
	logger := w.logger.WithField("worker", worker)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx, logger)
		}
	}
}

// drain claims and executes tasks until the queue is empty.
func (w *WorkerPool) drain(ctx context.Context, logger *logrus.Entry) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := w.store.ClaimNextTask(ctx)
		if err != nil {
			logger.WithError(err).Warn("Failed to claim task")
			return
		}
		if jobID == "" {
			return
		}

		logger.WithField("job_id", jobID).Info("Claimed sync task")
		if err := w.dispatcher.Execute(ctx, jobID); err != nil {
			logger.WithError(err).WithField("job_id", jobID).Error("Task execution failed")
		}
	}
}

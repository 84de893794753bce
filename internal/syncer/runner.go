package syncer

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/pulsetrack/backend/internal/config"
	"github.com/pulsetrack/backend/internal/db"
	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/models"
)

// ProgressFunc reports unit counters while a pass is running.
type ProgressFunc func(processed, total int)

// Result summarizes one completed sync pass.
type Result struct {
	Target         string    `json:"target"`
	Mode           string    `json:"mode"`
	UnitsProcessed int       `json:"units_processed"`
	Batches        int       `json:"batches"`
	Watermark      time.Time `json:"watermark,omitempty"`
}

// Runner executes one sync pass for a target: fetch, transform, upsert.
// Batches are committed in fetch order together with the cursor, so a
// failure mid-pass keeps everything already committed and a retry resumes
// from the last durable watermark instead of starting over.
type Runner struct {
	store  db.Store
	logger *logrus.Logger
	cfg    config.SyncConfig

	mu      sync.RWMutex
	sources map[string]Source
}

// NewRunner creates a sync runner.
func NewRunner(store db.Store, logger *logrus.Logger, cfg config.SyncConfig) *Runner {
	return &Runner{
		store:   store,
		logger:  logger,
		cfg:     cfg,
		sources: make(map[string]Source),
	}
}

// Register binds a target name to its source.
func (r *Runner) Register(target string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[target] = src
}

// HasTarget reports whether a source is registered for the target.
func (r *Runner) HasTarget(target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[target]
	return ok
}

// Targets lists the registered target names.
func (r *Runner) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets := make([]string, 0, len(r.sources))
	for t := range r.sources {
		targets = append(targets, t)
	}
	return targets
}

type runState struct {
	processed int
	total     int
	batches   int
	watermark time.Time
	lastID    string
}

// Run executes one sync pass for a target in the given mode. Transient and
// rate-limit failures are retried with exponential backoff up to the
// configured budget; credential failures surface immediately. On deadline
// expiry the pass fails with a timeout-class error while every committed
// batch and the cursor stay durable.
func (r *Runner) Run(ctx context.Context, target string, mode models.SyncMode, progress ProgressFunc) (*Result, error) {
	r.mu.RLock()
	src, ok := r.sources[target]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("unknown sync target: %s", target), nil)
	}
	if progress == nil {
		progress = func(int, int) {}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunDeadline)
	defer cancel()

	logger := r.logger.WithFields(logrus.Fields{
		"target": target,
		"mode":   mode,
	})
	logger.Info("Starting sync pass")

	advanceCursor := mode != models.SyncAdHoc
	baseSince, err := r.baseSince(ctx, src, mode)
	if err != nil {
		return nil, err
	}

	state := &runState{}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff
	b.MaxInterval = r.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	var lastErr error
	operation := func() error {
		since, err := r.resumePoint(ctx, src, baseSince, advanceCursor)
		if err != nil {
			return backoff.Permanent(err)
		}

		err = r.pass(ctx, src, since, advanceCursor, state, progress)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.IsCredentialExpired(err) || errors.IsInvalidInput(err) {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if rl, ok := errors.AsRateLimited(err); ok {
			wait := rl.RetryAfter
			if wait > r.cfg.MaxBackoff {
				wait = r.cfg.MaxBackoff
			}
			logger.WithField("retry_after", wait).Warn("Provider rate limit hit, backing off")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return backoff.Permanent(err)
			}
			return err
		}

		logger.WithError(err).Warn("Sync pass attempt failed, will retry")
		return err
	}

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, r.classifyFailure(err, lastErr, logger)
	}

	result := &Result{
		Target:         target,
		Mode:           string(mode),
		UnitsProcessed: state.processed,
		Batches:        state.batches,
		Watermark:      state.watermark,
	}
	logger.WithFields(logrus.Fields{
		"units_processed": result.UnitsProcessed,
		"batches":         result.Batches,
	}).Info("Sync pass completed")
	return result, nil
}

// baseSince picks the lower bound of the fetch window for the mode.
func (r *Runner) baseSince(ctx context.Context, src Source, mode models.SyncMode) (time.Time, error) {
	now := time.Now().UTC()
	switch mode {
	case models.SyncFull:
		return now.Add(-r.cfg.MaxLookback), nil
	case models.SyncAdHoc:
		return now.Add(-r.cfg.AdHocWindow), nil
	case models.SyncIncremental:
		cursor, err := r.store.GetSyncCursor(ctx, src.Provider(), src.EntityType())
		if err != nil {
			return time.Time{}, err
		}
		if cursor == nil {
			return now.Add(-r.cfg.IncrementalWindow), nil
		}
		return cursor.LastSyncedAt, nil
	default:
		return time.Time{}, errors.NewValidationError(fmt.Sprintf("unknown sync mode: %s", mode), nil)
	}
}

// resumePoint shifts the window start forward to the committed watermark so
// a retry never redoes already-upserted batches from scratch.
func (r *Runner) resumePoint(ctx context.Context, src Source, baseSince time.Time, advanceCursor bool) (time.Time, error) {
	if !advanceCursor {
		return baseSince, nil
	}
	cursor, err := r.store.GetSyncCursor(ctx, src.Provider(), src.EntityType())
	if err != nil {
		return time.Time{}, err
	}
	if cursor != nil && cursor.LastSyncedAt.After(baseSince) {
		return cursor.LastSyncedAt, nil
	}
	return baseSince, nil
}

func (r *Runner) pass(ctx context.Context, src Source, since time.Time, advanceCursor bool, state *runState, progress ProgressFunc) error {
	return src.FetchPages(ctx, since, func(records []models.ExternalRecord, total int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if total > state.total {
			state.total = total
		}
		if len(records) == 0 {
			progress(state.processed, state.total)
			return nil
		}

		var cursor *models.SyncCursor
		watermark, lastID := batchWatermark(records)
		if advanceCursor && (watermark.After(state.watermark) || state.watermark.IsZero()) {
			cursor = &models.SyncCursor{
				Provider:     src.Provider(),
				EntityType:   src.EntityType(),
				LastSyncedAt: watermark,
				LastRecordID: lastID,
			}
		}

		count, err := r.store.UpsertBatch(ctx, records, cursor)
		if err != nil {
			return fmt.Errorf("failed to commit batch: %w", err)
		}

		state.processed += count
		state.batches++
		if watermark.After(state.watermark) {
			state.watermark = watermark
			state.lastID = lastID
		}
		progress(state.processed, state.total)
		return nil
	})
}

// batchWatermark finds the newest record in a batch, breaking timestamp ties
// by the larger external ID.
func batchWatermark(records []models.ExternalRecord) (time.Time, string) {
	var watermark time.Time
	var lastID string
	for _, rec := range records {
		if rec.RecordedAt.After(watermark) || (rec.RecordedAt.Equal(watermark) && rec.ExternalID > lastID) {
			watermark = rec.RecordedAt
			lastID = rec.ExternalID
		}
	}
	return watermark, lastID
}

func (r *Runner) classifyFailure(err, lastErr error, logger *logrus.Entry) error {
	if lastErr == nil {
		lastErr = err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(lastErr, context.DeadlineExceeded) {
		logger.Warn("Sync pass stopped at deadline, committed batches are preserved")
		return errors.NewTransientError("sync deadline exceeded before completion", lastErr)
	}
	if rl, ok := errors.AsRateLimited(lastErr); ok {
		logger.WithError(lastErr).Error("Retry budget exhausted on provider rate limit")
		return errors.New(errors.ErrRateLimited, fmt.Sprintf("rate limited by %s after exhausting retries", rl.Provider), lastErr)
	}
	if errors.IsCredentialExpired(lastErr) || errors.IsInvalidInput(lastErr) || errors.IsNotFound(lastErr) {
		return lastErr
	}
	logger.WithError(lastErr).Error("Sync pass failed")
	return errors.NewTransientError("sync pass failed after exhausting retries", lastErr)
}

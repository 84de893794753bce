package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/models"
)

const jobColumns = `id, target, mode, state, units_processed, units_total, error_message, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	var job models.Job
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(
		&job.ID,
		&job.Target,
		&job.Mode,
		&job.State,
		&job.UnitsProcessed,
		&job.UnitsTotal,
		&job.ErrorMessage,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}

// CreateJob inserts a new job row. A second active job for the same target
// trips the partial unique index and surfaces as SyncInProgressError.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, target, mode, state, units_processed, units_total, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.Target, job.Mode, job.State, job.UnitsProcessed, job.UnitsTotal, job.ErrorMessage, job.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return errors.NewSyncInProgressError(job.Target, "")
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns (nil, nil) when the ID is unknown.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetActiveJob returns the queued or running job for a target, or (nil, nil)
// when the target is idle. At most one such job exists at a time.
func (s *PostgresStore) GetActiveJob(ctx context.Context, target string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE target = $1 AND state IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT 1`, target)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}
	return job, nil
}

// UpdateJob persists the mutable fields of a job row.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = $2,
			units_processed = $3,
			units_total = $4,
			error_message = $5,
			started_at = $6,
			completed_at = $7
		WHERE id = $1`,
		job.ID, job.State, job.UnitsProcessed, job.UnitsTotal, job.ErrorMessage, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check job update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job not found: %s", job.ID)
	}
	return nil
}

// ListRecentJobs returns the most recent jobs, newest first.
func (s *PostgresStore) ListRecentJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// PruneJobs deletes terminal jobs beyond the retention window, keeping the
// most recent ones. Active jobs are never pruned.
func (s *PostgresStore) PruneJobs(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE state IN ('completed', 'failed')
		AND id NOT IN (
			SELECT id FROM jobs
			WHERE state IN ('completed', 'failed')
			ORDER BY created_at DESC
			LIMIT $1
		)`, keep)
	if err != nil {
		return fmt.Errorf("failed to prune jobs: %w", err)
	}
	return nil
}

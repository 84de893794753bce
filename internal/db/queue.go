package db

import (
	"context"
	"database/sql"
	"fmt"
)

// PingQueue is the dispatch-time reachability probe for the queued strategy.
// The queue lives in Postgres, so reachability reduces to a live connection.
func (s *PostgresStore) PingQueue(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnqueueTask inserts a task referencing a job for a worker to claim.
func (s *PostgresStore) EnqueueTask(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_tasks (job_id, enqueued_at) VALUES ($1, NOW())`, jobID)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// ClaimNextTask atomically removes and returns the oldest queued task.
// SKIP LOCKED keeps concurrent workers from claiming the same task. Returns
// "" when the queue is empty.
func (s *PostgresStore) ClaimNextTask(ctx context.Context) (string, error) {
	var jobID string
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM sync_tasks
		WHERE id = (
			SELECT id FROM sync_tasks
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING job_id`).Scan(&jobID)
	if err == sql.ErrNoRows {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to claim task: %w", err)
	}
	return jobID, nil
}

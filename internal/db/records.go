package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/models"
)

// GetSyncCursor retrieves the incremental-sync watermark for a provider
// entity type. Returns (nil, nil) when no sync has completed a batch yet.
func (s *PostgresStore) GetSyncCursor(ctx context.Context, provider, entityType string) (*models.SyncCursor, error) {
	var cursor models.SyncCursor

	err := s.db.QueryRowContext(ctx, `
		SELECT provider, entity_type, last_synced_at, last_record_id, updated_at
		FROM sync_cursors
		WHERE provider = $1 AND entity_type = $2`, provider, entityType).Scan(
		&cursor.Provider,
		&cursor.EntityType,
		&cursor.LastSyncedAt,
		&cursor.LastRecordID,
		&cursor.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return &cursor, nil
}

// UpsertBatch writes a fetched batch and, when a cursor is given, advances
// the watermark in the same transaction. A crash mid-batch therefore leaves
// both the records and the cursor at their previous committed state; the
// cursor can never point past data that was not durably stored.
func (s *PostgresStore) UpsertBatch(ctx context.Context, records []models.ExternalRecord, cursor *models.SyncCursor) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO external_records (provider, entity_type, external_id, recorded_at, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (provider, entity_type, external_id) DO UPDATE SET
			recorded_at = EXCLUDED.recorded_at,
			payload = EXCLUDED.payload,
			updated_at = NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, rec := range records {
		if rec.ExternalID == "" {
			return 0, fmt.Errorf("record without external ID for %s/%s", rec.Provider, rec.EntityType)
		}
		if _, err := stmt.ExecContext(ctx, rec.Provider, rec.EntityType, rec.ExternalID, rec.RecordedAt, []byte(rec.Payload)); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
				return 0, errors.NewUpsertConflictError(fmt.Sprintf("upsert conflict on %s/%s/%s", rec.Provider, rec.EntityType, rec.ExternalID), err)
			}
			return 0, fmt.Errorf("failed to upsert record %s: %w", rec.ExternalID, err)
		}
		count++
	}

	if cursor != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_cursors (provider, entity_type, last_synced_at, last_record_id, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (provider, entity_type) DO UPDATE SET
				last_synced_at = EXCLUDED.last_synced_at,
				last_record_id = EXCLUDED.last_record_id,
				updated_at = NOW()
			WHERE sync_cursors.last_synced_at <= EXCLUDED.last_synced_at`,
			cursor.Provider, cursor.EntityType, cursor.LastSyncedAt, cursor.LastRecordID); err != nil {
			return 0, fmt.Errorf("failed to advance sync cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return count, nil
}

// CountRecords returns the number of stored records for a provider entity type.
func (s *PostgresStore) CountRecords(ctx context.Context, provider, entityType string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM external_records WHERE provider = $1 AND entity_type = $2`,
		provider, entityType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

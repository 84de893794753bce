package models

import "time"

// SyncCursor is the per-provider, per-entity-type watermark used to resume
// incremental sync. It only advances after the batch it covers has been
// durably upserted.
type SyncCursor struct {
	Provider     string    `json:"provider"`
	EntityType   string    `json:"entity_type"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	// LastRecordID breaks ties between records sharing the same timestamp.
	LastRecordID string    `json:"last_record_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Behind reports whether the candidate watermark is newer than the cursor.
func (c *SyncCursor) Behind(recordedAt time.Time, recordID string) bool {
	if recordedAt.After(c.LastSyncedAt) {
		return true
	}
	return recordedAt.Equal(c.LastSyncedAt) && recordID > c.LastRecordID
}

package models

import (
	"encoding/json"
	"time"
)

// ExternalRecord is a provider-issued row keyed by its stable external ID.
// Re-syncing the same (provider, entity_type, external_id) overwrites the
// payload instead of duplicating the row.
type ExternalRecord struct {
	Provider   string          `json:"provider"`
	EntityType string          `json:"entity_type"`
	ExternalID string          `json:"external_id"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgressPercent(t *testing.T) {
	assert.InDelta(t, 50.0, (&Job{UnitsProcessed: 5, UnitsTotal: 10}).ProgressPercent(), 0.01)
	assert.InDelta(t, 0.0, (&Job{}).ProgressPercent(), 0.01)
	// Overcounting clamps instead of reporting more than done.
	assert.InDelta(t, 100.0, (&Job{UnitsProcessed: 12, UnitsTotal: 10}).ProgressPercent(), 0.01)
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
}

func TestCredentialExpiresWithin(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	past := time.Now().UTC().Add(-time.Minute)
	soon := time.Now().UTC().Add(30 * time.Second)

	assert.False(t, (&Credential{AccessToken: "t", ExpiresAt: &future}).ExpiresWithin(time.Minute))
	assert.True(t, (&Credential{AccessToken: "t", ExpiresAt: &past}).ExpiresWithin(time.Minute))
	assert.True(t, (&Credential{AccessToken: "t", ExpiresAt: &soon}).ExpiresWithin(time.Minute))
	// No expiry on record means the token is treated as long-lived.
	assert.False(t, (&Credential{AccessToken: "t"}).ExpiresWithin(time.Minute))
	assert.True(t, (&Credential{}).ExpiresWithin(time.Minute))
}

func TestCursorBehind(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cursor := &SyncCursor{LastSyncedAt: base, LastRecordID: "b"}

	assert.True(t, cursor.Behind(base.Add(time.Second), "a"))
	assert.False(t, cursor.Behind(base.Add(-time.Second), "z"))
	// Equal timestamps fall back to the record ID ordering.
	assert.True(t, cursor.Behind(base, "c"))
	assert.False(t, cursor.Behind(base, "a"))
}

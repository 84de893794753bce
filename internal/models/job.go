package models

import "time"

// JobState represents the lifecycle state of a sync job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the state is a terminal one.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// SyncMode selects how much history a sync pass covers.
type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
	SyncAdHoc       SyncMode = "ad_hoc"
)

// ValidSyncMode reports whether m is one of the supported modes.
func ValidSyncMode(m SyncMode) bool {
	return m == SyncFull || m == SyncIncremental || m == SyncAdHoc
}

// Job tracks one sync/refresh attempt for a target.
type Job struct {
	ID             string     `json:"id"`
	Target         string     `json:"target"`
	Mode           SyncMode   `json:"mode"`
	State          JobState   `json:"state"`
	UnitsProcessed int        `json:"units_processed"`
	UnitsTotal     int        `json:"units_total"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ProgressPercent derives completion from the unit counters, clamped to [0,100].
// A zero UnitsTotal means the total is not yet known.
func (j *Job) ProgressPercent() float64 {
	total := j.UnitsTotal
	if total < 1 {
		total = 1
	}
	pct := float64(j.UnitsProcessed) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

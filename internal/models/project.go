package models

import "time"

// ProjectStat is the per-repository metrics row derived from the
// source-control provider.
type ProjectStat struct {
	Name             string    `json:"name"`
	CommitCount      int       `json:"commit_count"`
	ActiveDays       int       `json:"active_days"`
	TimeSpentMin     float64   `json:"time_spent_min"`
	LinesOfCode      int       `json:"loc"`
	CodeChurn        int       `json:"code_churn"`
	PrimaryLanguage  string    `json:"primary_language"`
	RepositorySizeKB float64   `json:"repository_size_kb"`
	LastCommitDate   time.Time `json:"last_commit_date"`
}

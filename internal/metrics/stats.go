package metrics

import (
	"time"

	"github.com/pulsetrack/backend/internal/models"
)

// estimatedBytesPerLine is the rough average used to derive a LOC figure
// from repository size when no checkout is available.
const estimatedBytesPerLine = 50

// RepositoryInfo is the provider-agnostic repository shape the calculator
// works from.
type RepositoryInfo struct {
	Name            string
	FullName        string
	PrimaryLanguage string
	SizeKB          float64
	CreatedAt       time.Time
	PushedAt        time.Time
}

// CommitInfo is one commit's contribution to the stats.
type CommitInfo struct {
	SHA        string
	AuthoredAt time.Time
}

// Calculator derives per-project metrics from repository metadata and its
// commit history. The orchestrator only depends on this interface; heavier
// implementations (full checkout, line counting, churn from git history)
// can be swapped in without touching the sync path.
type Calculator interface {
	ProjectStats(repo RepositoryInfo, commits []CommitInfo) *models.ProjectStat
}

// APIDerived computes stats from provider API data alone: no clone, no
// external tooling, works on any host. LOC is an estimate from repository
// size and churn is unavailable without a checkout.
type APIDerived struct{}

func NewAPIDerived() *APIDerived {
	return &APIDerived{}
}

func (c *APIDerived) ProjectStats(repo RepositoryInfo, commits []CommitInfo) *models.ProjectStat {
	stat := &models.ProjectStat{
		Name:             repo.Name,
		PrimaryLanguage:  repo.PrimaryLanguage,
		RepositorySizeKB: repo.SizeKB,
		CommitCount:      len(commits),
	}
	if repo.PrimaryLanguage == "" {
		stat.PrimaryLanguage = "Unknown"
	}
	if repo.SizeKB > 0 {
		stat.LinesOfCode = int(repo.SizeKB * 1024 / estimatedBytesPerLine)
	}

	if len(commits) == 0 {
		stat.LastCommitDate = repo.PushedAt
		if stat.ActiveDays == 0 {
			stat.ActiveDays = 1
		}
		return stat
	}

	first := commits[0].AuthoredAt
	last := commits[0].AuthoredAt
	days := make(map[string]struct{}, len(commits))
	for _, c := range commits {
		if c.AuthoredAt.Before(first) {
			first = c.AuthoredAt
		}
		if c.AuthoredAt.After(last) {
			last = c.AuthoredAt
		}
		days[c.AuthoredAt.UTC().Format("2006-01-02")] = struct{}{}
	}

	stat.ActiveDays = len(days)
	stat.LastCommitDate = last

	start := first
	if !repo.CreatedAt.IsZero() && repo.CreatedAt.Before(start) {
		start = repo.CreatedAt
	}
	if last.After(start) {
		stat.TimeSpentMin = last.Sub(start).Minutes()
	}
	return stat
}

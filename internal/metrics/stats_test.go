package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectStatsFromCommits(t *testing.T) {
	repo := RepositoryInfo{
		Name:            "tracker",
		FullName:        "octocat/tracker",
		PrimaryLanguage: "Go",
		SizeKB:          250,
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		PushedAt:        time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
	}
	commits := []CommitInfo{
		{SHA: "a", AuthoredAt: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)},
		{SHA: "b", AuthoredAt: time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)},
		{SHA: "c", AuthoredAt: time.Date(2026, 8, 18, 11, 0, 0, 0, time.UTC)},
	}

	stat := NewAPIDerived().ProjectStats(repo, commits)
	require.NotNil(t, stat)
	assert.Equal(t, "tracker", stat.Name)
	assert.Equal(t, 3, stat.CommitCount)
	// Two distinct calendar days across three commits.
	assert.Equal(t, 2, stat.ActiveDays)
	assert.Equal(t, "Go", stat.PrimaryLanguage)
	assert.Equal(t, 250*1024/50, stat.LinesOfCode)
	assert.True(t, stat.LastCommitDate.Equal(time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)))
	// The span runs from repository creation, which predates the first commit.
	expectedMin := stat.LastCommitDate.Sub(repo.CreatedAt).Minutes()
	assert.InDelta(t, expectedMin, stat.TimeSpentMin, 0.01)
}

func TestProjectStatsWithoutCommits(t *testing.T) {
	repo := RepositoryInfo{
		Name:     "empty",
		FullName: "octocat/empty",
		PushedAt: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	stat := NewAPIDerived().ProjectStats(repo, nil)
	require.NotNil(t, stat)
	assert.Zero(t, stat.CommitCount)
	assert.Equal(t, 1, stat.ActiveDays)
	assert.Equal(t, "Unknown", stat.PrimaryLanguage)
	assert.Zero(t, stat.LinesOfCode)
	assert.True(t, stat.LastCommitDate.Equal(repo.PushedAt))
}

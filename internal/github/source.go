package github

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulsetrack/backend/internal/metrics"
	"github.com/pulsetrack/backend/internal/models"
	"github.com/pulsetrack/backend/internal/syncer"
)

// maxCommitsPerRepo bounds the commit walk for very active repositories.
const maxCommitsPerRepo = 1000

// ProjectSource syncs per-repository contribution stats. Each page is one
// repository's stats so that progress advances repo by repo and a mid-pass
// failure resumes behind at most one repository of work.
type ProjectSource struct {
	client     *Client
	calculator metrics.Calculator
	author     string
	logger     *logrus.Logger
}

// NewProjectSource creates a project stats source backed by the GitHub API.
// A non-empty author narrows the commit walk to that user's contributions.
func NewProjectSource(client *Client, calculator metrics.Calculator, author string, logger *logrus.Logger) *ProjectSource {
	return &ProjectSource{
		client:     client,
		calculator: calculator,
		author:     author,
		logger:     logger,
	}
}

func (s *ProjectSource) Provider() string { return "github" }

func (s *ProjectSource) EntityType() string { return "project_stat" }

// FetchPages lists the owned repositories, recomputes stats for each one
// pushed after since, and emits one record per repository, oldest push
// first. Emitting in push order keeps the watermark behind repositories
// that have not been stored yet when a pass dies partway through.
func (s *ProjectSource) FetchPages(ctx context.Context, since time.Time, fn syncer.PageFunc) error {
	repos, err := s.client.ListOwnedRepositories(ctx)
	if err != nil {
		return err
	}
	sort.Slice(repos, func(i, j int) bool {
		return repos[i].PushedAt.Before(repos[j].PushedAt)
	})
	total := len(repos)

	for _, repo := range repos {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Stats only change when commits land, so a repository untouched
		// since the watermark can be skipped on incremental passes.
		if !since.IsZero() && !repo.PushedAt.After(since) {
			total--
			continue
		}

		record, err := s.buildRecord(ctx, repo)
		if err != nil {
			return err
		}
		if err := fn([]models.ExternalRecord{*record}, total); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProjectSource) buildRecord(ctx context.Context, repo *Repository) (*models.ExternalRecord, error) {
	// Commit history is always walked from the beginning: stats like active
	// days and time spent are cumulative over the repository's life.
	commits, err := s.client.ListCommits(ctx, repo.FullName, time.Time{}, s.author, maxCommitsPerRepo)
	if err != nil {
		return nil, err
	}

	commitInfos := make([]metrics.CommitInfo, 0, len(commits))
	for _, c := range commits {
		commitInfos = append(commitInfos, metrics.CommitInfo{
			SHA:        c.SHA,
			AuthoredAt: c.AuthorDate,
		})
	}

	stat := s.calculator.ProjectStats(metrics.RepositoryInfo{
		Name:            repo.Name,
		FullName:        repo.FullName,
		PrimaryLanguage: repo.Language,
		SizeKB:          repo.Size,
		CreatedAt:       repo.CreatedAt,
		PushedAt:        repo.PushedAt,
	}, commitInfos)

	payload, err := json.Marshal(stat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode project stats for %s: %w", repo.FullName, err)
	}

	recordedAt := stat.LastCommitDate
	if recordedAt.IsZero() {
		recordedAt = repo.PushedAt
	}

	s.logger.WithFields(logrus.Fields{
		"repository": repo.FullName,
		"commits":    stat.CommitCount,
	}).Debug("Computed project stats")

	return &models.ExternalRecord{
		Provider:   s.Provider(),
		EntityType: s.EntityType(),
		ExternalID: repo.FullName,
		RecordedAt: recordedAt,
		Payload:    payload,
	}, nil
}

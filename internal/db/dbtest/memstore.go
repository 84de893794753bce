// Package dbtest provides an in-memory Store implementation for tests that
// exercise orchestration logic without a running Postgres.
package dbtest

import (
	"context"
	"sort"
	"sync"

	"github.com/pulsetrack/backend/internal/errors"
	"github.com/pulsetrack/backend/internal/models"
)

// MemStore implements db.Store in memory. Failure injection fields let tests
// simulate an unreachable queue or a store that starts failing mid-pass.
type MemStore struct {
	mu sync.Mutex

	jobs    map[string]*models.Job
	creds   map[string]*models.Credential
	cursors map[string]*models.SyncCursor
	records map[string]models.ExternalRecord
	tasks   []string

	// PingQueueErr makes the queue look unreachable.
	PingQueueErr error
	// EnqueueErr fails every enqueue attempt.
	EnqueueErr error
	// UpsertFailAfter fails the Nth and later UpsertBatch calls when > 0.
	UpsertFailAfter int
	// UpsertErr is the error returned once UpsertFailAfter trips.
	UpsertErr error

	upsertCalls int
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:    make(map[string]*models.Job),
		creds:   make(map[string]*models.Credential),
		cursors: make(map[string]*models.SyncCursor),
		records: make(map[string]models.ExternalRecord),
	}
}

func cursorKey(provider, entityType string) string {
	return provider + "|" + entityType
}

func recordKey(rec models.ExternalRecord) string {
	return rec.Provider + "|" + rec.EntityType + "|" + rec.ExternalID
}

func copyJob(job *models.Job) *models.Job {
	c := *job
	return &c
}

func (s *MemStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Mirrors the partial unique index on active jobs.
	for _, existing := range s.jobs {
		if existing.Target == job.Target && !existing.State.Terminal() {
			return errors.NewSyncInProgressError(job.Target, existing.ID)
		}
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return copyJob(job), nil
}

func (s *MemStore) GetActiveJob(ctx context.Context, target string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.Job
	for _, job := range s.jobs {
		if job.Target != target || job.State.Terminal() {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	if newest == nil {
		return nil, nil
	}
	return copyJob(newest), nil
}

func (s *MemStore) UpdateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemStore) ListRecentJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		list = append(list, copyJob(job))
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *MemStore) PruneJobs(ctx context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var terminal []*models.Job
	for _, job := range s.jobs {
		if job.State.Terminal() {
			terminal = append(terminal, job)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.After(terminal[j].CreatedAt)
	})
	for i := keep; i < len(terminal); i++ {
		delete(s.jobs, terminal[i].ID)
	}
	return nil
}

func (s *MemStore) GetCredential(ctx context.Context, provider string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[provider]
	if !ok {
		return nil, nil
	}
	c := *cred
	return &c, nil
}

func (s *MemStore) SaveCredential(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	s.creds[cred.Provider] = &c
	return nil
}

func (s *MemStore) SetCredentialStatus(ctx context.Context, provider string, status models.CredentialStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred, ok := s.creds[provider]; ok {
		cred.Status = status
	}
	return nil
}

func (s *MemStore) GetSyncCursor(ctx context.Context, provider, entityType string) (*models.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[cursorKey(provider, entityType)]
	if !ok {
		return nil, nil
	}
	c := *cursor
	return &c, nil
}

func (s *MemStore) UpsertBatch(ctx context.Context, records []models.ExternalRecord, cursor *models.SyncCursor) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertCalls++
	if s.UpsertFailAfter > 0 && s.upsertCalls >= s.UpsertFailAfter {
		return 0, s.UpsertErr
	}

	for _, rec := range records {
		s.records[recordKey(rec)] = rec
	}
	if cursor != nil {
		key := cursorKey(cursor.Provider, cursor.EntityType)
		existing, ok := s.cursors[key]
		if !ok || !existing.LastSyncedAt.After(cursor.LastSyncedAt) {
			c := *cursor
			s.cursors[key] = &c
		}
	}
	return len(records), nil
}

func (s *MemStore) CountRecords(ctx context.Context, provider, entityType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.records {
		if rec.Provider == provider && rec.EntityType == entityType {
			n++
		}
	}
	return n, nil
}

// Records returns a snapshot of every stored record.
func (s *MemStore) Records() []models.ExternalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ExternalRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

func (s *MemStore) PingQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingQueueErr
}

func (s *MemStore) EnqueueTask(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EnqueueErr != nil {
		return s.EnqueueErr
	}
	s.tasks = append(s.tasks, jobID)
	return nil
}

func (s *MemStore) ClaimNextTask(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return "", nil
	}
	jobID := s.tasks[0]
	s.tasks = s.tasks[1:]
	return jobID, nil
}

func (s *MemStore) Ping(ctx context.Context) error {
	return nil
}

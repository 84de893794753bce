package db

import (
	"context"

	"github.com/pulsetrack/backend/internal/models"
)

// Store defines the interface for database operations. The job registry,
// credential store, sync cursors, the upsert repository and the dispatch
// queue all live behind it so the orchestrator never touches SQL directly.
type Store interface {
	// Job operations
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetActiveJob(ctx context.Context, target string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListRecentJobs(ctx context.Context, limit int) ([]*models.Job, error)
	PruneJobs(ctx context.Context, keep int) error

	// Credential operations
	GetCredential(ctx context.Context, provider string) (*models.Credential, error)
	SaveCredential(ctx context.Context, cred *models.Credential) error
	SetCredentialStatus(ctx context.Context, provider string, status models.CredentialStatus) error

	// Cursor and upsert operations
	GetSyncCursor(ctx context.Context, provider, entityType string) (*models.SyncCursor, error)
	UpsertBatch(ctx context.Context, records []models.ExternalRecord, cursor *models.SyncCursor) (int, error)
	CountRecords(ctx context.Context, provider, entityType string) (int64, error)

	// Dispatch queue operations
	PingQueue(ctx context.Context) error
	EnqueueTask(ctx context.Context, jobID string) error
	ClaimNextTask(ctx context.Context) (string, error)

	Ping(ctx context.Context) error
}

package domain

import (
	"context"
	"time"

	"pricesync/internal/models"
)

// CatalogReader reads catalog items from the Source store.
type CatalogReader interface {
	GetItem(ctx context.Context, id string) (*models.Item, error)
	ListFamilyMemberIDs(ctx context.Context, familyID string) ([]string, error)
}

// CatalogWriter writes synced fields to Source items.
type CatalogWriter interface {
	UpdateItemFields(ctx context.Context, id string, fields models.FieldSet) error
	ApplyFamilyFields(ctx context.Context, familyID string, fields models.FieldSet) (int64, error)
}

// JobWriter appends jobs to the durable queue. IDs are assigned on success.
type JobWriter interface {
	CreateSyncJobs(ctx context.Context, jobs []*models.SyncJob) error
}

// SourceTx is the transactional view handed to RunInTx callbacks.
type SourceTx interface {
	CatalogReader
	CatalogWriter
	JobWriter
}

// SourceStore is the Source Store Adapter as seen by ingress and planning code.
type SourceStore interface {
	CatalogReader
	JobWriter
	RunInTx(ctx context.Context, fn func(tx SourceTx) error) error
	GetEntityLink(ctx context.Context, sourceID string) (*models.EntityLink, error)
	FindEntityLinkByRemoteID(ctx context.Context, remoteID string) (*models.EntityLink, error)
	RecordWebhookAudit(ctx context.Context, audit *models.WebhookAudit) error
}

// LinkStore manages EntityLinks for operators.
type LinkStore interface {
	GetEntityLink(ctx context.Context, sourceID string) (*models.EntityLink, error)
	UpsertEntityLink(ctx context.Context, link *models.EntityLink) error
	ListUnlinkedItems(ctx context.Context, limit int) ([]*models.Item, error)
}

// JobStore is the durable Sync Queue.
type JobStore interface {
	JobWriter
	ClaimNextSyncJob(ctx context.Context, workerID string) (*models.SyncJob, error)
	CompleteSyncJob(ctx context.Context, id int64, workerID, result string) error
	FailSyncJob(ctx context.Context, id int64, workerID string, failure models.JobFailure) (models.JobStatus, error)
	ReleaseSyncJob(ctx context.Context, id int64, workerID string, notBefore time.Time) error
	CancelSyncJob(ctx context.Context, id int64) error
	ResetFailedSyncJobs(ctx context.Context, pattern string) (int64, error)
	PurgeSyncJobs(ctx context.Context, olderThan time.Time, statuses []models.JobStatus) (int64, error)
	ReclaimStuckSyncJobs(ctx context.Context, olderThan time.Time, maxRetries int, notBefore time.Time) (reclaimed, failed int64, err error)
	GetSyncJob(ctx context.Context, id int64) (*models.SyncJob, error)
	ListSyncJobs(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error)
	CountSyncJobs(ctx context.Context) (models.QueueCounts, error)
}

// EntityLocker provides per-entity mutual exclusion across workers.
// Acquire blocks until the lock is held or ctx is done.
type EntityLocker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RemoteAdapter writes records to the Remote system.
type RemoteAdapter interface {
	UpdateRecord(ctx context.Context, remoteID string, fields map[string]any, channel models.UpdateChannel) (*models.RemoteResult, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// FailureNotifier alerts operators about jobs that ended permanently FAILED.
type FailureNotifier interface {
	NotifyJobFailed(ctx context.Context, job *models.SyncJob, cause string) error
}

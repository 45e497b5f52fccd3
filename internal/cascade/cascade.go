package cascade

import (
	"context"
	"errors"
	"fmt"

	"pricesync/internal/models"
)

const (
	// DefaultPriority is used for cascades caused by webhooks.
	DefaultPriority = models.PriorityNormal
	// ManualPriority is used for operator-triggered syncs.
	ManualPriority = models.PriorityHigh
)

var ErrEmptyRequest = errors.New("cascade request needs a family or an entity")

// Store is what planning needs: sibling lookup and job insertion.
// Both the database and a database transaction satisfy it.
type Store interface {
	ListFamilyMemberIDs(ctx context.Context, familyID string) ([]string, error)
	CreateSyncJobs(ctx context.Context, jobs []*models.SyncJob) error
}

// Request describes one change to propagate.
type Request struct {
	EntityID  string
	FamilyID  string
	EventType models.EventType
	Priority  models.Priority
	Origin    models.JobOrigin
	Payload   models.FieldSet
}

// PlanCascade enqueues one job per member of the family, the originating entity included.
// An entity without a family gets a single job. Repeated cascades are never deduplicated:
// each job re-reads current values when processed.
func PlanCascade(ctx context.Context, store Store, req Request) ([]*models.SyncJob, error) {
	if req.FamilyID == "" {
		if req.EntityID == "" {
			return nil, ErrEmptyRequest
		}
		return PlanEntity(ctx, store, req)
	}

	members, err := store.ListFamilyMemberIDs(ctx, req.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("resolve family %s: %w", req.FamilyID, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	jobs := make([]*models.SyncJob, 0, len(members))
	for _, id := range members {
		jobs = append(jobs, newJob(id, req))
	}
	if err := store.CreateSyncJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("enqueue cascade for family %s: %w", req.FamilyID, err)
	}
	return jobs, nil
}

// PlanEntity enqueues a single job for req.EntityID.
func PlanEntity(ctx context.Context, store Store, req Request) ([]*models.SyncJob, error) {
	if req.EntityID == "" {
		return nil, ErrEmptyRequest
	}
	jobs := []*models.SyncJob{newJob(req.EntityID, req)}
	if err := store.CreateSyncJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("enqueue entity %s: %w", req.EntityID, err)
	}
	return jobs, nil
}

func newJob(entityID string, req Request) *models.SyncJob {
	eventType := req.EventType
	if eventType == "" {
		eventType = models.EventManualSync
	}
	origin := req.Origin
	if origin == "" {
		origin = models.OriginCascade
	}
	var payload models.FieldSet
	if len(req.Payload) > 0 {
		payload = req.Payload.Clone()
	}
	return &models.SyncJob{
		EntityID:  entityID,
		FamilyID:  req.FamilyID,
		EventType: eventType,
		Origin:    origin,
		Status:    models.JobPending,
		Priority:  req.Priority,
		Payload:   payload,
	}
}

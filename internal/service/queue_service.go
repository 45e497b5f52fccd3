package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"pricesync/internal/cascade"
	"pricesync/internal/domain"
	"pricesync/internal/export"
	"pricesync/internal/metrics"
	"pricesync/internal/models"
	"pricesync/internal/queue"
	"pricesync/internal/worker"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound       = domain.ErrNotFound
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnavailable is returned for processor controls when no processor runs in this process.
	ErrUnavailable = errors.New("processor not available")
)

// Store is the Source side used by operator actions.
type Store interface {
	cascade.Store
	domain.LinkStore
	GetItem(ctx context.Context, id string) (*models.Item, error)
	SetSkipSync(ctx context.Context, id string, skip bool) error
	ListWebhookAudits(ctx context.Context, entityID string, limit int) ([]*models.WebhookAudit, error)
}

// ProcessorControl is implemented by *worker.Processor.
type ProcessorControl interface {
	Pause()
	Resume(ctx context.Context)
	State() worker.State
}

// QueueService backs the HTTP API, the gRPC admin service and the CLI.
type QueueService struct {
	queue     *queue.Queue
	store     Store
	processor ProcessorControl
	stats     *metrics.Stats
	validate  *validator.Validate
	logger    zerolog.Logger
}

func NewQueueService(q *queue.Queue, store Store, processor ProcessorControl, stats *metrics.Stats, logger *zerolog.Logger) *QueueService {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "queue_service").Logger()
	}
	return &QueueService{
		queue:     q,
		store:     store,
		processor: processor,
		stats:     stats,
		validate:  validator.New(),
		logger:    l,
	}
}

type ListJobsRequest struct {
	Status   string `json:"status" validate:"omitempty,oneof=pending processing completed failed cancelled"`
	EntityID string `json:"entity_id" validate:"max=128"`
	FamilyID string `json:"family_id" validate:"max=128"`
	Limit    int    `json:"limit" validate:"gte=0,lte=1000"`
}

type EnqueueEntityRequest struct {
	EntityID string `json:"entity_id" validate:"required,max=128"`
	Priority string `json:"priority" validate:"omitempty,oneof=low normal high LOW NORMAL HIGH"`
}

type EnqueueFamilyRequest struct {
	FamilyID string `json:"family_id" validate:"required,max=128"`
	Priority string `json:"priority" validate:"omitempty,oneof=low normal high LOW NORMAL HIGH"`
}

type PurgeRequest struct {
	OlderThan string   `json:"older_than" validate:"required"`
	Statuses  []string `json:"statuses" validate:"dive,oneof=pending completed failed cancelled"`
}

type LinkRequest struct {
	SourceID string `json:"source_id" validate:"required,max=128"`
	RemoteID string `json:"remote_id" validate:"required,max=128"`
}

// Stats combines durable queue counts with process-local counters.
type Stats struct {
	Counts    map[models.JobStatus]int64 `json:"counts"`
	Total     int64                      `json:"total"`
	Process   metrics.StatsSnapshot      `json:"process"`
	Processor *worker.State              `json:"processor,omitempty"`
}

// Issues lists what needs an operator: jobs failed for non-transient reasons and items without a Remote link.
type Issues struct {
	FailedJobs    []*models.SyncJob `json:"failed_jobs"`
	UnlinkedItems []*models.Item    `json:"unlinked_items"`
}

type CountResult struct {
	Affected int64 `json:"affected"`
}

type ReclaimResult struct {
	Reclaimed int64 `json:"reclaimed"`
	Failed    int64 `json:"failed"`
}

func (s *QueueService) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, err.Error())
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (s *QueueService) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}
	out := &Stats{Counts: counts, Total: counts.Total(), Process: s.stats.Snapshot()}
	if s.processor != nil {
		st := s.processor.State()
		out.Processor = &st
	}
	return out, nil
}

func (s *QueueService) ListJobs(ctx context.Context, req ListJobsRequest) ([]*models.SyncJob, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	return s.queue.List(ctx, models.JobFilter{
		Status:   models.JobStatus(req.Status),
		EntityID: req.EntityID,
		FamilyID: req.FamilyID,
		Limit:    req.Limit,
	})
}

func (s *QueueService) GetJob(ctx context.Context, id int64) (*models.SyncJob, error) {
	if id <= 0 {
		return nil, invalid("job id must be positive")
	}
	return s.queue.Get(ctx, id)
}

func (s *QueueService) CancelJob(ctx context.Context, id int64) (*models.SyncJob, error) {
	if id <= 0 {
		return nil, invalid("job id must be positive")
	}
	if err := s.queue.Cancel(ctx, id); err != nil {
		return nil, err
	}
	s.logger.Info().Int64("job_id", id).Msg("job cancelled")
	return s.queue.Get(ctx, id)
}

// EnqueueEntity schedules a manual sync of one entity at HIGH priority unless told otherwise.
func (s *QueueService) EnqueueEntity(ctx context.Context, req EnqueueEntityRequest) ([]*models.SyncJob, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	priority, err := models.ParsePriority(req.Priority, cascade.ManualPriority)
	if err != nil {
		return nil, invalid("%v", err)
	}
	item, err := s.store.GetItem(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}
	jobs, err := cascade.PlanEntity(ctx, s.store, cascade.Request{
		EntityID:  item.ID,
		FamilyID:  item.FamilyID,
		EventType: models.EventManualSync,
		Priority:  priority,
		Origin:    models.OriginManual,
	})
	if err != nil {
		return nil, err
	}
	s.enqueued(ctx, jobs)
	return jobs, nil
}

// EnqueueFamily schedules a manual sync of every member of a family.
func (s *QueueService) EnqueueFamily(ctx context.Context, req EnqueueFamilyRequest) ([]*models.SyncJob, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	priority, err := models.ParsePriority(req.Priority, cascade.ManualPriority)
	if err != nil {
		return nil, invalid("%v", err)
	}
	jobs, err := cascade.PlanCascade(ctx, s.store, cascade.Request{
		FamilyID:  req.FamilyID,
		EventType: models.EventManualSync,
		Priority:  priority,
		Origin:    models.OriginManual,
	})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("family %s: %w", req.FamilyID, ErrNotFound)
	}
	s.enqueued(ctx, jobs)
	return jobs, nil
}

func (s *QueueService) enqueued(ctx context.Context, jobs []*models.SyncJob) {
	s.stats.JobsEnqueued(len(jobs))
	metrics.AddEnqueued(string(models.OriginManual), len(jobs))
	s.queue.Notify(ctx)
	s.logger.Info().Int("jobs", len(jobs)).Str("entity_id", jobs[0].EntityID).Str("family_id", jobs[0].FamilyID).Msg("manual sync enqueued")
}

// RetryFailed re-queues FAILED jobs whose error message contains pattern. An empty pattern matches all.
func (s *QueueService) RetryFailed(ctx context.Context, pattern string) (*CountResult, error) {
	n, err := s.queue.ResetFailed(ctx, strings.TrimSpace(pattern))
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("pattern", pattern).Int64("reset", n).Msg("failed jobs reset")
	return &CountResult{Affected: n}, nil
}

func (s *QueueService) Purge(ctx context.Context, req PurgeRequest) (*CountResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	age, err := ParseAge(req.OlderThan)
	if err != nil {
		return nil, err
	}
	statuses := make([]models.JobStatus, 0, len(req.Statuses))
	for _, st := range req.Statuses {
		statuses = append(statuses, models.JobStatus(st))
	}
	n, err := s.queue.Purge(ctx, age, statuses)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Dur("older_than", age).Int64("purged", n).Msg("jobs purged")
	return &CountResult{Affected: n}, nil
}

func (s *QueueService) Reclaim(ctx context.Context, olderThan string) (*ReclaimResult, error) {
	age, err := ParseAge(olderThan)
	if err != nil {
		return nil, err
	}
	reclaimed, failed, err := s.queue.ReclaimStuck(ctx, age)
	if err != nil {
		return nil, err
	}
	return &ReclaimResult{Reclaimed: reclaimed, Failed: failed}, nil
}

func (s *QueueService) Issues(ctx context.Context, limit int) (*Issues, error) {
	if limit < 0 || limit > models.MaxListLimit {
		return nil, invalid("limit must be between 0 and %d", models.MaxListLimit)
	}
	failed, err := s.queue.List(ctx, models.JobFilter{
		Status: models.JobFailed,
		Kinds:  []models.ErrorKind{models.ErrorKindUnmapped, models.ErrorKindRemoteRejected, models.ErrorKindInvalidData},
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	unlinked, err := s.store.ListUnlinkedItems(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &Issues{FailedJobs: failed, UnlinkedItems: unlinked}, nil
}

// SetLink points a Source entity at a Remote record.
func (s *QueueService) SetLink(ctx context.Context, req LinkRequest) (*models.EntityLink, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if _, err := s.store.GetItem(ctx, req.SourceID); err != nil {
		return nil, err
	}
	if err := s.store.UpsertEntityLink(ctx, &models.EntityLink{SourceID: req.SourceID, RemoteID: req.RemoteID}); err != nil {
		return nil, err
	}
	s.logger.Info().Str("entity_id", req.SourceID).Str("remote_id", req.RemoteID).Msg("entity link set")
	return s.store.GetEntityLink(ctx, req.SourceID)
}

// SetSkipSync toggles the business override that makes ingress skip an entity.
func (s *QueueService) SetSkipSync(ctx context.Context, entityID string, skip bool) error {
	if strings.TrimSpace(entityID) == "" {
		return invalid("entity id is required")
	}
	if err := s.store.SetSkipSync(ctx, entityID, skip); err != nil {
		return err
	}
	s.logger.Info().Str("entity_id", entityID).Bool("skip_sync", skip).Msg("skip flag changed")
	return nil
}

func (s *QueueService) Audits(ctx context.Context, entityID string, limit int) ([]*models.WebhookAudit, error) {
	if limit < 0 || limit > models.MaxListLimit {
		return nil, invalid("limit must be between 0 and %d", models.MaxListLimit)
	}
	return s.store.ListWebhookAudits(ctx, entityID, limit)
}

func (s *QueueService) DeadLetters(ctx context.Context, limit int64) ([]*models.SyncJob, error) {
	return s.queue.DeadLetters(ctx, limit)
}

// ExportJobs writes the filtered job listing as XLSX.
func (s *QueueService) ExportJobs(ctx context.Context, w io.Writer, req ListJobsRequest) error {
	if req.Limit == 0 {
		req.Limit = models.MaxListLimit
	}
	jobs, err := s.ListJobs(ctx, req)
	if err != nil {
		return err
	}
	return export.WriteJobs(w, jobs)
}

func (s *QueueService) Pause() error {
	if s.processor == nil {
		return ErrUnavailable
	}
	s.processor.Pause()
	return nil
}

func (s *QueueService) Resume(ctx context.Context) error {
	if s.processor == nil {
		return ErrUnavailable
	}
	s.processor.Resume(ctx)
	return nil
}

// ParseAge accepts Go durations plus a "d" suffix for days, e.g. "7d".
func ParseAge(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, invalid("age is required")
	}
	var d time.Duration
	var err error
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		var n int
		n, err = strconv.Atoi(days)
		d = time.Duration(n) * 24 * time.Hour
	} else {
		d, err = time.ParseDuration(raw)
	}
	if err != nil {
		return 0, invalid("age %q: %v", raw, err)
	}
	if d <= 0 {
		return 0, invalid("age must be positive")
	}
	return d, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pricesync/internal/domain"
	"pricesync/internal/metrics"
	"pricesync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const maxWakeTokens = 64

type Options struct {
	Store         domain.JobStore
	Policy        RetryPolicy
	Redis         *redis.Client
	NotifyKey     string
	DeadLetterKey string
	Logger        *zerolog.Logger
}

// Queue adds retry policy, wake-up signalling and dead-lettering on top of the durable job store.
// The store is the only source of truth; redis and the local channel are hints.
type Queue struct {
	store         domain.JobStore
	policy        RetryPolicy
	redis         *redis.Client
	notifyKey     string
	deadLetterKey string
	wake          chan struct{}
	now           func() time.Time
	logger        zerolog.Logger
}

func New(opts Options) *Queue {
	if opts.Policy.MaxRetries < 0 {
		opts.Policy.MaxRetries = 0
	}
	if opts.NotifyKey == "" {
		opts.NotifyKey = "pricesync:queue:notify"
	}
	if opts.DeadLetterKey == "" {
		opts.DeadLetterKey = "pricesync:queue:dead"
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "queue").Logger()
	}
	return &Queue{
		store:         opts.Store,
		policy:        opts.Policy,
		redis:         opts.Redis,
		notifyKey:     opts.NotifyKey,
		deadLetterKey: opts.DeadLetterKey,
		wake:          make(chan struct{}, 1),
		now:           time.Now,
		logger:        logger,
	}
}

func (q *Queue) Policy() RetryPolicy { return q.policy }

// Enqueue persists jobs and wakes the processor.
func (q *Queue) Enqueue(ctx context.Context, jobs []*models.SyncJob) error {
	if len(jobs) == 0 {
		return nil
	}
	if err := q.store.CreateSyncJobs(ctx, jobs); err != nil {
		return fmt.Errorf("persist sync jobs: %w", err)
	}
	q.Notify(ctx)
	return nil
}

// Notify signals that work may be available. It never blocks.
func (q *Queue) Notify(ctx context.Context) {
	select {
	case q.wake <- struct{}{}:
	default:
	}
	if q.redis == nil {
		return
	}
	pipe := q.redis.TxPipeline()
	pipe.LPush(ctx, q.notifyKey, q.now().UnixNano())
	pipe.LTrim(ctx, q.notifyKey, 0, maxWakeTokens-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("redis notify failed, relying on polling")
	}
}

// Wait blocks until a notification arrives, d elapses or ctx is done.
// It reports whether a notification was received.
func (q *Queue) Wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-q.wake:
		return true
	default:
	}

	if q.redis != nil {
		res, err := q.redis.BRPop(ctx, d, q.notifyKey).Result()
		switch {
		case err == nil && len(res) == 2:
			return true
		case err == nil, errors.Is(err, redis.Nil):
			return false
		case ctx.Err() != nil:
			return false
		default:
			q.logger.Warn().Err(err).Msg("redis BRPOP failed, falling back to local wait")
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-q.wake:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*models.SyncJob, error) {
	return q.store.ClaimNextSyncJob(ctx, workerID)
}

// Complete stores the Remote result summary on the job claimed by workerID.
func (q *Queue) Complete(ctx context.Context, job *models.SyncJob, workerID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result of job %d: %w", job.ID, err)
	}
	return q.store.CompleteSyncJob(ctx, job.ID, workerID, string(raw))
}

// Fail records a failed attempt scheduled by the retry policy and returns the resulting
// status. Jobs that end FAILED are pushed to the dead letter list.
func (q *Queue) Fail(ctx context.Context, job *models.SyncJob, workerID string, f Failure) (models.JobStatus, error) {
	failure := q.policy.Schedule(job, f, q.now())
	status, err := q.store.FailSyncJob(ctx, job.ID, workerID, failure)
	if err != nil {
		return "", err
	}
	if status == models.JobFailed {
		msg := failure.Message
		job.Status = models.JobFailed
		job.ErrorMessage = &msg
		job.ErrorKind = failure.Kind
		q.pushDeadLetter(ctx, job)
	}
	return status, nil
}

// Release puts a claimed job back without consuming a retry.
func (q *Queue) Release(ctx context.Context, job *models.SyncJob, workerID string, delay time.Duration) error {
	return q.store.ReleaseSyncJob(ctx, job.ID, workerID, q.now().Add(delay))
}

func (q *Queue) Cancel(ctx context.Context, id int64) error {
	return q.store.CancelSyncJob(ctx, id)
}

// ResetFailed re-queues FAILED jobs whose error contains pattern.
func (q *Queue) ResetFailed(ctx context.Context, pattern string) (int64, error) {
	n, err := q.store.ResetFailedSyncJobs(ctx, pattern)
	if err == nil && n > 0 {
		q.Notify(ctx)
	}
	return n, err
}

// Purge deletes stale jobs last touched more than olderThan ago.
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration, statuses []models.JobStatus) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("purge age must be positive")
	}
	return q.store.PurgeSyncJobs(ctx, q.now().Add(-olderThan), statuses)
}

// ReclaimStuck returns jobs PROCESSING for longer than olderThan to PENDING.
func (q *Queue) ReclaimStuck(ctx context.Context, olderThan time.Duration) (reclaimed, failed int64, err error) {
	if olderThan <= 0 {
		return 0, 0, fmt.Errorf("reclaim age must be positive")
	}
	now := q.now()
	reclaimed, failed, err = q.store.ReclaimStuckSyncJobs(ctx, now.Add(-olderThan), q.policy.MaxRetries, now)
	if err != nil {
		return 0, 0, err
	}
	if reclaimed > 0 {
		q.Notify(ctx)
	}
	if reclaimed+failed > 0 {
		q.logger.Warn().Int64("reclaimed", reclaimed).Int64("failed", failed).Msg("reclaimed stuck jobs")
	}
	return reclaimed, failed, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*models.SyncJob, error) {
	return q.store.GetSyncJob(ctx, id)
}

func (q *Queue) List(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error) {
	return q.store.ListSyncJobs(ctx, filter)
}

// Counts returns durable counts per status and refreshes the depth gauges.
func (q *Queue) Counts(ctx context.Context) (models.QueueCounts, error) {
	counts, err := q.store.CountSyncJobs(ctx)
	if err != nil {
		return nil, err
	}
	for st, n := range counts {
		metrics.SetQueueDepth(string(st), n)
	}
	return counts, nil
}

func (q *Queue) pushDeadLetter(ctx context.Context, job *models.SyncJob) {
	if q.redis == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		q.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("encode dead letter")
		return
	}
	if err := q.redis.LPush(ctx, q.deadLetterKey, data).Err(); err != nil {
		q.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("dead letter push failed")
	}
}

// DeadLetters returns the most recent permanently failed jobs recorded in redis.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*models.SyncJob, error) {
	if q.redis == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	raw, err := q.redis.LRange(ctx, q.deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	out := make([]*models.SyncJob, 0, len(raw))
	for _, item := range raw {
		var job models.SyncJob
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			q.logger.Warn().Err(err).Msg("decode dead letter")
			continue
		}
		out = append(out, &job)
	}
	return out, nil
}

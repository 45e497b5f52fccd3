package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pricesync/internal/domain"
	"pricesync/internal/models"
)

const jobColumns = `id, entity_id, family_id, event_type, origin, status, priority, retry_count,
    error_message, error_kind, payload, processing_result, claimed_by,
    created_at, updated_at, claimed_at, next_retry_at, finished_at`

const stuckMessage = "processing exceeded the stuck threshold"

func scanJob(row rowScanner) (*models.SyncJob, error) {
	var (
		job        models.SyncJob
		payload    string
		errMsg     sql.NullString
		result     sql.NullString
		claimedBy  sql.NullString
		claimedAt  sql.NullTime
		nextRetry  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID, &job.EntityID, &job.FamilyID, &job.EventType, &job.Origin, &job.Status, &job.Priority, &job.RetryCount,
		&errMsg, &job.ErrorKind, &payload, &result, &claimedBy,
		&job.CreatedAt, &job.UpdatedAt, &claimedAt, &nextRetry, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of job %d: %w", job.ID, err)
		}
	}
	job.ErrorMessage = nullString(errMsg)
	job.ProcessingResult = nullString(result)
	job.ClaimedBy = nullString(claimedBy)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.ClaimedAt = nullTime(claimedAt)
	job.NextRetryAt = nullTime(nextRetry)
	job.FinishedAt = nullTime(finishedAt)
	return &job, nil
}

// CreateSyncJobs inserts jobs as PENDING and assigns their ids.
func (q queries) CreateSyncJobs(ctx context.Context, jobs []*models.SyncJob) error {
	now := q.utcNow()
	query := `INSERT INTO sync_jobs (entity_id, family_id, event_type, origin, status, priority, retry_count, error_kind, payload, created_at, updated_at)
              VALUES (?, ?, ?, ?, 'pending', ?, 0, '', ?, ?, ?)`
	for _, job := range jobs {
		if job.EntityID == "" {
			return fmt.Errorf("sync job without entity id")
		}
		payload := []byte("{}")
		if len(job.Payload) > 0 {
			var err error
			if payload, err = json.Marshal(job.Payload); err != nil {
				return fmt.Errorf("encode payload for %s: %w", job.EntityID, err)
			}
		}
		result, err := q.q.ExecContext(ctx, query,
			job.EntityID, job.FamilyID, job.EventType, job.Origin, job.Priority, string(payload), now, now)
		if err != nil {
			return fmt.Errorf("failed to create sync job: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		job.ID = id
		job.Status = models.JobPending
		job.RetryCount = 0
		job.CreatedAt = now
		job.UpdatedAt = now
	}
	return nil
}

// CreateSyncJobs on DB inserts all jobs atomically.
func (db *DB) CreateSyncJobs(ctx context.Context, jobs []*models.SyncJob) error {
	if len(jobs) == 0 {
		return nil
	}
	return db.RunInTx(ctx, func(tx domain.SourceTx) error {
		return tx.CreateSyncJobs(ctx, jobs)
	})
}

// ClaimNextSyncJob atomically moves the best eligible PENDING job to PROCESSING.
// Returns nil, nil when nothing is eligible.
func (db *DB) ClaimNextSyncJob(ctx context.Context, workerID string) (*models.SyncJob, error) {
	now := db.utcNow()
	query := `
        UPDATE sync_jobs
        SET status = 'processing', claimed_by = ?, claimed_at = ?, updated_at = ?, next_retry_at = NULL
        WHERE id = (
            SELECT id FROM sync_jobs
            WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
            ORDER BY priority DESC, created_at ASC, id ASC
            LIMIT 1
        ) AND status = 'pending'
        RETURNING ` + jobColumns

	job, err := scanJob(db.QueryRowContext(ctx, query, workerID, now, now, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim sync job: %w", err)
	}
	return job, nil
}

// CompleteSyncJob marks a PROCESSING job COMPLETED with a result summary.
// Only the worker holding the claim may settle a job; a stale owner gets ErrJobNotProcessing.
func (db *DB) CompleteSyncJob(ctx context.Context, id int64, workerID, result string) error {
	now := db.utcNow()
	res, err := db.ExecContext(ctx, `
        UPDATE sync_jobs
        SET status = 'completed', processing_result = ?, error_message = NULL, error_kind = '',
            finished_at = ?, updated_at = ?
        WHERE id = ? AND status = 'processing' AND claimed_by = ?`,
		result, now, now, id, workerID)
	if err != nil {
		return fmt.Errorf("failed to complete sync job %d: %w", id, err)
	}
	return db.expectTransition(ctx, res, id, ErrJobNotProcessing)
}

// FailSyncJob records a failed attempt. A retryable failure below the retry limit
// goes back to PENDING with retry_count+1; anything else becomes FAILED.
// Returns the resulting status.
func (db *DB) FailSyncJob(ctx context.Context, id int64, workerID string, f models.JobFailure) (models.JobStatus, error) {
	now := db.utcNow()
	var nextRetry any
	if f.Retryable {
		nextRetry = f.NextRetryAt.UTC()
	}
	// SET expressions all see the pre-update row.
	query := `
        UPDATE sync_jobs
        SET status = CASE WHEN ? AND retry_count < ? THEN 'pending' ELSE 'failed' END,
            retry_count = CASE WHEN ? AND retry_count < ? THEN retry_count + 1 ELSE retry_count END,
            next_retry_at = CASE WHEN ? AND retry_count < ? THEN ? ELSE NULL END,
            finished_at = CASE WHEN ? AND retry_count < ? THEN NULL ELSE ? END,
            error_message = ?, error_kind = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
        WHERE id = ? AND status = 'processing' AND claimed_by = ?
        RETURNING status`

	var status models.JobStatus
	err := db.QueryRowContext(ctx, query,
		f.Retryable, f.MaxRetries,
		f.Retryable, f.MaxRetries,
		f.Retryable, f.MaxRetries, nextRetry,
		f.Retryable, f.MaxRetries, now,
		f.Message, f.Kind, now, id, workerID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := db.GetSyncJob(ctx, id); getErr != nil {
			return "", getErr
		}
		return "", fmt.Errorf("sync job %d: %w", id, ErrJobNotProcessing)
	}
	if err != nil {
		return "", fmt.Errorf("failed to fail sync job %d: %w", id, err)
	}
	return status, nil
}

// ReleaseSyncJob returns a PROCESSING job to PENDING without consuming a retry.
func (db *DB) ReleaseSyncJob(ctx context.Context, id int64, workerID string, notBefore time.Time) error {
	now := db.utcNow()
	res, err := db.ExecContext(ctx, `
        UPDATE sync_jobs
        SET status = 'pending', claimed_by = NULL, claimed_at = NULL, next_retry_at = ?, updated_at = ?
        WHERE id = ? AND status = 'processing' AND claimed_by = ?`,
		notBefore.UTC(), now, id, workerID)
	if err != nil {
		return fmt.Errorf("failed to release sync job %d: %w", id, err)
	}
	return db.expectTransition(ctx, res, id, ErrJobNotProcessing)
}

// CancelSyncJob cancels a PENDING job. Claimed jobs run to completion.
func (db *DB) CancelSyncJob(ctx context.Context, id int64) error {
	now := db.utcNow()
	res, err := db.ExecContext(ctx, `
        UPDATE sync_jobs
        SET status = 'cancelled', finished_at = ?, updated_at = ?, next_retry_at = NULL
        WHERE id = ? AND status = 'pending'`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("failed to cancel sync job %d: %w", id, err)
	}
	return db.expectTransition(ctx, res, id, ErrJobNotPending)
}

func (db *DB) expectTransition(ctx context.Context, res sql.Result, id int64, wrongState error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := db.GetSyncJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("sync job %d: %w", id, wrongState)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ResetFailedSyncJobs moves FAILED jobs whose error message contains pattern back to PENDING
// with a fresh retry budget. An empty pattern matches every FAILED job.
func (db *DB) ResetFailedSyncJobs(ctx context.Context, pattern string) (int64, error) {
	now := db.utcNow()
	query := `
        UPDATE sync_jobs
        SET status = 'pending', retry_count = 0, error_message = NULL, error_kind = '',
            next_retry_at = NULL, finished_at = NULL, updated_at = ?
        WHERE status = 'failed'`
	args := []any{now}
	if pattern != "" {
		query += ` AND error_message LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(pattern)+"%")
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// PurgeSyncJobs deletes jobs in the given statuses not touched since olderThan.
// Defaults to PENDING and FAILED. PROCESSING jobs are never purged.
func (db *DB) PurgeSyncJobs(ctx context.Context, olderThan time.Time, statuses []models.JobStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []models.JobStatus{models.JobPending, models.JobFailed}
	}
	placeholders := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		if !st.Valid() || st == models.JobProcessing {
			return 0, fmt.Errorf("cannot purge jobs in status %q", st)
		}
		placeholders = append(placeholders, "?")
		args = append(args, string(st))
	}
	args = append(args, olderThan.UTC())

	query := `DELETE FROM sync_jobs WHERE status IN (` + strings.Join(placeholders, ", ") + `) AND updated_at < ?`
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sync jobs: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStuckSyncJobs returns PROCESSING jobs claimed before olderThan to PENDING,
// counting the lost attempt as a retry. Jobs out of retries become FAILED.
func (db *DB) ReclaimStuckSyncJobs(ctx context.Context, olderThan time.Time, maxRetries int, notBefore time.Time) (reclaimed, failed int64, err error) {
	err = db.RunInTx(ctx, func(tx domain.SourceTx) error {
		q := tx.(*Tx).q
		now := db.utcNow()

		res, err := q.ExecContext(ctx, `
            UPDATE sync_jobs
            SET status = 'failed', error_message = ?, error_kind = ?, claimed_by = NULL, claimed_at = NULL,
                finished_at = ?, updated_at = ?
            WHERE status = 'processing' AND claimed_at < ? AND retry_count >= ?`,
			stuckMessage, models.ErrorKindStuck, now, now, olderThan.UTC(), maxRetries)
		if err != nil {
			return err
		}
		if failed, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = q.ExecContext(ctx, `
            UPDATE sync_jobs
            SET status = 'pending', retry_count = retry_count + 1, error_message = ?, error_kind = ?,
                claimed_by = NULL, claimed_at = NULL, next_retry_at = ?, updated_at = ?
            WHERE status = 'processing' AND claimed_at < ?`,
			stuckMessage, models.ErrorKindStuck, notBefore.UTC(), now, olderThan.UTC())
		if err != nil {
			return err
		}
		reclaimed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to reclaim stuck jobs: %w", err)
	}
	return reclaimed, failed, nil
}

// GetSyncJob returns ErrNotFound for unknown ids.
func (db *DB) GetSyncJob(ctx context.Context, id int64) (*models.SyncJob, error) {
	job, err := scanJob(db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job %d: %w", id, err)
	}
	return job, nil
}

// ListSyncJobs returns jobs matching the filter, newest first.
func (db *DB) ListSyncJobs(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.FamilyID != "" {
		where = append(where, "family_id = ?")
		args = append(args, filter.FamilyID)
	}
	if len(filter.Kinds) > 0 {
		ph := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			ph[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "error_kind IN ("+strings.Join(ph, ", ")+")")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	if limit > models.MaxListLimit {
		limit = models.MaxListLimit
	}

	query := `SELECT ` + jobColumns + ` FROM sync_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountSyncJobs returns the number of jobs per status, including zeros.
func (db *DB) CountSyncJobs(ctx context.Context) (models.QueueCounts, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	defer rows.Close()

	counts := make(models.QueueCounts, len(models.AllJobStatuses))
	for _, st := range models.AllJobStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st models.JobStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

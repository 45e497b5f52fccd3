package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pricesync/internal/database"
	"pricesync/internal/domain"
	"pricesync/internal/events"
	"pricesync/internal/fieldmap"
	"pricesync/internal/metrics"
	"pricesync/internal/models"
	"pricesync/internal/queue"
	"pricesync/internal/remote"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const transitionTimeout = 5 * time.Second

// Store is what the processor reads from the Source side.
type Store interface {
	GetItem(ctx context.Context, id string) (*models.Item, error)
	GetEntityLink(ctx context.Context, sourceID string) (*models.EntityLink, error)
}

type Options struct {
	Queue    *queue.Queue
	Store    Store
	Remote   domain.RemoteAdapter
	Mapper   *fieldmap.Mapper
	Locker   domain.EntityLocker
	Events   domain.EventPublisher
	Notifier domain.FailureNotifier
	Stats    *metrics.Stats
	Logger   *zerolog.Logger

	Workers       int
	PollInterval  time.Duration
	LockWait      time.Duration
	ReleaseDelay  time.Duration
	StuckAfter    time.Duration
	SweepInterval time.Duration
}

// State is a point-in-time view of the processor for operators.
type State struct {
	Workers int  `json:"workers"`
	Running bool `json:"running"`
	Paused  bool `json:"paused"`
	Active  int  `json:"active"`
}

// Processor drains the sync queue and pushes entity state to Remote.
// At most one job per entity is in flight at a time, across all workers holding the same locker.
type Processor struct {
	queue    *queue.Queue
	store    Store
	remote   domain.RemoteAdapter
	mapper   *fieldmap.Mapper
	locker   domain.EntityLocker
	events   domain.EventPublisher
	notifier domain.FailureNotifier
	stats    *metrics.Stats
	logger   zerolog.Logger

	workers       int
	pollInterval  time.Duration
	lockWait      time.Duration
	releaseDelay  time.Duration
	stuckAfter    time.Duration
	sweepInterval time.Duration
	instance      string

	paused  atomic.Bool
	running atomic.Bool
	active  atomic.Int32
}

// jobError is a classified processing failure.
type jobError struct {
	kind       models.ErrorKind
	retryable  bool
	retryAfter time.Duration
	err        error
}

func (e *jobError) Error() string { return e.err.Error() }
func (e *jobError) Unwrap() error { return e.err }

func permanent(kind models.ErrorKind, err error) *jobError {
	return &jobError{kind: kind, err: err}
}

func transient(err error) *jobError {
	return &jobError{kind: models.ErrorKindTransient, retryable: true, retryAfter: remote.RetryAfter(err), err: err}
}

func New(opts Options) (*Processor, error) {
	switch {
	case opts.Queue == nil:
		return nil, errors.New("processor: queue is required")
	case opts.Store == nil:
		return nil, errors.New("processor: store is required")
	case opts.Remote == nil:
		return nil, errors.New("processor: remote adapter is required")
	case opts.Mapper == nil:
		return nil, errors.New("processor: field mapper is required")
	case opts.Locker == nil:
		return nil, errors.New("processor: entity locker is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = models.DefaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = models.DefaultPollInterval
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	if opts.ReleaseDelay < 0 {
		opts.ReleaseDelay = 0
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = models.DefaultStuckAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "processor").Logger()
	}

	return &Processor{
		queue:         opts.Queue,
		store:         opts.Store,
		remote:        opts.Remote,
		mapper:        opts.Mapper,
		locker:        opts.Locker,
		events:        opts.Events,
		notifier:      opts.Notifier,
		stats:         opts.Stats,
		logger:        logger,
		workers:       opts.Workers,
		pollInterval:  opts.PollInterval,
		lockWait:      opts.LockWait,
		releaseDelay:  opts.ReleaseDelay,
		stuckAfter:    opts.StuckAfter,
		sweepInterval: opts.SweepInterval,
		instance:      uuid.NewString()[:8],
	}, nil
}

// Run starts the workers and the stuck-job sweeper and blocks until ctx is done
// and every in-flight job has been settled.
func (p *Processor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("processor already running")
	}
	defer p.running.Store(false)

	p.logger.Info().Int("workers", p.workers).Str("instance", p.instance).Msg("processor started")
	defer p.logger.Info().Msg("processor stopped")

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.loop(ctx, id)
		}(fmt.Sprintf("%s-%d", p.instance, i+1))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx)
	}()

	wg.Wait()
	return nil
}

func (p *Processor) Pause() {
	if !p.paused.Swap(true) {
		p.logger.Info().Msg("processor paused")
	}
}

func (p *Processor) Resume(ctx context.Context) {
	if p.paused.Swap(false) {
		p.logger.Info().Msg("processor resumed")
		p.queue.Notify(ctx)
	}
}

func (p *Processor) Paused() bool { return p.paused.Load() }

func (p *Processor) State() State {
	return State{
		Workers: p.workers,
		Running: p.running.Load(),
		Paused:  p.paused.Load(),
		Active:  int(p.active.Load()),
	}
}

func (p *Processor) loop(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		if p.paused.Load() {
			sleep(ctx, p.pollInterval)
			continue
		}

		processed, err := p.ProcessNext(ctx, workerID)
		if err != nil {
			p.logger.Error().Err(err).Str("worker_id", workerID).Msg("claim failed")
			sleep(ctx, p.pollInterval)
			continue
		}
		if processed {
			continue
		}
		p.queue.Wait(ctx, p.pollInterval)
	}
}

// ProcessNext claims and settles one job. It reports false when nothing was eligible.
func (p *Processor) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.ClaimNext(ctx, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.active.Add(1)
	defer p.active.Add(-1)

	p.process(ctx, workerID, job)
	return true, nil
}

func (p *Processor) process(ctx context.Context, workerID string, job *models.SyncJob) {
	start := time.Now()
	log := p.logger.With().Int64("job_id", job.ID).Str("entity_id", job.EntityID).Str("worker_id", workerID).Logger()

	lockCtx, cancel := context.WithTimeout(ctx, p.lockWait)
	unlock, err := p.locker.Acquire(lockCtx, job.EntityID)
	cancel()
	if err != nil {
		delay := p.releaseDelay
		if ctx.Err() != nil {
			delay = 0
		} else if !errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Msg("entity lock unavailable")
		}
		p.release(ctx, job, workerID, delay, start, log)
		return
	}
	defer unlock()

	result, jerr := p.sync(ctx, job)
	switch {
	case jerr == nil:
		p.complete(ctx, job, workerID, result, start, log)
	case ctx.Err() != nil && errors.Is(jerr, context.Canceled):
		// shutdown interrupted the attempt; it does not count as a retry
		p.release(ctx, job, workerID, 0, start, log)
	default:
		p.fail(ctx, job, workerID, jerr, start, log)
	}
}

// sync pushes the entity's current state to Remote over the programmatic channel only.
func (p *Processor) sync(ctx context.Context, job *models.SyncJob) (*models.RemoteResult, *jobError) {
	link, err := p.store.GetEntityLink(ctx, job.EntityID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, permanent(models.ErrorKindUnmapped, fmt.Errorf("no remote record linked to entity %s", job.EntityID))
	}
	if err != nil {
		return nil, transient(err)
	}

	item, err := p.store.GetItem(ctx, job.EntityID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, permanent(models.ErrorKindInvalidData, fmt.Errorf("entity %s no longer exists", job.EntityID))
	}
	if err != nil {
		return nil, transient(err)
	}

	payload, err := p.mapper.ToRemote(item.Fields)
	if err != nil {
		return nil, permanent(models.ErrorKindInvalidData, err)
	}
	if len(payload) == 0 {
		return &models.RemoteResult{RemoteID: link.RemoteID, Channel: models.UpdateChannelProgrammatic.String()}, nil
	}

	result, err := p.remote.UpdateRecord(ctx, link.RemoteID, payload, models.UpdateChannelProgrammatic)
	if err != nil {
		if remote.IsTransient(err) {
			return nil, transient(err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, &jobError{kind: models.ErrorKindTransient, retryable: true, err: err}
		}
		return nil, permanent(models.ErrorKindRemoteRejected, err)
	}
	return result, nil
}

// settleCtx outlives shutdown so claimed jobs are never left PROCESSING.
func settleCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), transitionTimeout)
}

// settleError logs a failed transition. A reclaimed job now belongs to another worker.
func settleError(log zerolog.Logger, err error, msg string) {
	if errors.Is(err, database.ErrJobNotProcessing) {
		log.Warn().Err(err).Msg(msg + ": claim lost")
		return
	}
	log.Error().Err(err).Msg(msg)
}

func (p *Processor) complete(ctx context.Context, job *models.SyncJob, workerID string, result *models.RemoteResult, start time.Time, log zerolog.Logger) {
	sctx, cancel := settleCtx(ctx)
	defer cancel()

	if err := p.queue.Complete(sctx, job, workerID, result); err != nil {
		settleError(log, err, "mark completed")
		return
	}
	job.Status = models.JobCompleted
	p.stats.JobCompleted()
	metrics.ObserveJob("completed", time.Since(start))
	p.publish(events.EventJobCompleted, job, workerID, nil)
	log.Debug().Str("remote_id", result.RemoteID).Dur("took", time.Since(start)).Msg("job completed")
}

func (p *Processor) fail(ctx context.Context, job *models.SyncJob, workerID string, jerr *jobError, start time.Time, log zerolog.Logger) {
	sctx, cancel := settleCtx(ctx)
	defer cancel()

	status, err := p.queue.Fail(sctx, job, workerID, queue.Failure{
		Cause:      jerr.err,
		Kind:       jerr.kind,
		Retryable:  jerr.retryable,
		RetryAfter: jerr.retryAfter,
	})
	if err != nil {
		settleError(log.With().AnErr("cause", jerr.err).Logger(), err, "record failure")
		return
	}
	job.Status = status
	job.ErrorKind = jerr.kind

	if status == models.JobPending {
		job.RetryCount++
		p.stats.JobRetried()
		metrics.ObserveJob("retry", time.Since(start))
		p.publish(events.EventJobRetry, job, workerID, jerr.err)
		log.Warn().Err(jerr.err).Str("kind", string(jerr.kind)).Int("retry", job.RetryCount).Msg("job will be retried")
		return
	}

	p.stats.JobFailed()
	metrics.ObserveJob("failed", time.Since(start))
	p.publish(events.EventJobFailed, job, workerID, jerr.err)
	log.Error().Err(jerr.err).Str("kind", string(jerr.kind)).Int("retries", job.RetryCount).Msg("job failed")

	if p.notifier != nil {
		if err := p.notifier.NotifyJobFailed(sctx, job, jerr.err.Error()); err != nil {
			log.Warn().Err(err).Msg("failure notification")
		}
	}
}

func (p *Processor) release(ctx context.Context, job *models.SyncJob, workerID string, delay time.Duration, start time.Time, log zerolog.Logger) {
	sctx, cancel := settleCtx(ctx)
	defer cancel()

	if err := p.queue.Release(sctx, job, workerID, delay); err != nil {
		settleError(log, err, "release job")
		return
	}
	job.Status = models.JobPending
	p.stats.JobReleased()
	metrics.ObserveJob("released", time.Since(start))
	p.publish(events.EventJobReleased, job, workerID, nil)
	log.Debug().Dur("delay", delay).Msg("job released")
}

func (p *Processor) publish(eventType string, job *models.SyncJob, workerID string, cause error) {
	if p.events == nil {
		return
	}
	payload := events.JobEventPayload{
		JobID:      job.ID,
		EntityID:   job.EntityID,
		FamilyID:   job.FamilyID,
		EventType:  string(job.EventType),
		Status:     string(job.Status),
		RetryCount: job.RetryCount,
		ErrorKind:  string(job.ErrorKind),
		WorkerID:   workerID,
		At:         time.Now().UTC(),
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	if err := p.events.PublishJSON(eventType, payload); err != nil {
		p.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}

func (p *Processor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep reclaims stuck jobs and refreshes queue depth gauges.
func (p *Processor) Sweep(ctx context.Context) {
	if _, _, err := p.queue.ReclaimStuck(ctx, p.stuckAfter); err != nil && ctx.Err() == nil {
		p.logger.Error().Err(err).Msg("reclaim stuck jobs")
	}
	if _, err := p.queue.Counts(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Msg("refresh queue depth")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package queue

import (
	"math"
	"time"

	"pricesync/internal/models"
)

const (
	defaultInitialDelay = time.Second
	defaultFactor       = 2.0
)

// RetryPolicy schedules failed sync jobs with exponential backoff.
// MaxRetries is the number of retries after the first attempt.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// Failure is what the processor learned from one failed attempt.
type Failure struct {
	Cause     error
	Kind      models.ErrorKind
	Retryable bool
	// RetryAfter is the Remote's own hint, zero when it gave none.
	RetryAfter time.Duration
}

// Backoff returns the wait before retry n (1-based).
func (r RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	initial, factor := r.InitialDelay, r.BackoffFactor
	if initial <= 0 {
		initial = defaultInitialDelay
	}
	if factor <= 0 {
		factor = defaultFactor
	}

	raw := float64(initial) * math.Pow(factor, float64(n-1))
	d := time.Duration(math.MaxInt64)
	if raw < float64(math.MaxInt64) {
		d = time.Duration(raw)
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

// Schedule turns a failed attempt of job into the stored failure record. The next
// attempt waits for the backoff of the upcoming retry, or for the Remote's hint when
// that is longer. The store still enforces the budget atomically against retry_count.
func (r RetryPolicy) Schedule(job *models.SyncJob, f Failure, now time.Time) models.JobFailure {
	delay := r.Backoff(job.RetryCount + 1)
	if f.RetryAfter > delay {
		delay = f.RetryAfter
	}
	msg := "unknown error"
	if f.Cause != nil {
		msg = f.Cause.Error()
	}
	return models.JobFailure{
		Message:     msg,
		Kind:        f.Kind,
		Retryable:   f.Retryable,
		MaxRetries:  r.MaxRetries,
		NextRetryAt: now.Add(delay),
	}
}

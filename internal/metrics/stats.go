package metrics

import (
	"sync/atomic"
	"time"
)

// Stats holds process-local counters for the stats endpoint.
// Values reset on restart and are never used for control flow.
type Stats struct {
	startedAt time.Time

	webhooksReceived atomic.Int64
	webhooksApplied  atomic.Int64
	webhooksSkipped  atomic.Int64
	webhooksRejected atomic.Int64

	jobsEnqueued  atomic.Int64
	jobsCompleted atomic.Int64
	jobsRetried   atomic.Int64
	jobsFailed    atomic.Int64
	jobsReleased  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	StartedAt        time.Time `json:"started_at"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	WebhooksReceived int64     `json:"webhooks_received"`
	WebhooksApplied  int64     `json:"webhooks_applied"`
	WebhooksSkipped  int64     `json:"webhooks_skipped"`
	WebhooksRejected int64     `json:"webhooks_rejected"`
	JobsEnqueued     int64     `json:"jobs_enqueued"`
	JobsCompleted    int64     `json:"jobs_completed"`
	JobsRetried      int64     `json:"jobs_retried"`
	JobsFailed       int64     `json:"jobs_failed"`
	JobsReleased     int64     `json:"jobs_released"`
}

func NewStats() *Stats {
	return &Stats{startedAt: time.Now().UTC()}
}

// The recorders below accept a nil receiver so components can run without stats.

func (s *Stats) WebhookReceived() {
	if s != nil {
		s.webhooksReceived.Add(1)
	}
}

func (s *Stats) WebhookApplied() {
	if s != nil {
		s.webhooksApplied.Add(1)
	}
}

func (s *Stats) WebhookSkipped() {
	if s != nil {
		s.webhooksSkipped.Add(1)
	}
}

func (s *Stats) WebhookRejected() {
	if s != nil {
		s.webhooksRejected.Add(1)
	}
}

func (s *Stats) JobsEnqueued(n int) {
	if s != nil {
		s.jobsEnqueued.Add(int64(n))
	}
}

func (s *Stats) JobCompleted() {
	if s != nil {
		s.jobsCompleted.Add(1)
	}
}

func (s *Stats) JobRetried() {
	if s != nil {
		s.jobsRetried.Add(1)
	}
}

func (s *Stats) JobFailed() {
	if s != nil {
		s.jobsFailed.Add(1)
	}
}

func (s *Stats) JobReleased() {
	if s != nil {
		s.jobsReleased.Add(1)
	}
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		StartedAt:        s.startedAt,
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		WebhooksReceived: s.webhooksReceived.Load(),
		WebhooksApplied:  s.webhooksApplied.Load(),
		WebhooksSkipped:  s.webhooksSkipped.Load(),
		WebhooksRejected: s.webhooksRejected.Load(),
		JobsEnqueued:     s.jobsEnqueued.Load(),
		JobsCompleted:    s.jobsCompleted.Load(),
		JobsRetried:      s.jobsRetried.Load(),
		JobsFailed:       s.jobsFailed.Load(),
		JobsReleased:     s.jobsReleased.Load(),
	}
}

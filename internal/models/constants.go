package models

import "time"

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// AllJobStatuses lists statuses in lifecycle order.
var AllJobStatuses = []JobStatus{JobPending, JobProcessing, JobCompleted, JobFailed, JobCancelled}

// IsTerminal reports whether no processor transition leaves this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

func (s JobStatus) Valid() bool {
	for _, st := range AllJobStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// EventType names the change that produced a job.
type EventType string

const (
	EventPricingUpdated EventType = "pricing.updated"
	EventCostUpdated    EventType = "cost.updated"
	EventManualSync     EventType = "manual.sync"
)

// Webhook event types as sent by the Remote system.
const (
	WebhookItemPricingUpdated = "item.pricing.updated"
	WebhookItemCostUpdated    = "item.cost.updated"
)

// WebhookEventTypes maps accepted inbound event types to job event types.
var WebhookEventTypes = map[string]EventType{
	WebhookItemPricingUpdated: EventPricingUpdated,
	WebhookItemCostUpdated:    EventCostUpdated,
}

// JobOrigin records what created a job.
type JobOrigin string

const (
	OriginCascade JobOrigin = "cascade"
	OriginManual  JobOrigin = "manual"
)

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindUnmapped       ErrorKind = "unmapped"
	ErrorKindRemoteRejected ErrorKind = "remote_rejected"
	ErrorKindTransient      ErrorKind = "transient"
	ErrorKindInvalidData    ErrorKind = "invalid_data"
	ErrorKindStuck          ErrorKind = "stuck"
)

// NeedsOperator reports whether the failure requires a data or mapping fix.
func (k ErrorKind) NeedsOperator() bool {
	return k == ErrorKindUnmapped || k == ErrorKindRemoteRejected || k == ErrorKindInvalidData
}

// Webhook results.
const (
	WebhookResultUpdated = "updated"
	WebhookResultSkipped = "skipped"
)

// Loop guard reasons.
const (
	SkipReasonEventFlag          = "skip flag set on event"
	SkipReasonEntityFlag         = "skip flag set on entity"
	SkipReasonProgrammaticOrigin = "event originated from programmatic update"
	SkipReasonNoFields           = "no recognized fields"
)

const (
	// DefaultMaxRetries is how many times a transient failure is retried.
	DefaultMaxRetries = 5

	// DefaultWorkers is the number of concurrent queue workers.
	DefaultWorkers = 4

	// DefaultPollInterval is the idle wait between queue polls.
	DefaultPollInterval = 2 * time.Second

	// DefaultRemoteTimeout bounds every Remote API call.
	DefaultRemoteTimeout = 15 * time.Second

	// DefaultStuckAfter is the age after which a PROCESSING job is reclaimed.
	DefaultStuckAfter = 10 * time.Minute

	// DefaultListLimit caps job listings.
	DefaultListLimit = 100

	// MaxListLimit is the largest listing page.
	MaxListLimit = 1000
)

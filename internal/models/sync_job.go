package models

import "time"

// SyncJob is one unit of cascade work: push one entity's current fields to Remote.
type SyncJob struct {
	ID               int64      `json:"id"`
	EntityID         string     `json:"entity_id"`
	FamilyID         string     `json:"family_id"`
	EventType        EventType  `json:"event_type"`
	Origin           JobOrigin  `json:"origin"`
	Status           JobStatus  `json:"status"`
	Priority         Priority   `json:"priority"`
	RetryCount       int        `json:"retry_count"`
	ErrorMessage     *string    `json:"error_message"`
	ErrorKind        ErrorKind  `json:"error_kind,omitempty"`
	Payload          FieldSet   `json:"payload"`
	ProcessingResult *string    `json:"processing_result"`
	ClaimedBy        *string    `json:"claimed_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// JobFailure describes a failed processing attempt.
type JobFailure struct {
	Message     string
	Kind        ErrorKind
	Retryable   bool
	MaxRetries  int
	NextRetryAt time.Time
}

// JobFilter narrows job listings. Zero values mean "any".
type JobFilter struct {
	Status   JobStatus
	EntityID string
	FamilyID string
	Kinds    []ErrorKind
	Limit    int
}

// QueueCounts is the durable number of jobs per status.
type QueueCounts map[JobStatus]int64

// Total sums all statuses.
func (c QueueCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

package models

import "time"

// WebhookEvent is an inbound change notification after parsing and classification.
type WebhookEvent struct {
	EventType  string    `json:"event_type"`
	EntityID   string    `json:"entity_id"`
	RemoteID   string    `json:"remote_id,omitempty"`
	Fields     FieldSet  `json:"fields"`
	Ignored    []string  `json:"ignored,omitempty"`
	SkipFlag   bool      `json:"skip_flag"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// WebhookResult is the outcome of an accepted webhook.
type WebhookResult struct {
	Result      string   `json:"result"`
	Reason      string   `json:"reason,omitempty"`
	EntityID    string   `json:"entity_id"`
	FamilyID    string   `json:"family_id,omitempty"`
	Fields      []string `json:"fields,omitempty"`
	Ignored     []string `json:"ignored,omitempty"`
	JobsCreated int      `json:"jobs_created"`
}

// WebhookAudit is the persisted trace of a received webhook.
type WebhookAudit struct {
	ID         int64     `json:"id"`
	EventType  string    `json:"event_type"`
	EntityID   string    `json:"entity_id"`
	Source     string    `json:"source"`
	Result     string    `json:"result"`
	Reason     string    `json:"reason"`
	ReceivedAt time.Time `json:"received_at"`
}

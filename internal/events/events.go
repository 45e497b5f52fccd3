package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventWebhookApplied = "webhook.applied"
	EventWebhookSkipped = "webhook.skipped"
	EventJobCompleted   = "job.completed"
	EventJobRetry       = "job.retry"
	EventJobFailed      = "job.failed"
	EventJobReleased    = "job.released"
)

// JobEventPayload is the job snapshot delivered to event consumers.
type JobEventPayload struct {
	JobID      int64     `json:"job_id"`
	EntityID   string    `json:"entity_id"`
	FamilyID   string    `json:"family_id"`
	EventType  string    `json:"event_type"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	At         time.Time `json:"at"`
}

// WebhookEventPayload summarizes an accepted webhook.
type WebhookEventPayload struct {
	EntityID    string   `json:"entity_id"`
	FamilyID    string   `json:"family_id,omitempty"`
	EventType   string   `json:"event_type"`
	Result      string   `json:"result"`
	Reason      string   `json:"reason,omitempty"`
	Fields      []string `json:"fields,omitempty"`
	JobsCreated int      `json:"jobs_created"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewEventBus constructs an empty bus. Handler errors are logged, never propagated.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "events").Logger()
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: l}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pricesync/internal/cascade"
	"pricesync/internal/domain"
	"pricesync/internal/events"
	"pricesync/internal/fieldmap"
	"pricesync/internal/loopguard"
	"pricesync/internal/metrics"
	"pricesync/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("invalid webhook")
)

// Envelope keys inside itemData that are not catalog fields.
const (
	keyItemID     = "itemid"
	keyInternalID = "internalid"
)

// RawRequest is the transport-independent inbound webhook.
type RawRequest struct {
	Authorization string
	Body          []byte
	ReceivedAt    time.Time
}

type envelope struct {
	EventType string         `json:"eventType" validate:"required"`
	ItemData  map[string]any `json:"itemData" validate:"required"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source" validate:"max=128"`
}

// Waker wakes the queue processor after jobs are committed.
type Waker interface {
	Notify(ctx context.Context)
}

type Options struct {
	Store         domain.SourceStore
	Mapper        *fieldmap.Mapper
	Guard         *loopguard.Guard
	Secret        string
	SkipFlagField string
	Waker         Waker
	Events        domain.EventPublisher
	Stats         *metrics.Stats
	Logger        *zerolog.Logger
}

// Ingress authenticates, classifies and applies inbound change notifications.
type Ingress struct {
	store     domain.SourceStore
	mapper    *fieldmap.Mapper
	guard     *loopguard.Guard
	secret    []byte
	skipField string
	waker     Waker
	events    domain.EventPublisher
	stats     *metrics.Stats
	validate  *validator.Validate
	logger    zerolog.Logger
}

func New(opts Options) (*Ingress, error) {
	if opts.Store == nil || opts.Mapper == nil || opts.Guard == nil {
		return nil, fmt.Errorf("webhook ingress requires store, mapper and guard")
	}
	if opts.Secret == "" {
		return nil, fmt.Errorf("webhook secret is empty")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "webhook").Logger()
	}
	return &Ingress{
		store:     opts.Store,
		mapper:    opts.Mapper,
		guard:     opts.Guard,
		secret:    []byte(opts.Secret),
		skipField: opts.SkipFlagField,
		waker:     opts.Waker,
		events:    opts.Events,
		stats:     opts.Stats,
		validate:  validator.New(),
		logger:    logger,
	}, nil
}

func (in *Ingress) authorized(header string) bool {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(token), in.secret) == 1
}

// Receive handles one webhook. Business skips are successful results; only
// ErrUnauthorized, ErrValidation and infrastructure errors are returned.
func (in *Ingress) Receive(ctx context.Context, raw RawRequest) (*models.WebhookResult, error) {
	in.stats.WebhookReceived()
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now().UTC()
	}

	if !in.authorized(raw.Authorization) {
		in.stats.WebhookRejected()
		metrics.IncWebhook("unauthorized")
		return nil, ErrUnauthorized
	}

	event, err := in.parse(ctx, raw)
	if err != nil {
		if !errors.Is(err, ErrValidation) {
			metrics.IncWebhook("error")
			return nil, err
		}
		in.reject(ctx, event, raw.ReceivedAt, err)
		return nil, err
	}

	decision, item, err := in.guard.ShouldSuppress(ctx, event)
	if errors.Is(err, domain.ErrNotFound) {
		err = fmt.Errorf("%w: unknown entity %s", ErrValidation, event.EntityID)
		in.reject(ctx, event, raw.ReceivedAt, err)
		return nil, err
	}
	if err != nil {
		metrics.IncWebhook("error")
		return nil, fmt.Errorf("loop guard: %w", err)
	}

	if decision.Suppress {
		return in.skip(ctx, event, item, decision.Reason), nil
	}
	if len(event.Fields) == 0 {
		return in.skip(ctx, event, item, models.SkipReasonNoFields), nil
	}

	jobs, err := in.apply(ctx, event, item)
	if err != nil {
		metrics.IncWebhook("error")
		in.logger.Error().Err(err).Str("entity_id", event.EntityID).Msg("failed to apply webhook")
		return nil, err
	}

	if in.waker != nil {
		in.waker.Notify(ctx)
	}

	result := &models.WebhookResult{
		Result:      models.WebhookResultUpdated,
		EntityID:    event.EntityID,
		FamilyID:    item.FamilyID,
		Fields:      fieldNames(event.Fields),
		Ignored:     event.Ignored,
		JobsCreated: len(jobs),
	}
	in.stats.WebhookApplied()
	in.stats.JobsEnqueued(len(jobs))
	metrics.IncWebhook(models.WebhookResultUpdated)
	metrics.AddEnqueued(string(models.OriginCascade), len(jobs))
	in.audit(ctx, event, raw.ReceivedAt, models.WebhookResultUpdated, "")
	in.publish(events.EventWebhookApplied, event, result)

	in.logger.Info().
		Str("entity_id", event.EntityID).
		Str("family_id", item.FamilyID).
		Strs("fields", result.Fields).
		Int("jobs", len(jobs)).
		Msg("webhook applied")
	return result, nil
}

// apply writes the fields, copies family-shared ones to siblings and plans the
// cascade in a single transaction.
func (in *Ingress) apply(ctx context.Context, event *models.WebhookEvent, item *models.Item) ([]*models.SyncJob, error) {
	var jobs []*models.SyncJob
	err := in.store.RunInTx(ctx, func(tx domain.SourceTx) error {
		if err := tx.UpdateItemFields(ctx, event.EntityID, event.Fields); err != nil {
			return fmt.Errorf("update entity %s: %w", event.EntityID, err)
		}
		if shared := in.mapper.FamilyShared(event.Fields); item.FamilyID != "" && len(shared) > 0 {
			if _, err := tx.ApplyFamilyFields(ctx, item.FamilyID, shared); err != nil {
				return fmt.Errorf("update family %s: %w", item.FamilyID, err)
			}
		}
		planned, err := cascade.PlanCascade(ctx, tx, cascade.Request{
			EntityID:  event.EntityID,
			FamilyID:  item.FamilyID,
			EventType: models.WebhookEventTypes[event.EventType],
			Priority:  cascade.DefaultPriority,
			Origin:    models.OriginCascade,
			Payload:   event.Fields,
		})
		if err != nil {
			return err
		}
		jobs = planned
		return nil
	})
	return jobs, err
}

func (in *Ingress) skip(ctx context.Context, event *models.WebhookEvent, item *models.Item, reason string) *models.WebhookResult {
	result := &models.WebhookResult{
		Result:   models.WebhookResultSkipped,
		Reason:   reason,
		EntityID: event.EntityID,
		Fields:   fieldNames(event.Fields),
		Ignored:  event.Ignored,
	}
	if item != nil {
		result.FamilyID = item.FamilyID
	}
	in.stats.WebhookSkipped()
	metrics.IncWebhook(models.WebhookResultSkipped)
	in.audit(ctx, event, event.ReceivedAt, models.WebhookResultSkipped, reason)
	in.publish(events.EventWebhookSkipped, event, result)
	in.logger.Info().Str("entity_id", event.EntityID).Str("reason", reason).Msg("webhook skipped")
	return result
}

func (in *Ingress) reject(ctx context.Context, event *models.WebhookEvent, at time.Time, err error) {
	in.stats.WebhookRejected()
	metrics.IncWebhook("invalid")
	in.logger.Warn().Err(err).Msg("webhook rejected")
	if event == nil {
		return
	}
	in.audit(ctx, event, at, "rejected", err.Error())
}

// audit is best effort: a failed audit write never fails the webhook.
func (in *Ingress) audit(ctx context.Context, event *models.WebhookEvent, at time.Time, result, reason string) {
	err := in.store.RecordWebhookAudit(ctx, &models.WebhookAudit{
		EventType:  event.EventType,
		EntityID:   event.EntityID,
		Source:     event.Source,
		Result:     result,
		Reason:     reason,
		ReceivedAt: at,
	})
	if err != nil {
		in.logger.Warn().Err(err).Str("entity_id", event.EntityID).Msg("failed to record webhook audit")
	}
}

func (in *Ingress) publish(eventType string, event *models.WebhookEvent, result *models.WebhookResult) {
	if in.events == nil {
		return
	}
	payload := events.WebhookEventPayload{
		EntityID:    event.EntityID,
		FamilyID:    result.FamilyID,
		EventType:   event.EventType,
		Result:      result.Result,
		Reason:      result.Reason,
		Fields:      result.Fields,
		JobsCreated: result.JobsCreated,
	}
	if err := in.events.PublishJSON(eventType, payload); err != nil {
		in.logger.Warn().Err(err).Msg("failed to publish webhook event")
	}
}

// parse validates the envelope and classifies itemData. The returned event is
// non-nil whenever the envelope itself could be decoded, so rejections can be audited.
func (in *Ingress) parse(ctx context.Context, raw RawRequest) (*models.WebhookEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed body: %v", ErrValidation, err)
	}
	if err := in.validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	event := &models.WebhookEvent{
		EventType:  env.EventType,
		Source:     strings.TrimSpace(env.Source),
		ReceivedAt: raw.ReceivedAt,
	}
	if _, ok := models.WebhookEventTypes[env.EventType]; !ok {
		return event, fmt.Errorf("%w: unsupported eventType %q", ErrValidation, env.EventType)
	}
	if env.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
			event.Timestamp = ts.UTC()
		} else {
			in.logger.Debug().Str("timestamp", env.Timestamp).Msg("unparseable webhook timestamp")
		}
	}

	data := make(map[string]any, len(env.ItemData))
	for k, v := range env.ItemData {
		data[k] = v
	}
	event.EntityID = idString(data[keyItemID])
	event.RemoteID = idString(data[keyInternalID])
	delete(data, keyItemID)
	delete(data, keyInternalID)
	if in.skipField != "" {
		if v, ok := data[in.skipField]; ok {
			event.SkipFlag = models.ParseBool(v)
			delete(data, in.skipField)
		}
	}

	if event.EntityID == "" && event.RemoteID != "" {
		link, err := in.store.FindEntityLinkByRemoteID(ctx, event.RemoteID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return event, fmt.Errorf("%w: unknown remote record %s", ErrValidation, event.RemoteID)
		case err != nil:
			return event, fmt.Errorf("resolve remote record %s: %w", event.RemoteID, err)
		}
		event.EntityID = link.SourceID
	}
	if event.EntityID == "" {
		return event, fmt.Errorf("%w: missing entity id", ErrValidation)
	}

	fields, ignored, err := in.mapper.FromRemote(data)
	if err != nil {
		return event, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	event.Fields = fields
	event.Ignored = ignored
	return event, nil
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func fieldNames(fs models.FieldSet) []string {
	keys := fs.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

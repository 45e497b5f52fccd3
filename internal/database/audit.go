package database

import (
	"context"
	"fmt"

	"pricesync/internal/models"
)

// RecordWebhookAudit appends a webhook trace row.
func (q queries) RecordWebhookAudit(ctx context.Context, audit *models.WebhookAudit) error {
	if audit.ReceivedAt.IsZero() {
		audit.ReceivedAt = q.utcNow()
	}
	res, err := q.q.ExecContext(ctx, `
        INSERT INTO webhook_audit (event_type, entity_id, source, result, reason, received_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		audit.EventType, audit.EntityID, audit.Source, audit.Result, audit.Reason, audit.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record webhook audit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	audit.ID = id
	return nil
}

// ListWebhookAudits returns the most recent audit rows, newest first.
func (q queries) ListWebhookAudits(ctx context.Context, entityID string, limit int) ([]*models.WebhookAudit, error) {
	if limit <= 0 || limit > models.MaxListLimit {
		limit = models.DefaultListLimit
	}
	query := `SELECT id, event_type, entity_id, source, result, reason, received_at FROM webhook_audit`
	args := []any{}
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook audits: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookAudit
	for rows.Next() {
		var a models.WebhookAudit
		if err := rows.Scan(&a.ID, &a.EventType, &a.EntityID, &a.Source, &a.Result, &a.Reason, &a.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook audit: %w", err)
		}
		a.ReceivedAt = a.ReceivedAt.UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

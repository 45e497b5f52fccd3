package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pricesync/internal/models"
)

func (q queries) scanLink(row *sql.Row, key string) (*models.EntityLink, error) {
	var link models.EntityLink
	err := row.Scan(&link.SourceID, &link.RemoteID, &link.CreatedAt, &link.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity link %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity link %s: %w", key, err)
	}
	link.CreatedAt = link.CreatedAt.UTC()
	link.UpdatedAt = link.UpdatedAt.UTC()
	return &link, nil
}

// GetEntityLink returns the Remote id for a Source entity, or ErrNotFound.
func (q queries) GetEntityLink(ctx context.Context, sourceID string) (*models.EntityLink, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT source_id, remote_id, created_at, updated_at FROM entity_links WHERE source_id = ?`, sourceID)
	return q.scanLink(row, sourceID)
}

// FindEntityLinkByRemoteID resolves a Remote id back to its Source entity.
func (q queries) FindEntityLinkByRemoteID(ctx context.Context, remoteID string) (*models.EntityLink, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT source_id, remote_id, created_at, updated_at FROM entity_links WHERE remote_id = ?`, remoteID)
	return q.scanLink(row, "remote:"+remoteID)
}

// UpsertEntityLink creates or repoints a link.
func (q queries) UpsertEntityLink(ctx context.Context, link *models.EntityLink) error {
	if link.SourceID == "" || link.RemoteID == "" {
		return fmt.Errorf("entity link requires source and remote ids")
	}
	now := q.utcNow()
	_, err := q.q.ExecContext(ctx, `
        INSERT INTO entity_links (source_id, remote_id, created_at, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(source_id) DO UPDATE SET remote_id = excluded.remote_id, updated_at = excluded.updated_at`,
		link.SourceID, link.RemoteID, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert entity link %s: %w", link.SourceID, err)
	}
	link.UpdatedAt = now
	if link.CreatedAt.IsZero() {
		link.CreatedAt = now
	}
	return nil
}

// DeleteEntityLink removes a link. Jobs for the entity will fail as unmapped.
func (q queries) DeleteEntityLink(ctx context.Context, sourceID string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM entity_links WHERE source_id = ?`, sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete entity link %s: %w", sourceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity link %s: %w", sourceID, ErrNotFound)
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pricesync/internal/models"
)

// fieldColumns whitelists the columns that back each FieldKey.
var fieldColumns = map[models.FieldKey]string{
	models.FieldBasePrice:         "base_price",
	models.FieldMSRP:              "msrp",
	models.FieldVendorCost:        "vendor_cost",
	models.FieldPriceLevel:        "price_level",
	models.FieldLastPurchasePrice: "last_purchase_price",
	models.FieldAverageCost:       "average_cost",
}

func fieldKind(key models.FieldKey) models.ValueKind {
	if key == models.FieldPriceLevel {
		return models.KindText
	}
	return models.KindNumber
}

const itemColumns = `id, family_id, name, base_price, msrp, vendor_cost, price_level,
    last_purchase_price, average_cost, skip_sync, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*models.Item, error) {
	var item models.Item
	var basePrice, msrp, vendorCost, lastPrice, avgCost sql.NullFloat64
	var priceLevel sql.NullString
	err := row.Scan(
		&item.ID, &item.FamilyID, &item.Name,
		&basePrice, &msrp, &vendorCost, &priceLevel, &lastPrice, &avgCost,
		&item.SkipSync, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Fields = make(models.FieldSet)
	numbers := map[models.FieldKey]sql.NullFloat64{
		models.FieldBasePrice:         basePrice,
		models.FieldMSRP:              msrp,
		models.FieldVendorCost:        vendorCost,
		models.FieldLastPurchasePrice: lastPrice,
		models.FieldAverageCost:       avgCost,
	}
	for key, v := range numbers {
		if v.Valid {
			item.Fields[key] = models.Number(v.Float64)
		}
	}
	if priceLevel.Valid {
		item.Fields[models.FieldPriceLevel] = models.Text(priceLevel.String)
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return &item, nil
}

// fieldAssignments builds "col = ?" pairs in stable key order.
func fieldAssignments(fields models.FieldSet) ([]string, []any, error) {
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields))
	for _, key := range fields.Keys() {
		col, ok := fieldColumns[key]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrInvalidField, key)
		}
		v := fields[key]
		if v.Kind != fieldKind(key) {
			return nil, nil, fmt.Errorf("%w: %s expects %s", ErrInvalidField, key, fieldKind(key))
		}
		sets = append(sets, col+" = ?")
		if v.Kind == models.KindNumber {
			args = append(args, v.Number)
		} else {
			args = append(args, v.Text)
		}
	}
	return sets, args, nil
}

// UpsertItem creates or replaces an item with its field values.
func (q queries) UpsertItem(ctx context.Context, item *models.Item) error {
	now := q.utcNow()
	cols := []any{nil, nil, nil, nil, nil, nil}
	for i, key := range models.AllFieldKeys {
		v, ok := item.Fields[key]
		if !ok {
			continue
		}
		if v.Kind != fieldKind(key) {
			return fmt.Errorf("%w: %s expects %s", ErrInvalidField, key, fieldKind(key))
		}
		if v.Kind == models.KindNumber {
			cols[i] = v.Number
		} else {
			cols[i] = v.Text
		}
	}

	query := `
        INSERT INTO items (id, family_id, name, base_price, msrp, vendor_cost, price_level,
            last_purchase_price, average_cost, skip_sync, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            family_id = excluded.family_id,
            name = excluded.name,
            base_price = excluded.base_price,
            msrp = excluded.msrp,
            vendor_cost = excluded.vendor_cost,
            price_level = excluded.price_level,
            last_purchase_price = excluded.last_purchase_price,
            average_cost = excluded.average_cost,
            skip_sync = excluded.skip_sync,
            updated_at = excluded.updated_at
    `
	args := append([]any{item.ID, item.FamilyID, item.Name}, cols...)
	args = append(args, item.SkipSync, now, now)
	if _, err := q.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", item.ID, err)
	}
	return nil
}

// GetItem returns ErrNotFound for unknown ids.
func (q queries) GetItem(ctx context.Context, id string) (*models.Item, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return item, nil
}

// ListFamilyMemberIDs returns all item ids of a family, ordered by id.
func (q queries) ListFamilyMemberIDs(ctx context.Context, familyID string) ([]string, error) {
	if familyID == "" {
		return nil, nil
	}
	rows, err := q.q.QueryContext(ctx, `SELECT id FROM items WHERE family_id = ? ORDER BY id`, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list family %s: %w", familyID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan family member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateItemFields writes the given fields on one item.
func (q queries) UpdateItemFields(ctx context.Context, id string, fields models.FieldSet) error {
	if len(fields) == 0 {
		return nil
	}
	sets, args, err := fieldAssignments(fields)
	if err != nil {
		return err
	}
	query := `UPDATE items SET ` + strings.Join(sets, ", ") + `, updated_at = ? WHERE id = ?`
	args = append(args, q.utcNow(), id)

	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

// ApplyFamilyFields writes the given fields on every item of a family.
func (q queries) ApplyFamilyFields(ctx context.Context, familyID string, fields models.FieldSet) (int64, error) {
	if len(fields) == 0 || familyID == "" {
		return 0, nil
	}
	sets, args, err := fieldAssignments(fields)
	if err != nil {
		return 0, err
	}
	query := `UPDATE items SET ` + strings.Join(sets, ", ") + `, updated_at = ? WHERE family_id = ?`
	args = append(args, q.utcNow(), familyID)

	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update family %s: %w", familyID, err)
	}
	return res.RowsAffected()
}

// SetSkipSync toggles the business override that makes ingress skip an entity.
func (q queries) SetSkipSync(ctx context.Context, id string, skip bool) error {
	res, err := q.q.ExecContext(ctx, `UPDATE items SET skip_sync = ?, updated_at = ? WHERE id = ?`, skip, q.utcNow(), id)
	if err != nil {
		return fmt.Errorf("failed to set skip_sync on %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListUnlinkedItems returns items that have no EntityLink and therefore cannot be pushed.
func (q queries) ListUnlinkedItems(ctx context.Context, limit int) ([]*models.Item, error) {
	if limit <= 0 || limit > models.MaxListLimit {
		limit = models.DefaultListLimit
	}
	query := `SELECT ` + itemColumns + ` FROM items
        WHERE id NOT IN (SELECT source_id FROM entity_links)
        ORDER BY family_id, id LIMIT ?`
	rows, err := q.q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked items: %w", err)
	}
	defer rows.Close()

	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

package database

import (
	"context"
	"testing"

	"pricesync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItems(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t.Run("UpsertAndGet", func(t *testing.T) {
		require.NoError(t, db.UpsertItem(ctx, &models.Item{
			ID:       "SKU-1",
			FamilyID: "FAM-1",
			Name:     "Chair red",
			Fields: models.FieldSet{
				models.FieldBasePrice:  models.Number(19.99),
				models.FieldPriceLevel: models.Text("retail"),
			},
		}))

		item, err := db.GetItem(ctx, "SKU-1")
		require.NoError(t, err)
		assert.Equal(t, "FAM-1", item.FamilyID)
		assert.True(t, item.Fields[models.FieldBasePrice].Equal(models.Number(19.99)))
		assert.True(t, item.Fields[models.FieldPriceLevel].Equal(models.Text("retail")))
		_, hasMSRP := item.Fields[models.FieldMSRP]
		assert.False(t, hasMSRP, "NULL columns are absent from the field set")
		assert.False(t, item.SkipSync)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := db.GetItem(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpsertRejectsWrongKind", func(t *testing.T) {
		err := db.UpsertItem(ctx, &models.Item{ID: "bad", Fields: models.FieldSet{models.FieldMSRP: models.Text("x")}})
		assert.ErrorIs(t, err, ErrInvalidField)
	})

	t.Run("UpdateFields", func(t *testing.T) {
		require.NoError(t, db.UpdateItemFields(ctx, "SKU-1", models.FieldSet{
			models.FieldMSRP:        models.Number(25),
			models.FieldAverageCost: models.Number(9.5),
		}))
		item, err := db.GetItem(ctx, "SKU-1")
		require.NoError(t, err)
		assert.True(t, item.Fields[models.FieldMSRP].Equal(models.Number(25)))
		assert.True(t, item.Fields[models.FieldAverageCost].Equal(models.Number(9.5)))
		assert.True(t, item.Fields[models.FieldBasePrice].Equal(models.Number(19.99)), "untouched fields keep their value")

		assert.ErrorIs(t, db.UpdateItemFields(ctx, "nope", models.FieldSet{models.FieldMSRP: models.Number(1)}), ErrNotFound)
		assert.ErrorIs(t, db.UpdateItemFields(ctx, "SKU-1", models.FieldSet{"color": models.Text("red")}), ErrInvalidField)
		assert.NoError(t, db.UpdateItemFields(ctx, "nope", nil))
	})

	t.Run("SkipSync", func(t *testing.T) {
		require.NoError(t, db.SetSkipSync(ctx, "SKU-1", true))
		item, err := db.GetItem(ctx, "SKU-1")
		require.NoError(t, err)
		assert.True(t, item.SkipSync)
		assert.ErrorIs(t, db.SetSkipSync(ctx, "nope", true), ErrNotFound)
	})
}

func TestFamilies(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedFamily(t, db, "F", "C", "A", "B")
	seedFamily(t, db, "G", "X")

	ids, err := db.ListFamilyMemberIDs(ctx, "F")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, ids)

	ids, err = db.ListFamilyMemberIDs(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = db.ListFamilyMemberIDs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, ids)

	n, err := db.ApplyFamilyFields(ctx, "F", models.FieldSet{models.FieldVendorCost: models.Number(33)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	x, err := db.GetItem(ctx, "X")
	require.NoError(t, err)
	assert.True(t, x.Fields[models.FieldVendorCost].Equal(models.Number(20)), "other families untouched")
}

func TestEntityLinksAndIssues(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedFamily(t, db, "F", "A", "B")

	require.NoError(t, db.UpsertEntityLink(ctx, &models.EntityLink{SourceID: "A", RemoteID: "1001"}))

	link, err := db.GetEntityLink(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "1001", link.RemoteID)

	back, err := db.FindEntityLinkByRemoteID(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, "A", back.SourceID)

	_, err = db.GetEntityLink(ctx, "B")
	assert.ErrorIs(t, err, ErrNotFound)

	unlinked, err := db.ListUnlinkedItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unlinked, 1)
	assert.Equal(t, "B", unlinked[0].ID)

	require.NoError(t, db.UpsertEntityLink(ctx, &models.EntityLink{SourceID: "A", RemoteID: "2002"}))
	link, err = db.GetEntityLink(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "2002", link.RemoteID)

	require.NoError(t, db.DeleteEntityLink(ctx, "A"))
	assert.ErrorIs(t, db.DeleteEntityLink(ctx, "A"), ErrNotFound)
	assert.Error(t, db.UpsertEntityLink(ctx, &models.EntityLink{SourceID: "A"}))
}

func TestWebhookAudit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := &models.WebhookAudit{EventType: "item.pricing.updated", EntityID: "A", Source: "erp", Result: "updated"}
	require.NoError(t, db.RecordWebhookAudit(ctx, a))
	assert.NotZero(t, a.ID)
	require.NoError(t, db.RecordWebhookAudit(ctx, &models.WebhookAudit{EventType: "x", EntityID: "B", Result: "rejected", Reason: "bad"}))

	all, err := db.ListWebhookAudits(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "B", all[0].EntityID)

	onlyA, err := db.ListWebhookAudits(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "updated", onlyA[0].Result)
}

package api

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"pricesync/internal/config"
	"pricesync/internal/database"
	"pricesync/internal/fieldmap"
	"pricesync/internal/loopguard"
	"pricesync/internal/metrics"
	"pricesync/internal/models"
	"pricesync/internal/queue"
	"pricesync/internal/service"
	"pricesync/internal/webhook"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "hook-secret"
	readerKey    = "reader-key"
	operatorKey  = "operator-key"
	testSkipFlag = "custitem_skip_sync"
)

type testEnv struct {
	db      *database.DB
	queue   *service.QueueService
	ingress *webhook.Ingress
	http    *HTTPServer
}

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
		GRPC:    config.APIGRPCConfig{Enabled: true},
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: readerKey, Name: "dashboard", Permissions: []string{permReadQueue}},
				{Key: operatorKey, Name: "ops", Permissions: []string{permWriteQueue}},
			},
		},
	}
}

func newTestEnv(t *testing.T, cfg config.APIConfig) *testEnv {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, db.UpsertItem(ctx, &models.Item{
			ID:       id,
			FamilyID: "FAM",
			Fields:   models.FieldSet{models.FieldBasePrice: models.Number(50)},
		}))
	}
	require.NoError(t, db.UpsertEntityLink(ctx, &models.EntityLink{SourceID: "A", RemoteID: "1001"}))

	q := queue.New(queue.Options{Store: db, Policy: queue.RetryPolicy{MaxRetries: 3}})
	stats := metrics.NewStats()
	ingress, err := webhook.New(webhook.Options{
		Store:         db,
		Mapper:        fieldmap.Default(),
		Guard:         loopguard.New(db, []string{"pricesync"}),
		Secret:        testSecret,
		SkipFlagField: testSkipFlag,
		Waker:         q,
		Stats:         stats,
		Logger:        &logger,
	})
	require.NoError(t, err)

	qs := service.NewQueueService(q, db, nil, stats, &logger)
	env := &testEnv{db: db, queue: qs, ingress: ingress}
	env.http = NewHTTPServer(cfg, config.WebhookConfig{MaxBodyBytes: 4096}, ingress, qs, &logger)
	return env
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pricesync/internal/api"
	"pricesync/internal/bot"
	"pricesync/internal/config"
	"pricesync/internal/database"
	"pricesync/internal/domain"
	"pricesync/internal/events"
	"pricesync/internal/fieldmap"
	"pricesync/internal/logging"
	"pricesync/internal/loopguard"
	"pricesync/internal/metrics"
	"pricesync/internal/notify"
	"pricesync/internal/queue"
	"pricesync/internal/remote"
	"pricesync/internal/repository"
	"pricesync/internal/service"
	"pricesync/internal/webhook"
	"pricesync/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mapper, err := loadMapper(cfg, &logger)
	if err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer (func() { _ = repository.Close(redisClient) })()
	}

	stats := metrics.NewStats()
	bus := events.NewEventBus(&logger)
	subscribeEventLog(bus, &logger)

	q := queue.New(queue.Options{
		Store: db,
		Policy: queue.RetryPolicy{
			MaxRetries:    cfg.Processor.MaxRetries,
			InitialDelay:  cfg.Processor.InitialBackoff,
			MaxDelay:      cfg.Processor.MaxBackoff,
			BackoffFactor: cfg.Processor.BackoffFactor,
		},
		Redis:         redisClient,
		NotifyKey:     cfg.Redis.NotifyKey,
		DeadLetterKey: cfg.Redis.DeadLetterKey,
		Logger:        &logger,
	})

	tg := initTelegram(cfg, &logger)
	var notifier domain.FailureNotifier
	if tg != nil {
		notifier = notify.NewTelegramNotifier(tg, cfg.Telegram.ChatIDs, &logger)
	}

	processor, err := initProcessor(ctx, cfg, db, q, mapper, redisClient, bus, notifier, stats, &logger)
	if err != nil {
		return err
	}

	ingress, err := webhook.New(webhook.Options{
		Store:         db,
		Mapper:        mapper,
		Guard:         loopguard.New(db, cfg.Webhook.ProgrammaticSources),
		Secret:        cfg.Webhook.Secret,
		SkipFlagField: cfg.Webhook.SkipFlagField,
		Waker:         q,
		Events:        bus,
		Stats:         stats,
		Logger:        &logger,
	})
	if err != nil {
		return fmt.Errorf("init webhook ingress: %w", err)
	}

	var control service.ProcessorControl
	if processor != nil {
		control = processor
	}
	queueService := service.NewQueueService(q, db, control, stats, &logger)

	httpServer := api.NewHTTPServer(cfg.API, cfg.Webhook, ingress, queueService, &logger)

	var grpcServer *api.GRPCServer
	if cfg.API.Enabled && cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(cfg.API, queueService, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	startMetrics(ctx, cfg, &logger)
	go database.NewBackupScheduler(db, cfg.Database.Backup, &logger).Run(ctx)

	if tg != nil && cfg.Telegram.Commands {
		operatorBot := bot.NewBot(tg, queueService, cfg.Telegram.ChatIDs, bot.NewMetrics(prometheus.DefaultRegisterer), &logger)
		go operatorBot.Start(ctx)
		defer operatorBot.Stop()
	}

	return serve(ctx, processor, grpcServer, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := logging.Component(baseLogger, "syncd")

	return cfg, logger, closer, nil
}

// loadMapper applies remote field name overrides from FIELDS_PATH or fields_path, if any.
func loadMapper(cfg *config.Config, logger *zerolog.Logger) (*fieldmap.Mapper, error) {
	path := os.Getenv("FIELDS_PATH")
	if path == "" {
		path = cfg.FieldsPath
	}
	if path == "" {
		return fieldmap.Default(), nil
	}

	overrides, err := fieldmap.LoadOverrides(path)
	if err != nil {
		logger.Error().Err(err).Str("fields_path", path).Msg("load field overrides")
		return nil, err
	}
	mapper, err := fieldmap.Default().WithRemoteNames(overrides)
	if err != nil {
		return nil, fmt.Errorf("apply field overrides: %w", err)
	}
	logger.Info().Int("overrides", len(overrides)).Msg("field overrides loaded")
	return mapper, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initLocker(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.EntityLocker {
	memory := repository.NewMemoryLocker()
	if redisClient == nil {
		return memory
	}
	primary := repository.NewRedisLocker(redisClient, cfg.Redis.LockPrefix, cfg.Processor.LockTTL)
	return repository.NewFailoverLocker(primary, memory, logger)
}

func initTelegram(cfg *config.Config, logger *zerolog.Logger) *tgbotapi.BotAPI {
	if !cfg.Telegram.Enabled() {
		return nil
	}
	api, err := notify.NewTelegramBot(cfg.Telegram)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without telegram")
		return nil
	}
	logger.Info().Str("bot", api.Self.UserName).Msg("telegram connected")
	return api
}

func initProcessor(
	ctx context.Context,
	cfg *config.Config,
	db *database.DB,
	q *queue.Queue,
	mapper *fieldmap.Mapper,
	redisClient *redis.Client,
	bus *events.EventBus,
	notifier domain.FailureNotifier,
	stats *metrics.Stats,
	logger *zerolog.Logger,
) (*worker.Processor, error) {
	if !cfg.Processor.Active() {
		logger.Info().Msg("queue processor disabled in this process")
		return nil, nil
	}

	client, err := remote.NewFromConfig(ctx, cfg.Remote, logger)
	if err != nil {
		return nil, fmt.Errorf("init remote client: %w", err)
	}

	return worker.New(worker.Options{
		Queue:         q,
		Store:         db,
		Remote:        client,
		Mapper:        mapper,
		Locker:        initLocker(cfg, redisClient, logger),
		Events:        bus,
		Notifier:      notifier,
		Stats:         stats,
		Logger:        logger,
		Workers:       cfg.Processor.Workers,
		PollInterval:  cfg.Processor.PollInterval,
		LockWait:      cfg.Processor.LockWait,
		ReleaseDelay:  cfg.Processor.ReleaseDelay,
		StuckAfter:    cfg.Processor.StuckAfter,
		SweepInterval: cfg.Processor.SweepInterval,
	})
}

func subscribeEventLog(bus *events.EventBus, logger *zerolog.Logger) {
	l := logging.Component(logger, "events")
	for _, eventType := range []string{
		events.EventWebhookApplied,
		events.EventWebhookSkipped,
		events.EventJobCompleted,
		events.EventJobRetry,
		events.EventJobFailed,
		events.EventJobReleased,
	} {
		bus.Subscribe(eventType, func(e *events.Event) error {
			l.Debug().Str("event", e.Type).RawJSON("payload", e.Payload).Msg("event")
			return nil
		})
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func serve(
	ctx context.Context,
	processor *worker.Processor,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	var wg sync.WaitGroup

	if processor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := processor.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("queue processor stopped")
			}
		}()
	}

	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().
		Int("http_port", cfg.API.HTTP.Port).
		Bool("grpc", grpcServer != nil).
		Bool("processor", processor != nil).
		Msg("pricesync started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	wg.Wait()

	logger.Info().Msg("pricesync stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"pricesync/internal/config"
	"pricesync/internal/database"
	"pricesync/internal/queue"
	"pricesync/internal/repository"
	"pricesync/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// env is the state shared by subcommands that work on the local database.
type env struct {
	configPath string
	jsonOut    bool

	cfg     *config.Config
	logger  zerolog.Logger
	db      *database.DB
	redis   *redis.Client
	service *service.QueueService
}

// open loads config and wires the queue service without a processor.
func (e *env) open(ctx context.Context) error {
	if e.service != nil {
		return nil
	}
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	e.cfg = cfg
	e.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	db, err := database.NewDB(cfg.Database.Path, &e.logger)
	if err != nil {
		return err
	}
	e.db = db

	if cfg.Redis.Enabled() {
		client := repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(ctx, client); err != nil {
			e.logger.Warn().Err(err).Msg("redis unavailable, workers will pick up jobs on their next poll")
			_ = client.Close()
		} else {
			e.redis = client
		}
	}

	q := queue.New(queue.Options{
		Store:         db,
		Policy:        queue.RetryPolicy{MaxRetries: cfg.Processor.MaxRetries},
		Redis:         e.redis,
		NotifyKey:     cfg.Redis.NotifyKey,
		DeadLetterKey: cfg.Redis.DeadLetterKey,
		Logger:        &e.logger,
	})
	e.service = service.NewQueueService(q, db, nil, nil, &e.logger)
	return nil
}

func (e *env) close() {
	if e.redis != nil {
		_ = repository.Close(e.redis)
	}
	if e.db != nil {
		_ = e.db.Close()
	}
}

func (e *env) print(out io.Writer, v any, text func(io.Writer) error) error {
	if e.jsonOut || text == nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(out)
}

// local wraps a RunE that needs the database.
func (e *env) local(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := e.open(cmd.Context()); err != nil {
			return err
		}
		defer e.close()
		return run(cmd, args)
	}
}

// NewRootCmd creates the syncctl root command.
func NewRootCmd() *cobra.Command {
	e := &env{}

	rootCmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Operate the pricesync queue",
		Long:          `Inspect and repair the pricesync sync queue directly against its database, or over the gRPC admin API with "syncctl rpc".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&e.configPath, "config", "c", defaultConfig, "config file path")
	rootCmd.PersistentFlags().BoolVar(&e.jsonOut, "json", false, "print JSON")

	rootCmd.AddCommand(
		newStatsCommand(e),
		newJobsCommand(e),
		newEnqueueCommand(e),
		newCancelCommand(e),
		newRetryCommand(e),
		newPurgeCommand(e),
		newReclaimCommand(e),
		newIssuesCommand(e),
		newDeadLetterCommand(e),
		newLinkCommand(e),
		newItemCommand(e),
		newAuditCommand(e),
		newBackupCommand(e),
		newRPCCommand(),
	)

	return rootCmd
}

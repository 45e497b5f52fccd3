package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pricesync/internal/domain"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound         = domain.ErrNotFound
	ErrJobNotPending    = errors.New("job is not pending")
	ErrJobNotProcessing = errors.New("job is not processing")
	ErrInvalidField     = errors.New("invalid field")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds statements shared by DB and Tx.
type queries struct {
	q   querier
	now func() time.Time
}

func (q queries) utcNow() time.Time {
	return q.now().UTC()
}

// DB is the Source store and the durable sync queue.
type DB struct {
	*sql.DB
	queries
	logger zerolog.Logger
}

// Tx is a Source transaction. It implements domain.SourceTx.
type Tx struct {
	queries
}

var _ domain.SourceStore = (*DB)(nil)
var _ domain.SourceTx = (*Tx)(nil)
var _ domain.JobStore = (*DB)(nil)
var _ domain.LinkStore = (*DB)(nil)

// NewDB opens (and creates) the sqlite database at path.
// The pool is limited to one connection so writers never contend on sqlite locks.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "database").Logger()
	}
	l.Info().Str("path", path).Msg("database initialized")

	return &DB{
		DB:      sqlDB,
		queries: queries{q: sqlDB, now: time.Now},
		logger:  l,
	}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS items (
            id TEXT PRIMARY KEY,
            family_id TEXT NOT NULL DEFAULT '',
            name TEXT NOT NULL DEFAULT '',
            base_price REAL,
            msrp REAL,
            vendor_cost REAL,
            price_level TEXT,
            last_purchase_price REAL,
            average_cost REAL,
            skip_sync BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS entity_links (
            source_id TEXT PRIMARY KEY,
            remote_id TEXT NOT NULL UNIQUE,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_jobs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            entity_id TEXT NOT NULL,
            family_id TEXT NOT NULL DEFAULT '',
            event_type TEXT NOT NULL,
            origin TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            priority INTEGER NOT NULL DEFAULT 1,
            retry_count INTEGER NOT NULL DEFAULT 0,
            error_message TEXT,
            error_kind TEXT NOT NULL DEFAULT '',
            payload TEXT NOT NULL DEFAULT '{}',
            processing_result TEXT,
            claimed_by TEXT,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            claimed_at DATETIME,
            next_retry_at DATETIME,
            finished_at DATETIME
        )`,
		`CREATE TABLE IF NOT EXISTS webhook_audit (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_type TEXT NOT NULL,
            entity_id TEXT NOT NULL DEFAULT '',
            source TEXT NOT NULL DEFAULT '',
            result TEXT NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            received_at DATETIME NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_items_family_id ON items(family_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_claim ON sync_jobs(status, priority DESC, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_entity ON sync_jobs(entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_family ON sync_jobs(family_id)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_audit_received ON webhook_audit(received_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// RunInTx runs fn in one transaction. The transaction commits only if fn returns nil.
// fn must use the provided tx exclusively.
func (db *DB) RunInTx(ctx context.Context, fn func(tx domain.SourceTx) error) (err error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				db.logger.Warn().Err(rbErr).Msg("rollback failed")
			}
		}
	}()

	if err := fn(&Tx{queries: queries{q: sqlTx, now: db.now}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

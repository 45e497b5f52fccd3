package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pricesync/internal/config"

	"github.com/rs/zerolog"
)

const backupPrefix = "pricesync_"

// Backup writes a consistent snapshot of the live database into dir using VACUUM INTO
// and returns the snapshot path.
func (db *DB) Backup(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s%s.db", backupPrefix, db.utcNow().Format("20060102_150405")))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("backup %s already exists", path)
	}

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}
	db.logger.Info().Str("path", path).Msg("database backup written")
	return path, nil
}

// PruneBackups removes snapshots in dir last modified before cutoff and returns how many were removed.
// Files not written by Backup are left alone.
func PruneBackups(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read backup directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), backupPrefix) || filepath.Ext(entry.Name()) != ".db" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// BackupScheduler snapshots the database on an interval and prunes expired snapshots.
type BackupScheduler struct {
	db     *DB
	cfg    config.BackupConfig
	logger zerolog.Logger
}

func NewBackupScheduler(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupScheduler {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "backup").Logger()
	}
	return &BackupScheduler{db: db, cfg: cfg, logger: l}
}

// Run blocks until ctx is done. It returns immediately when no interval is configured.
func (s *BackupScheduler) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		s.logger.Info().Msg("scheduled backups disabled")
		return
	}
	s.logger.Info().Dur("interval", s.cfg.Interval).Str("dir", s.cfg.Dir).Msg("scheduled backups started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *BackupScheduler) RunOnce(ctx context.Context) {
	if _, err := s.db.Backup(ctx, s.cfg.Dir); err != nil {
		s.logger.Error().Err(err).Msg("scheduled backup failed")
		return
	}
	if s.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := PruneBackups(s.cfg.Dir, cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("backup cleanup failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("removed", n).Msg("expired backups removed")
	}
}

// Package storage keeps the per-account purchase history and local
// preferences in a SQLite file.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/datamarket/pkg/errors"
)

// Store owns the database handle.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	purchases   *Purchases
	preferences *Preferences
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, errors.NewValidationError("storage.path", "database path is required", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WithCode(errors.CodeStorageError, "create database directory", err)
		}
	}

	// _busy_timeout lets the faucet and the daemon share one file.
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WithCode(errors.CodeStorageError, "open database", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.WithCode(errors.CodeStorageError, "open database", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		logger.Warn("Failed to enable WAL mode", zap.Error(err))
	}

	if err := ApplyMigrations(ctx, db, Migrations(), logger); err != nil {
		db.Close()
		return nil, errors.WithCode(errors.CodeStorageError, "migrate database", err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	s.purchases = &Purchases{store: s}
	s.preferences = &Preferences{store: s}

	if v, err := SchemaVersion(ctx, db); err == nil {
		logger.Info("Purchase store ready", zap.String("path", path), zap.Int("schema_version", v))
	}
	return s, nil
}

// Purchases returns the purchase history table.
func (s *Store) Purchases() *Purchases { return s.purchases }

// Preferences returns the local preference table.
func (s *Store) Preferences() *Preferences { return s.preferences }

// DB exposes the handle for maintenance tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

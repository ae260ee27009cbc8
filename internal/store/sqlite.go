package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/checkrelay/checkrelay/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetryAttempts = 3
	busyRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		size INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		name TEXT PRIMARY KEY,
		first_seen_at INTEGER NOT NULL,
		check_count INTEGER NOT NULL DEFAULT 1,
		last_outcome TEXT,
		last_finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(last_finished_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HasBlob reports whether content with the given hash is stored.
func (s *SQLiteStore) HasBlob(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blobs WHERE hash = ?`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query blob %s: %w: %w", hash, domain.ErrDatabase, err)
	}
	return true, nil
}

// PutBlob stores content under its hash, content-addressed. Hash collisions
// (same hash, different bytes) and hash/content mismatches are integrity
// errors; identical re-puts are no-ops. The check-and-insert runs in one
// transaction so no two writers can commit different bytes for one hash.
func (s *SQLiteStore) PutBlob(ctx context.Context, hash string, content []byte) error {
	if computed := domain.HashBytes(content); computed != hash {
		return fmt.Errorf("blob %s: content hashes to %s: %w", hash, computed, domain.ErrIntegrity)
	}

	return shared.RetrySQLite(ctx, busyRetryAttempts, busyRetryDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin put blob: %w: %w", domain.ErrDatabase, err)
		}
		defer func() { _ = tx.Rollback() }()

		var existing []byte
		err = tx.QueryRowContext(ctx,
			`SELECT content FROM blobs WHERE hash = ?`, hash).Scan(&existing)
		switch {
		case err == nil:
			if !bytes.Equal(existing, content) {
				return fmt.Errorf("blob %s already stored with different content: %w", hash, domain.ErrIntegrity)
			}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("query blob %s: %w: %w", hash, domain.ErrDatabase, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blobs (hash, content, size, created_at) VALUES (?, ?, ?, ?)`,
			hash, content, len(content), time.Now().Unix()); err != nil {
			return fmt.Errorf("insert blob %s: %w: %w", hash, domain.ErrDatabase, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit blob %s: %w: %w", hash, domain.ErrDatabase, err)
		}
		return nil
	})
}

// GetBlob retrieves stored content by hash.
func (s *SQLiteStore) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM blobs WHERE hash = ?`, hash).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", hash, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query blob %s: %w: %w", hash, domain.ErrDatabase, err)
	}
	return content, nil
}

// RunExists reports whether a run name has been checked before.
func (s *SQLiteStore) RunExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM runs WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query run %s: %w: %w", name, domain.ErrDatabase, err)
	}
	return true, nil
}

// RecordRun registers a run name or bumps its check counter.
func (s *SQLiteStore) RecordRun(ctx context.Context, name string, at time.Time) error {
	return shared.RetrySQLite(ctx, busyRetryAttempts, busyRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (name, first_seen_at) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET check_count = check_count + 1`,
			name, at.Unix())
		if err != nil {
			return fmt.Errorf("record run %s: %w: %w", name, domain.ErrDatabase, err)
		}
		return nil
	})
}

// FinishRun stores the outcome of a run's latest session.
func (s *SQLiteStore) FinishRun(ctx context.Context, name string, outcome string, at time.Time) error {
	return shared.RetrySQLite(ctx, busyRetryAttempts, busyRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE runs SET last_outcome = ?, last_finished_at = ? WHERE name = ?`,
			outcome, at.Unix(), name)
		if err != nil {
			return fmt.Errorf("finish run %s: %w: %w", name, domain.ErrDatabase, err)
		}
		return nil
	})
}

// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"
)

// Repository defines the interface for the content-addressed file store and
// the per-run-name history the server keeps across sessions.
type Repository interface {
	// HasBlob reports whether content with the given hash is already stored.
	HasBlob(ctx context.Context, hash string) (bool, error)

	// PutBlob stores content under its hash. It is idempotent for identical
	// bytes and fails with domain.ErrIntegrity if different bytes are already
	// stored under the hash, or if the hash does not match the content.
	PutBlob(ctx context.Context, hash string, content []byte) error

	// GetBlob retrieves stored content by hash. Fails with domain.ErrNotFound
	// if the hash is unknown.
	GetBlob(ctx context.Context, hash string) ([]byte, error)

	// RunExists reports whether the run name has ever been checked before.
	// initConnection uses this to tell first-ever checks from re-checks.
	RunExists(ctx context.Context, name string) (bool, error)

	// RecordRun registers a run name the first time it is checked and bumps
	// its check counter on every subsequent session.
	RecordRun(ctx context.Context, name string, at time.Time) error

	// FinishRun stores the outcome of the most recent session for a run.
	FinishRun(ctx context.Context, name string, outcome string, at time.Time) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

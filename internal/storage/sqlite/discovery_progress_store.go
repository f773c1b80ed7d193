package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// DiscoveryProgressStore is a SQLite implementation of storage.DiscoveryProgressStore.
type DiscoveryProgressStore struct {
	db *sql.DB
}

var _ storage.DiscoveryProgressStore = (*DiscoveryProgressStore)(nil)

// NewDiscoveryProgressStore creates a progress store on a database returned by Open.
func NewDiscoveryProgressStore(db *sql.DB) *DiscoveryProgressStore {
	return &DiscoveryProgressStore{db: db}
}

// GetLastProcessed returns the last processed generation.
func (s *DiscoveryProgressStore) GetLastProcessed(ctx context.Context) (*storage.DiscoveryProgress, error) {
	var (
		progress storage.DiscoveryProgress
		ms       int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT generation, snapshot_path, addresses, processed_at_ms
		FROM discovery_progress WHERE id = 1
	`).Scan(&progress.Generation, &progress.SnapshotPath, &progress.Addresses, &ms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, classifyError(err)
	}
	progress.ProcessedAt = time.UnixMilli(ms).UTC()
	return &progress, nil
}

// SetLastProcessed saves the last processed generation, refusing to move backwards.
func (s *DiscoveryProgressStore) SetLastProcessed(ctx context.Context, progress *storage.DiscoveryProgress) error {
	if progress == nil {
		return storage.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO discovery_progress (id, generation, snapshot_path, addresses, processed_at_ms)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			generation=excluded.generation,
			snapshot_path=excluded.snapshot_path,
			addresses=excluded.addresses,
			processed_at_ms=excluded.processed_at_ms
		WHERE discovery_progress.generation <= excluded.generation
	`, progress.Generation, progress.SnapshotPath, progress.Addresses, time.Now().UnixMilli())
	if err != nil {
		return classifyError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifyError(err)
	}
	if n == 0 {
		return storage.ErrInvalidInput
	}
	return nil
}

package postgres

import (
	"context"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// DiscoveryProgressStore is a PostgreSQL implementation of storage.DiscoveryProgressStore.
// Uses a single-row table user_metrics.discovery_progress.
type DiscoveryProgressStore struct {
	pool *Pool
}

var _ storage.DiscoveryProgressStore = (*DiscoveryProgressStore)(nil)

// NewDiscoveryProgressStore creates a new PostgreSQL discovery progress store.
func NewDiscoveryProgressStore(pool *Pool) *DiscoveryProgressStore {
	return &DiscoveryProgressStore{pool: pool}
}

// GetLastProcessed returns the last processed generation.
func (s *DiscoveryProgressStore) GetLastProcessed(ctx context.Context) (*storage.DiscoveryProgress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT generation, snapshot_path, addresses, processed_at
		FROM user_metrics.discovery_progress
		WHERE id = 1
	`)

	var progress storage.DiscoveryProgress
	err := row.Scan(&progress.Generation, &progress.SnapshotPath, &progress.Addresses, &progress.ProcessedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, classifyError(err)
	}

	return &progress, nil
}

// SetLastProcessed saves the last processed generation.
// The WHERE clause keeps the stored generation from moving backwards.
func (s *DiscoveryProgressStore) SetLastProcessed(ctx context.Context, progress *storage.DiscoveryProgress) error {
	if progress == nil {
		return storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO user_metrics.discovery_progress (id, generation, snapshot_path, addresses, processed_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET generation = EXCLUDED.generation,
		    snapshot_path = EXCLUDED.snapshot_path,
		    addresses = EXCLUDED.addresses,
		    processed_at = NOW()
		WHERE user_metrics.discovery_progress.generation <= EXCLUDED.generation
	`, progress.Generation, progress.SnapshotPath, progress.Addresses)
	if err != nil {
		return classifyError(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrInvalidInput
	}
	return nil
}

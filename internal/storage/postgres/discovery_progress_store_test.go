package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

func TestDiscoveryProgressStore_SetAndGetLastProcessed(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewDiscoveryProgressStore(pool)

	progress := &storage.DiscoveryProgress{
		Generation:   12345,
		SnapshotPath: "/data/periodic_abci_states/20250301/12345.rmp",
		Addresses:    42,
	}

	err := store.SetLastProcessed(ctx, progress)
	require.NoError(t, err)

	retrieved, err := store.GetLastProcessed(ctx)
	require.NoError(t, err)

	assert.Equal(t, progress.Generation, retrieved.Generation)
	assert.Equal(t, progress.SnapshotPath, retrieved.SnapshotPath)
	assert.Equal(t, progress.Addresses, retrieved.Addresses)
	assert.False(t, retrieved.ProcessedAt.IsZero())
}

func TestDiscoveryProgressStore_GetLastProcessedNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewDiscoveryProgressStore(pool)

	_, err := store.GetLastProcessed(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDiscoveryProgressStore_NeverMovesBackwards(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewDiscoveryProgressStore(pool)

	require.NoError(t, store.SetLastProcessed(ctx, &storage.DiscoveryProgress{Generation: 5}))
	require.NoError(t, store.SetLastProcessed(ctx, &storage.DiscoveryProgress{Generation: 5}))

	err := store.SetLastProcessed(ctx, &storage.DiscoveryProgress{Generation: 4})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	require.NoError(t, store.SetLastProcessed(ctx, &storage.DiscoveryProgress{Generation: 9}))

	retrieved, err := store.GetLastProcessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), retrieved.Generation)
}

func TestDiscoveryProgressStore_NilProgress(t *testing.T) {
	store := NewDiscoveryProgressStore(nil)
	err := store.SetLastProcessed(context.Background(), nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

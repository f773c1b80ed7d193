package storage

import (
	"context"
	"time"
)

// DiscoveryProgress represents the last snapshot generation merged into the working set.
type DiscoveryProgress struct {
	Generation   int64     // snapshot height
	SnapshotPath string    // file the generation was read from
	Addresses    int       // addresses discovered in that snapshot
	ProcessedAt  time.Time // when the merge completed
}

// DiscoveryProgressStore persists the discovery high-water mark so restarts do not
// reprocess old snapshots.
type DiscoveryProgressStore interface {
	// GetLastProcessed returns the last processed generation.
	// Returns ErrNotFound if no progress has been saved yet.
	GetLastProcessed(ctx context.Context) (*DiscoveryProgress, error)

	// SetLastProcessed saves the last processed generation.
	// Returns ErrInvalidInput if the generation would move backwards.
	SetLastProcessed(ctx context.Context, progress *DiscoveryProgress) error
}

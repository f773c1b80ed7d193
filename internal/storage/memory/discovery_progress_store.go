package memory

import (
	"context"
	"sync"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// DiscoveryProgressStore is an in-memory implementation of storage.DiscoveryProgressStore.
type DiscoveryProgressStore struct {
	mu       sync.RWMutex
	progress *storage.DiscoveryProgress
}

var _ storage.DiscoveryProgressStore = (*DiscoveryProgressStore)(nil)

// NewDiscoveryProgressStore creates a new in-memory discovery progress store.
func NewDiscoveryProgressStore() *DiscoveryProgressStore {
	return &DiscoveryProgressStore{}
}

// GetLastProcessed returns the last processed generation.
func (s *DiscoveryProgressStore) GetLastProcessed(_ context.Context) (*storage.DiscoveryProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.progress == nil {
		return nil, storage.ErrNotFound
	}

	progressCopy := *s.progress
	return &progressCopy, nil
}

// SetLastProcessed saves the last processed generation.
func (s *DiscoveryProgressStore) SetLastProcessed(_ context.Context, progress *storage.DiscoveryProgress) error {
	if progress == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.progress != nil && progress.Generation < s.progress.Generation {
		return storage.ErrInvalidInput
	}

	progressCopy := *progress
	s.progress = &progressCopy
	return nil
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// PositionHistoryStore is an in-memory implementation of storage.PositionHistoryStore.
type PositionHistoryStore struct {
	mu   sync.RWMutex
	data map[domain.PositionKey][]storage.PositionObservation
}

var _ storage.PositionHistoryStore = (*PositionHistoryStore)(nil)

// NewPositionHistoryStore creates an empty history store.
func NewPositionHistoryStore() *PositionHistoryStore {
	return &PositionHistoryStore{
		data: make(map[domain.PositionKey][]storage.PositionObservation),
	}
}

// Append adds observations.
func (s *PositionHistoryStore) Append(_ context.Context, obs []storage.PositionObservation) error {
	for _, o := range obs {
		if o.Position.Address == "" || o.Position.Market == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range obs {
		key := o.Position.Key()
		s.data[key] = append(s.data[key], o)
	}
	return nil
}

// GetByAddress returns observations within [from, to], oldest first.
func (s *PositionHistoryStore) GetByAddress(_ context.Context, addr domain.Address, market domain.Market, from, to time.Time) ([]storage.PositionObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []storage.PositionObservation
	for _, o := range s.data[domain.PositionKey{Address: addr, Market: market}] {
		if !o.ObservedAt.Before(from) && !o.ObservedAt.After(to) {
			result = append(result, o)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ObservedAt.Before(result[j].ObservedAt)
	})
	return result, nil
}

// Len returns the total number of stored observations.
func (s *PositionHistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, obs := range s.data {
		n += len(obs)
	}
	return n
}

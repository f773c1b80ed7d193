package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// PositionBackend is an in-memory implementation of storage.PositionBackend.
type PositionBackend struct {
	mu         sync.Mutex
	partitions map[domain.Market]*PositionPartition
	now        func() time.Time
}

// Compile-time interface checks.
var (
	_ storage.PositionBackend   = (*PositionBackend)(nil)
	_ storage.PositionPartition = (*PositionPartition)(nil)
)

// NewPositionBackend creates an empty in-memory backend.
func NewPositionBackend() *PositionBackend {
	return &PositionBackend{
		partitions: make(map[domain.Market]*PositionPartition),
		now:        time.Now,
	}
}

// WithClock replaces the time source used for update timestamps.
func (b *PositionBackend) WithClock(now func() time.Time) *PositionBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	for _, p := range b.partitions {
		p.setClock(now)
	}
	return b
}

// Partition returns the partition for market, creating it on first use.
func (b *PositionBackend) Partition(_ context.Context, market domain.Market) (storage.PositionPartition, error) {
	m, err := domain.ParseMarket(string(market))
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.partitions[m]
	if !ok {
		p = &PositionPartition{
			market: m,
			rows:   make(map[domain.Address]*domain.Position),
			now:    b.now,
		}
		b.partitions[m] = p
	}
	return p, nil
}

// Close is a no-op.
func (b *PositionBackend) Close() error {
	return nil
}

// PositionPartition holds one market's rows.
type PositionPartition struct {
	mu     sync.RWMutex
	market domain.Market
	rows   map[domain.Address]*domain.Position
	now    func() time.Time
}

func (p *PositionPartition) setClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Market returns the partition's market.
func (p *PositionPartition) Market() domain.Market {
	return p.market
}

// Upsert inserts or overwrites the row for the position's address.
func (p *PositionPartition) Upsert(_ context.Context, pos *domain.Position) error {
	if pos == nil || pos.Address == "" || pos.Market != p.market {
		return storage.ErrInvalidInput
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	row := *pos
	row.UpdatedAt = p.now()
	p.rows[pos.Address] = &row
	return nil
}

// MarkClosed zeroes an open row.
func (p *PositionPartition) MarkClosed(_ context.Context, addr domain.Address) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row, ok := p.rows[addr]
	if !ok || (row.Size == 0 && row.PositionValue == 0) {
		return false, nil
	}
	row.Size = 0
	row.PositionValue = 0
	row.UpdatedAt = p.now()
	return true, nil
}

// CleanupStale deletes zero rows older than maxAge.
func (p *PositionPartition) CleanupStale(_ context.Context, maxAge time.Duration) ([]domain.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-maxAge)
	var removed []domain.Address
	for addr, row := range p.rows {
		if (row.Size == 0 || row.PositionValue == 0) && row.UpdatedAt.Before(cutoff) {
			delete(p.rows, addr)
			removed = append(removed, addr)
		}
	}
	domain.SortAddresses(removed)
	return removed, nil
}

// Query returns rows at or above minValueUSD, largest first.
func (p *PositionPartition) Query(_ context.Context, minValueUSD float64) ([]domain.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]domain.Position, 0, len(p.rows))
	for _, row := range p.rows {
		if row.PositionValue >= minValueUSD {
			result = append(result, *row)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].PositionValue != result[j].PositionValue {
			return result[i].PositionValue > result[j].PositionValue
		}
		return result[i].Address < result[j].Address
	})
	return result, nil
}

// Stats aggregates rows at or above minValueUSD.
func (p *PositionPartition) Stats(ctx context.Context, minValueUSD float64) (domain.PositionStats, error) {
	rows, err := p.Query(ctx, minValueUSD)
	if err != nil {
		return domain.PositionStats{}, err
	}
	return Aggregate(rows), nil
}

// Addresses returns distinct addresses at or above minValueUSD.
func (p *PositionPartition) Addresses(_ context.Context, minValueUSD float64) ([]domain.Address, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []domain.Address
	for addr, row := range p.rows {
		if row.PositionValue >= minValueUSD {
			result = append(result, addr)
		}
	}
	domain.SortAddresses(result)
	return result, nil
}

// Has reports whether a row exists for addr.
func (p *PositionPartition) Has(_ context.Context, addr domain.Address) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.rows[addr]
	return ok, nil
}

// Aggregate computes stats over rows.
func Aggregate(rows []domain.Position) domain.PositionStats {
	var stats domain.PositionStats
	if len(rows) == 0 {
		return stats
	}

	unique := make(map[domain.Address]struct{}, len(rows))
	oldest, newest := rows[0].UpdatedAt, rows[0].UpdatedAt
	for _, r := range rows {
		unique[r.Address] = struct{}{}
		stats.TotalValueUSD += r.PositionValue
		if r.PositionValue > stats.MaxValueUSD {
			stats.MaxValueUSD = r.PositionValue
		}
		if r.UpdatedAt.Before(oldest) {
			oldest = r.UpdatedAt
		}
		if r.UpdatedAt.After(newest) {
			newest = r.UpdatedAt
		}
	}
	stats.UniqueAddresses = len(unique)
	stats.TotalPositions = len(rows)
	stats.AvgValueUSD = stats.TotalValueUSD / float64(len(rows))
	stats.OldestUpdate = &oldest
	stats.NewestUpdate = &newest
	return stats
}

package storage

import (
	"context"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
)

// PositionBackend opens per-market partitions of live position rows.
// Implementations validate the market name before creating or addressing any storage object.
type PositionBackend interface {
	// Partition returns the handle for market, creating its storage on first use.
	// Returns domain.ErrInvalidMarketName for names outside [A-Za-z0-9_]+.
	Partition(ctx context.Context, market domain.Market) (PositionPartition, error)

	// Close releases backend resources.
	Close() error
}

// PositionPartition provides access to one market's live positions, keyed by address.
type PositionPartition interface {
	// Market returns the market this partition holds.
	Market() domain.Market

	// Upsert inserts or overwrites the row for (p.Address, p.Market) and refreshes its
	// update timestamp. Last writer wins.
	Upsert(ctx context.Context, p *domain.Position) error

	// MarkClosed zeroes size and value of an open row and refreshes its timestamp.
	// Returns false if there was no open row.
	MarkClosed(ctx context.Context, addr domain.Address) (bool, error)

	// CleanupStale deletes rows with zero size or zero value whose last update is older
	// than maxAge. Returns the addresses of deleted rows.
	CleanupStale(ctx context.Context, maxAge time.Duration) ([]domain.Address, error)

	// Query returns rows with position_value >= minValueUSD ordered by value descending.
	Query(ctx context.Context, minValueUSD float64) ([]domain.Position, error)

	// Stats aggregates rows with position_value >= minValueUSD.
	Stats(ctx context.Context, minValueUSD float64) (domain.PositionStats, error)

	// Addresses returns the distinct addresses with position_value >= minValueUSD.
	Addresses(ctx context.Context, minValueUSD float64) ([]domain.Address, error)

	// Has reports whether any row exists for addr.
	Has(ctx context.Context, addr domain.Address) (bool, error)
}

// PositionMirror receives persisted changes for low-latency downstream readers.
type PositionMirror interface {
	// Put stores the latest state of a position.
	Put(ctx context.Context, p *domain.Position) error

	// Remove drops a position that was closed or cleaned up.
	Remove(ctx context.Context, key domain.PositionKey) error
}

// PositionObservation is one archived refresh result for a position.
type PositionObservation struct {
	Position   domain.Position
	Source     string // endpoint that served the fetch
	ObservedAt time.Time
}

// PositionHistoryStore archives position observations. Append-only.
type PositionHistoryStore interface {
	// Append adds observations in one batch.
	Append(ctx context.Context, obs []PositionObservation) error

	// GetByAddress returns observations for (addr, market) within [from, to], oldest first.
	GetByAddress(ctx context.Context, addr domain.Address, market domain.Market, from, to time.Time) ([]PositionObservation, error)
}

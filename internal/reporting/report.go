package reporting

import (
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
)

// Report is a point-in-time view of live positions above a value threshold.
type Report struct {
	// Metadata
	GeneratedAt time.Time
	MinValueUSD float64
	Market      *domain.Market // nil means every target market

	// Per-market statistics, sorted by market
	Markets []MarketStatsRow
	Overall domain.PositionStats

	// Positions ordered by value descending, truncated to the query limit
	Positions []PositionRow
	Truncated bool
}

// MarketStatsRow is one market's aggregate.
type MarketStatsRow struct {
	Market domain.Market
	Stats  domain.PositionStats
}

// PositionRow is one row in the positions table.
type PositionRow struct {
	Address          domain.Address
	Market           domain.Market
	Side             string
	Size             float64
	EntryPrice       float64
	PositionValue    float64
	LiquidationPrice *float64
	UnrealizedPnL    float64
	Leverage         string // e.g. "10x cross"
	UpdatedAt        time.Time
}

package domain

import "time"

// PositionStats aggregates live positions above a value threshold.
type PositionStats struct {
	UniqueAddresses int
	TotalPositions  int
	TotalValueUSD   float64
	AvgValueUSD     float64
	MaxValueUSD     float64
	OldestUpdate    *time.Time // nil when there are no rows
	NewestUpdate    *time.Time // nil when there are no rows
}

// MonitorStats holds per-market aggregates and the overall aggregate.
type MonitorStats struct {
	PerMarket map[Market]PositionStats
	Overall   PositionStats
}

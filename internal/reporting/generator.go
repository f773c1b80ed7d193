package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
)

// PositionQuerier is the read side of the live position store.
type PositionQuerier interface {
	FilteredQuery(ctx context.Context, minValueUSD float64, market *domain.Market) ([]domain.Position, error)
	AggregateStats(ctx context.Context, minValueUSD float64) (domain.MonitorStats, error)
}

// Query selects the rows of a report.
type Query struct {
	MinValueUSD float64
	Market      *domain.Market
	Limit       int // 0 means no limit
}

// Generator produces reports from stored positions.
type Generator struct {
	positions PositionQuerier
	now       func() time.Time // Injectable clock for deterministic output
}

// NewGenerator creates a new report generator.
func NewGenerator(positions PositionQuerier) *Generator {
	return &Generator{
		positions: positions,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets a custom clock function for deterministic output.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Generate runs q and assembles the report.
func (g *Generator) Generate(ctx context.Context, q Query) (*Report, error) {
	positions, err := g.positions.FilteredQuery(ctx, q.MinValueUSD, q.Market)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}

	stats, err := g.positions.AggregateStats(ctx, q.MinValueUSD)
	if err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}

	r := &Report{
		GeneratedAt: g.now(),
		MinValueUSD: q.MinValueUSD,
		Market:      q.Market,
		Overall:     stats.Overall,
	}

	for market, s := range stats.PerMarket {
		if q.Market != nil && market != *q.Market {
			continue
		}
		r.Markets = append(r.Markets, MarketStatsRow{Market: market, Stats: s})
	}
	sort.Slice(r.Markets, func(i, j int) bool { return r.Markets[i].Market < r.Markets[j].Market })
	if q.Market != nil && len(r.Markets) == 1 {
		r.Overall = r.Markets[0].Stats
	}

	if q.Limit > 0 && len(positions) > q.Limit {
		positions = positions[:q.Limit]
		r.Truncated = true
	}
	r.Positions = make([]PositionRow, 0, len(positions))
	for i := range positions {
		r.Positions = append(r.Positions, toRow(&positions[i]))
	}

	return r, nil
}

func toRow(p *domain.Position) PositionRow {
	return PositionRow{
		Address:          p.Address,
		Market:           p.Market,
		Side:             p.Side(),
		Size:             p.Size,
		EntryPrice:       p.EntryPrice,
		PositionValue:    p.PositionValue,
		LiquidationPrice: p.LiquidationPrice,
		UnrealizedPnL:    p.UnrealizedPnL,
		Leverage:         fmt.Sprintf("%dx %s", p.Leverage.Value, p.Leverage.Type),
		UpdatedAt:        p.UpdatedAt,
	}
}

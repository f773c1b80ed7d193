package domain

import "time"

// LeverageType is the margin mode of a position.
type LeverageType string

const (
	LeverageCross    LeverageType = "cross"
	LeverageIsolated LeverageType = "isolated"
)

// IsValid checks if the leverage type is a known value.
func (t LeverageType) IsValid() bool {
	return t == LeverageCross || t == LeverageIsolated
}

// Leverage describes how a position is margined.
type Leverage struct {
	Type   LeverageType
	Value  int      // integer multiplier
	RawUSD *float64 // isolated positions only (nullable)
}

// AccountSummary holds account-level fields reported alongside positions.
type AccountSummary struct {
	AccountValue    float64
	TotalMarginUsed float64
	Withdrawable    float64
}

// PositionKey identifies a live position row.
type PositionKey struct {
	Address Address
	Market  Market
}

// Position is one address's exposure in one market.
// Corresponds to <market>_live_positions tables, keyed by (address, market).
type Position struct {
	Address Address
	Market  Market

	Size             float64  // signed: positive long, negative short
	EntryPrice       float64  // average entry price
	LiquidationPrice *float64 // nullable; absent for positions that cannot be liquidated
	MarginUsed       float64
	PositionValue    float64 // USD notional, always non-negative
	UnrealizedPnL    float64
	ReturnOnEquity   float64
	Leverage         Leverage

	Account AccountSummary

	UpdatedAt time.Time // set by storage on write
}

// Key returns the (address, market) key of the position.
func (p *Position) Key() PositionKey {
	return PositionKey{Address: p.Address, Market: p.Market}
}

// IsLong returns true if the position is long.
func (p *Position) IsLong() bool {
	return p.Size > 0
}

// IsClosed returns true if the position has no remaining exposure.
func (p *Position) IsClosed() bool {
	return p.Size == 0 || p.PositionValue == 0
}

// Side returns "LONG", "SHORT" or "FLAT".
func (p *Position) Side() string {
	switch {
	case p.Size > 0:
		return "LONG"
	case p.Size < 0:
		return "SHORT"
	default:
		return "FLAT"
	}
}

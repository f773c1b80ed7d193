package fetcher

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/hyperliquid"
)

var errMalformedPosition = errors.New("malformed position")

// normalize converts an API response into positions for the target markets.
// Flat positions and markets outside the allow-list are dropped.
func normalize(addr domain.Address, state *hyperliquid.ClearinghouseState, markets domain.MarketSet, now time.Time) ([]domain.Position, domain.AccountSummary, error) {
	var (
		account domain.AccountSummary
		err     error
	)
	if account.AccountValue, err = parseOptional(state.MarginSummary.AccountValue); err != nil {
		return nil, account, fmt.Errorf("%w: accountValue: %v", errMalformedPosition, err)
	}
	if account.TotalMarginUsed, err = parseOptional(state.MarginSummary.TotalMarginUsed); err != nil {
		return nil, account, fmt.Errorf("%w: totalMarginUsed: %v", errMalformedPosition, err)
	}
	if account.Withdrawable, err = parseOptional(state.Withdrawable); err != nil {
		return nil, account, fmt.Errorf("%w: withdrawable: %v", errMalformedPosition, err)
	}

	var positions []domain.Position
	for _, ap := range state.AssetPositions {
		p := ap.Position
		market, err := domain.ParseMarket(p.Coin)
		if err != nil || !markets.Contains(market) {
			continue
		}

		pos, err := toPosition(addr, market, p)
		if err != nil {
			return nil, account, fmt.Errorf("%w: %s: %v", errMalformedPosition, market, err)
		}
		if pos.Size == 0 {
			continue
		}
		pos.Account = account
		pos.UpdatedAt = now
		positions = append(positions, pos)
	}
	return positions, account, nil
}

func toPosition(addr domain.Address, market domain.Market, p hyperliquid.PerpPosition) (domain.Position, error) {
	size, err := strconv.ParseFloat(strings.TrimSpace(p.Szi), 64)
	if err != nil {
		return domain.Position{}, fmt.Errorf("szi: %w", err)
	}

	pos := domain.Position{Address: addr, Market: market, Size: size}
	fields := []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"entryPx", deref(p.EntryPx), &pos.EntryPrice},
		{"positionValue", p.PositionValue, &pos.PositionValue},
		{"unrealizedPnl", p.UnrealizedPnl, &pos.UnrealizedPnL},
		{"returnOnEquity", p.ReturnOnEquity, &pos.ReturnOnEquity},
		{"marginUsed", p.MarginUsed, &pos.MarginUsed},
	}
	for _, f := range fields {
		if *f.dst, err = parseOptional(f.raw); err != nil {
			return domain.Position{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if pos.PositionValue == 0 {
		pos.PositionValue = math.Abs(size) * pos.EntryPrice
	}

	if p.LiquidationPx != nil && *p.LiquidationPx != "" {
		liq, err := strconv.ParseFloat(*p.LiquidationPx, 64)
		if err != nil {
			return domain.Position{}, fmt.Errorf("liquidationPx: %w", err)
		}
		pos.LiquidationPrice = &liq
	}

	pos.Leverage.Type = domain.LeverageType(strings.ToLower(p.Leverage.Type))
	if pos.Leverage.Type == "" {
		pos.Leverage.Type = domain.LeverageCross
	}
	if !pos.Leverage.Type.IsValid() {
		return domain.Position{}, fmt.Errorf("leverage type %q", p.Leverage.Type)
	}
	pos.Leverage.Value = p.Leverage.Value
	if p.Leverage.RawUsd != nil && *p.Leverage.RawUsd != "" {
		raw, err := strconv.ParseFloat(*p.Leverage.RawUsd, 64)
		if err != nil {
			return domain.Position{}, fmt.Errorf("rawUsd: %w", err)
		}
		pos.Leverage.RawUSD = &raw
	}
	return pos, nil
}

func parseOptional(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

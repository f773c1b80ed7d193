package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderCSV renders position rows as CSV string.
func RenderCSV(rows []PositionRow) string {
	var sb strings.Builder

	// Header
	sb.WriteString("address,market,side,size,entry_price,position_value,")
	sb.WriteString("liquidation_price,unrealized_pnl,leverage,updated_at\n")

	// Rows
	for _, r := range rows {
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%.6f,%.6f,%.2f,%s,%.2f,%s,%s\n",
			r.Address,
			r.Market,
			r.Side,
			r.Size,
			r.EntryPrice,
			r.PositionValue,
			optional(r.LiquidationPrice, "%.6f"),
			r.UnrealizedPnL,
			r.Leverage,
			r.UpdatedAt.UTC().Format(time.RFC3339),
		))
	}

	return sb.String()
}

// RenderStatsCSV renders per-market statistics followed by an ALL row.
func RenderStatsCSV(r *Report) string {
	var sb strings.Builder

	sb.WriteString("market,unique_addresses,total_positions,total_value_usd,avg_value_usd,max_value_usd\n")
	for _, m := range r.Markets {
		sb.WriteString(fmt.Sprintf("%s,%d,%d,%.2f,%.2f,%.2f\n",
			m.Market, m.Stats.UniqueAddresses, m.Stats.TotalPositions,
			m.Stats.TotalValueUSD, m.Stats.AvgValueUSD, m.Stats.MaxValueUSD))
	}
	sb.WriteString(fmt.Sprintf("ALL,%d,%d,%.2f,%.2f,%.2f\n",
		r.Overall.UniqueAddresses, r.Overall.TotalPositions,
		r.Overall.TotalValueUSD, r.Overall.AvgValueUSD, r.Overall.MaxValueUSD))

	return sb.String()
}

func optional(f *float64, format string) string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf(format, *f)
}

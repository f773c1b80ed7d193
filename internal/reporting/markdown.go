package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# Position Report\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	scope := "all markets"
	if r.Market != nil {
		scope = string(*r.Market)
	}
	sb.WriteString(fmt.Sprintf("Scope: %s | Min value: $%.0f\n\n", scope, r.MinValueUSD))

	// Summary
	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Unique Addresses | %d |\n", r.Overall.UniqueAddresses))
	sb.WriteString(fmt.Sprintf("| Total Positions | %d |\n", r.Overall.TotalPositions))
	sb.WriteString(fmt.Sprintf("| Total Value (USD) | %.2f |\n", r.Overall.TotalValueUSD))
	sb.WriteString(fmt.Sprintf("| Average Value (USD) | %.2f |\n", r.Overall.AvgValueUSD))
	sb.WriteString(fmt.Sprintf("| Max Value (USD) | %.2f |\n", r.Overall.MaxValueUSD))
	if r.Overall.OldestUpdate != nil && r.Overall.NewestUpdate != nil {
		sb.WriteString(fmt.Sprintf("| Oldest Update | %s |\n", r.Overall.OldestUpdate.UTC().Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("| Newest Update | %s |\n", r.Overall.NewestUpdate.UTC().Format(time.RFC3339)))
	}
	sb.WriteString("\n")

	// Per-market
	sb.WriteString("## Markets\n\n")
	if len(r.Markets) > 0 {
		sb.WriteString("| Market | Addresses | Positions | Total USD | Avg USD | Max USD |\n")
		sb.WriteString("|--------|-----------|-----------|-----------|---------|---------|\n")
		for _, m := range r.Markets {
			sb.WriteString(fmt.Sprintf("| %s | %d | %d | %.2f | %.2f | %.2f |\n",
				m.Market, m.Stats.UniqueAddresses, m.Stats.TotalPositions,
				m.Stats.TotalValueUSD, m.Stats.AvgValueUSD, m.Stats.MaxValueUSD))
		}
	} else {
		sb.WriteString("No market statistics available.\n")
	}
	sb.WriteString("\n")

	// Positions
	sb.WriteString("## Positions\n\n")
	if len(r.Positions) > 0 {
		sb.WriteString("| Address | Market | Side | Size | Entry | Value USD | Liq. Price | uPnL | Leverage |\n")
		sb.WriteString("|---------|--------|------|------|-------|-----------|------------|------|----------|\n")
		for _, p := range r.Positions {
			liq := optional(p.LiquidationPrice, "%.4f")
			if liq == "" {
				liq = "-"
			}
			sb.WriteString(fmt.Sprintf("| `%s` | %s | %s | %.4f | %.4f | %.2f | %s | %.2f | %s |\n",
				p.Address, p.Market, p.Side, p.Size, p.EntryPrice, p.PositionValue,
				liq, p.UnrealizedPnL, p.Leverage))
		}
		if r.Truncated {
			sb.WriteString(fmt.Sprintf("\n_Showing the largest %d positions._\n", len(r.Positions)))
		}
	} else {
		sb.WriteString("No positions above the threshold.\n")
	}
	sb.WriteString("\n")

	return sb.String()
}

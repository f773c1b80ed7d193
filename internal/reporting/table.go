package reporting

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// RenderTable writes the report as aligned plain-text columns.
func RenderTable(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(tw, "MARKET\tADDRESSES\tPOSITIONS\tTOTAL USD\tAVG USD\tMAX USD\t")
	for _, m := range r.Markets {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%.2f\t%.2f\t\n",
			m.Market, m.Stats.UniqueAddresses, m.Stats.TotalPositions,
			m.Stats.TotalValueUSD, m.Stats.AvgValueUSD, m.Stats.MaxValueUSD)
	}
	fmt.Fprintf(tw, "ALL\t%d\t%d\t%.2f\t%.2f\t%.2f\t\n",
		r.Overall.UniqueAddresses, r.Overall.TotalPositions,
		r.Overall.TotalValueUSD, r.Overall.AvgValueUSD, r.Overall.MaxValueUSD)
	fmt.Fprintln(tw, "\t\t\t\t\t\t")

	fmt.Fprintln(tw, "ADDRESS\tMARKET\tSIDE\tSIZE\tVALUE USD\tLIQ PX\tLEVERAGE\t")
	for _, p := range r.Positions {
		liq := optional(p.LiquidationPrice, "%.4f")
		if liq == "" {
			liq = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%.2f\t%s\t%s\t\n",
			p.Address, p.Market, p.Side, p.Size, p.PositionValue, liq, p.Leverage)
	}

	return tw.Flush()
}

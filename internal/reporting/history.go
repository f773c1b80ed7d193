package reporting

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// HistoryQuerier is the read side of the position archive.
type HistoryQuerier interface {
	GetByAddress(ctx context.Context, addr domain.Address, market domain.Market, from, to time.Time) ([]storage.PositionObservation, error)
}

// HistoryRow is one archived observation of a position.
type HistoryRow struct {
	ObservedAt time.Time
	Source     string
	PositionRow
}

// History returns the observations of addr in every market within [from, to],
// oldest first.
func History(ctx context.Context, h HistoryQuerier, addr domain.Address, markets []domain.Market, from, to time.Time) ([]HistoryRow, error) {
	var rows []HistoryRow
	for _, m := range markets {
		obs, err := h.GetByAddress(ctx, addr, m, from, to)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", m, err)
		}
		for i := range obs {
			rows = append(rows, HistoryRow{
				ObservedAt:  obs[i].ObservedAt,
				Source:      obs[i].Source,
				PositionRow: toRow(&obs[i].Position),
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].ObservedAt.Equal(rows[j].ObservedAt) {
			return rows[i].ObservedAt.Before(rows[j].ObservedAt)
		}
		return rows[i].Market < rows[j].Market
	})
	return rows, nil
}

// RenderHistoryTable writes observations as aligned plain-text columns.
func RenderHistoryTable(w io.Writer, rows []HistoryRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "OBSERVED\tMARKET\tSIDE\tSIZE\tVALUE USD\tPNL USD\tSOURCE\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\t%.2f\t%.2f\t%s\t\n",
			r.ObservedAt.UTC().Format(time.RFC3339), r.Market, r.Side,
			r.Size, r.PositionValue, r.UnrealizedPnL, r.Source)
	}
	return tw.Flush()
}

// RenderHistoryCSV renders observations as CSV string.
func RenderHistoryCSV(rows []HistoryRow) string {
	var sb strings.Builder
	sb.WriteString("observed_at,source,market,side,size,entry_price,position_value,unrealized_pnl,leverage\n")
	for _, r := range rows {
		sb.WriteString(fmt.Sprintf("%s,%s,%s,%s,%.6f,%.6f,%.2f,%.2f,%s\n",
			r.ObservedAt.UTC().Format(time.RFC3339),
			r.Source,
			r.Market,
			r.Side,
			r.Size,
			r.EntryPrice,
			r.PositionValue,
			r.UnrealizedPnL,
			r.Leverage,
		))
	}
	return sb.String()
}

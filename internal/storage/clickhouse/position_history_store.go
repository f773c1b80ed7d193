package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// PositionHistoryStore implements storage.PositionHistoryStore using ClickHouse.
type PositionHistoryStore struct {
	conn *Conn
}

// NewPositionHistoryStore creates a new PositionHistoryStore.
func NewPositionHistoryStore(conn *Conn) *PositionHistoryStore {
	return &PositionHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PositionHistoryStore = (*PositionHistoryStore)(nil)

// Append inserts observations in a single batch.
func (s *PositionHistoryStore) Append(ctx context.Context, obs []storage.PositionObservation) error {
	if len(obs) == 0 {
		return nil
	}
	for _, o := range obs {
		if o.Position.Address == "" || o.Position.Market == "" {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO position_history (
			address, market, observed_at, source, position_size, entry_price,
			liquidation_price, margin_used, position_value, unrealized_pnl,
			return_on_equity, leverage_type, leverage_value, account_value, withdrawable
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: prepare batch: %v", storage.ErrUnavailable, err)
	}

	for _, o := range obs {
		p := o.Position
		err = batch.Append(
			string(p.Address), string(p.Market), o.ObservedAt.UTC(), o.Source,
			p.Size, p.EntryPrice, p.LiquidationPrice, p.MarginUsed, p.PositionValue,
			p.UnrealizedPnL, p.ReturnOnEquity, string(p.Leverage.Type), int32(p.Leverage.Value),
			p.Account.AccountValue, p.Account.Withdrawable,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("%w: send batch: %v", storage.ErrUnavailable, err)
	}

	return nil
}

// GetByAddress returns observations for (addr, market) within [from, to], oldest first.
func (s *PositionHistoryStore) GetByAddress(ctx context.Context, addr domain.Address, market domain.Market, from, to time.Time) ([]storage.PositionObservation, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT address, market, observed_at, source, position_size, entry_price,
		       liquidation_price, margin_used, position_value, unrealized_pnl,
		       return_on_equity, leverage_type, leverage_value, account_value, withdrawable
		FROM position_history
		WHERE address = ? AND market = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC
	`, string(addr), string(market), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query position history: %w", err)
	}
	defer rows.Close()

	var result []storage.PositionObservation
	for rows.Next() {
		var (
			o                     storage.PositionObservation
			address, mkt, levType string
			levValue              int32
		)
		err := rows.Scan(
			&address, &mkt, &o.ObservedAt, &o.Source, &o.Position.Size, &o.Position.EntryPrice,
			&o.Position.LiquidationPrice, &o.Position.MarginUsed, &o.Position.PositionValue,
			&o.Position.UnrealizedPnL, &o.Position.ReturnOnEquity, &levType, &levValue,
			&o.Position.Account.AccountValue, &o.Position.Account.Withdrawable,
		)
		if err != nil {
			return nil, fmt.Errorf("scan position history: %w", err)
		}
		o.Position.Address = domain.Address(address)
		o.Position.Market = domain.Market(mkt)
		o.Position.Leverage = domain.Leverage{Type: domain.LeverageType(levType), Value: int(levValue)}
		o.Position.UpdatedAt = o.ObservedAt
		result = append(result, o)
	}

	return result, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// PositionBackend implements storage.PositionBackend with one table per market.
// Timestamps are unix milliseconds taken from the backend clock.
type PositionBackend struct {
	db  *sql.DB
	now func() time.Time

	mu         sync.Mutex
	partitions map[domain.Market]*PositionPartition
}

// Compile-time interface checks.
var (
	_ storage.PositionBackend   = (*PositionBackend)(nil)
	_ storage.PositionPartition = (*PositionPartition)(nil)
)

// NewPositionBackend creates a backend on db. Tables are created lazily.
func NewPositionBackend(db *sql.DB) *PositionBackend {
	return &PositionBackend{
		db:         db,
		now:        time.Now,
		partitions: make(map[domain.Market]*PositionPartition),
	}
}

// WithClock replaces the time source. Call before the first Partition.
func (b *PositionBackend) WithClock(now func() time.Time) *PositionBackend {
	b.now = now
	return b
}

// Partition returns the cached handle for market, creating the table on first use.
func (b *PositionBackend) Partition(ctx context.Context, market domain.Market) (storage.PositionPartition, error) {
	m, err := domain.ParseMarket(string(market))
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.partitions[m]; ok {
		return p, nil
	}

	table := `"` + m.TableName() + `"`
	_, err = b.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  address TEXT NOT NULL,
  market TEXT NOT NULL,
  position_size REAL NOT NULL DEFAULT 0,
  entry_price REAL,
  liquidation_price REAL,
  margin_used REAL,
  position_value REAL NOT NULL DEFAULT 0,
  unrealized_pnl REAL,
  return_on_equity REAL,
  leverage_type TEXT NOT NULL DEFAULT 'cross',
  leverage_value INTEGER,
  leverage_raw_usd REAL,
  account_value REAL,
  total_margin_used REAL,
  withdrawable REAL,
  last_updated_ms INTEGER NOT NULL,
  PRIMARY KEY (address, market)
);
CREATE INDEX IF NOT EXISTS idx_%[2]s_last_updated ON %[1]s(last_updated_ms);
CREATE INDEX IF NOT EXISTS idx_%[2]s_value ON %[1]s(position_value DESC);
`, table, m.TableName()))
	if err != nil {
		return nil, fmt.Errorf("create partition %s: %w", table, classifyError(err))
	}

	p := &PositionPartition{db: b.db, market: m, table: table, now: b.now}
	b.partitions[m] = p
	return p, nil
}

// Close is a no-op; the handle is owned by the caller.
func (b *PositionBackend) Close() error {
	return nil
}

// PositionPartition is one market's table.
type PositionPartition struct {
	db     *sql.DB
	market domain.Market
	table  string
	now    func() time.Time
}

// Market returns the partition's market.
func (p *PositionPartition) Market() domain.Market {
	return p.market
}

// Upsert inserts or overwrites the row for (address, market).
func (p *PositionPartition) Upsert(ctx context.Context, pos *domain.Position) error {
	if pos == nil || pos.Address == "" || pos.Market != p.market {
		return storage.ErrInvalidInput
	}

	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			address, market, position_size, entry_price, liquidation_price,
			margin_used, position_value, unrealized_pnl, return_on_equity,
			leverage_type, leverage_value, leverage_raw_usd, account_value,
			total_margin_used, withdrawable, last_updated_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address, market) DO UPDATE SET
			position_size=excluded.position_size,
			entry_price=excluded.entry_price,
			liquidation_price=excluded.liquidation_price,
			margin_used=excluded.margin_used,
			position_value=excluded.position_value,
			unrealized_pnl=excluded.unrealized_pnl,
			return_on_equity=excluded.return_on_equity,
			leverage_type=excluded.leverage_type,
			leverage_value=excluded.leverage_value,
			leverage_raw_usd=excluded.leverage_raw_usd,
			account_value=excluded.account_value,
			total_margin_used=excluded.total_margin_used,
			withdrawable=excluded.withdrawable,
			last_updated_ms=excluded.last_updated_ms
	`, p.table),
		string(pos.Address), string(pos.Market), pos.Size, pos.EntryPrice, nullFloat(pos.LiquidationPrice),
		pos.MarginUsed, pos.PositionValue, pos.UnrealizedPnL, pos.ReturnOnEquity,
		string(pos.Leverage.Type), pos.Leverage.Value, nullFloat(pos.Leverage.RawUSD), pos.Account.AccountValue,
		pos.Account.TotalMarginUsed, pos.Account.Withdrawable, p.now().UnixMilli(),
	)
	return classifyError(err)
}

// MarkClosed zeroes an open row and refreshes its timestamp.
func (p *PositionPartition) MarkClosed(ctx context.Context, addr domain.Address) (bool, error) {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET position_size = 0, position_value = 0, last_updated_ms = ?
		WHERE address = ? AND (position_size <> 0 OR position_value <> 0)
	`, p.table), p.now().UnixMilli(), string(addr))
	if err != nil {
		return false, classifyError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifyError(err)
	}
	return n > 0, nil
}

// CleanupStale deletes zero rows last updated more than maxAge ago.
func (p *PositionPartition) CleanupStale(ctx context.Context, maxAge time.Duration) ([]domain.Address, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE (position_size = 0 OR position_value = 0) AND last_updated_ms < ?
		RETURNING address
	`, p.table), p.now().Add(-maxAge).UnixMilli())
	if err != nil {
		return nil, classifyError(err)
	}
	addrs, err := collectAddresses(rows)
	if err != nil {
		return nil, classifyError(err)
	}
	domain.SortAddresses(addrs)
	return addrs, nil
}

// Query returns rows at or above minValueUSD, largest first.
func (p *PositionPartition) Query(ctx context.Context, minValueUSD float64) ([]domain.Position, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT address, market, position_size, entry_price, liquidation_price,
		       margin_used, position_value, unrealized_pnl, return_on_equity,
		       leverage_type, leverage_value, leverage_raw_usd, account_value,
		       total_margin_used, withdrawable, last_updated_ms
		FROM %s
		WHERE position_value >= ?
		ORDER BY position_value DESC, address
	`, p.table), minValueUSD)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	var result []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pos)
	}
	return result, classifyError(rows.Err())
}

// Stats aggregates rows at or above minValueUSD.
func (p *PositionPartition) Stats(ctx context.Context, minValueUSD float64) (domain.PositionStats, error) {
	var (
		stats          domain.PositionStats
		oldest, newest sql.NullInt64
	)
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(DISTINCT address), COUNT(*),
		       COALESCE(SUM(position_value), 0), COALESCE(AVG(position_value), 0),
		       COALESCE(MAX(position_value), 0),
		       MIN(last_updated_ms), MAX(last_updated_ms)
		FROM %s
		WHERE position_value >= ?
	`, p.table), minValueUSD).Scan(
		&stats.UniqueAddresses, &stats.TotalPositions, &stats.TotalValueUSD,
		&stats.AvgValueUSD, &stats.MaxValueUSD, &oldest, &newest,
	)
	if err != nil {
		return domain.PositionStats{}, classifyError(err)
	}
	stats.OldestUpdate = fromMillis(oldest)
	stats.NewestUpdate = fromMillis(newest)
	return stats, nil
}

// Addresses returns distinct addresses at or above minValueUSD.
func (p *PositionPartition) Addresses(ctx context.Context, minValueUSD float64) ([]domain.Address, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT address FROM %s WHERE position_value >= ? ORDER BY address`, p.table), minValueUSD)
	if err != nil {
		return nil, classifyError(err)
	}
	addrs, err := collectAddresses(rows)
	return addrs, classifyError(err)
}

// Has reports whether a row exists for addr.
func (p *PositionPartition) Has(ctx context.Context, addr domain.Address) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s WHERE address = ?)`, p.table), string(addr)).Scan(&exists)
	if err != nil {
		return false, classifyError(err)
	}
	return exists, nil
}

func collectAddresses(rows *sql.Rows) ([]domain.Address, error) {
	defer rows.Close()

	var addrs []domain.Address
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, domain.Address(a))
	}
	return addrs, rows.Err()
}

func scanPosition(rows *sql.Rows) (domain.Position, error) {
	var (
		pos                                                  domain.Position
		address, market, leverageType                        string
		entry, margin, pnl, roe, account, totalMargin, withd sql.NullFloat64
		liq, rawUSD                                          sql.NullFloat64
		leverageValue                                        sql.NullInt64
		updatedMs                                            int64
	)
	err := rows.Scan(
		&address, &market, &pos.Size, &entry, &liq,
		&margin, &pos.PositionValue, &pnl, &roe,
		&leverageType, &leverageValue, &rawUSD, &account,
		&totalMargin, &withd, &updatedMs,
	)
	if err != nil {
		return domain.Position{}, fmt.Errorf("scan position: %w", err)
	}

	pos.Address = domain.Address(address)
	pos.Market = domain.Market(market)
	pos.EntryPrice = entry.Float64
	pos.LiquidationPrice = floatPtr(liq)
	pos.MarginUsed = margin.Float64
	pos.UnrealizedPnL = pnl.Float64
	pos.ReturnOnEquity = roe.Float64
	pos.Leverage = domain.Leverage{
		Type:   domain.LeverageType(leverageType),
		Value:  int(leverageValue.Int64),
		RawUSD: floatPtr(rawUSD),
	}
	pos.Account = domain.AccountSummary{
		AccountValue:    account.Float64,
		TotalMarginUsed: totalMargin.Float64,
		Withdrawable:    withd.Float64,
	}
	pos.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return pos, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func fromMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

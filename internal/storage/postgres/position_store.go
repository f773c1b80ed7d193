package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// Schema holds every per-market live position table.
const Schema = "user_metrics"

// PositionBackend implements storage.PositionBackend with one table per market:
// user_metrics.<market>_live_positions.
type PositionBackend struct {
	pool *Pool

	mu         sync.Mutex
	partitions map[domain.Market]*PositionPartition
}

// Compile-time interface checks.
var (
	_ storage.PositionBackend   = (*PositionBackend)(nil)
	_ storage.PositionPartition = (*PositionPartition)(nil)
)

// NewPositionBackend creates a backend on pool. Tables are created lazily.
func NewPositionBackend(pool *Pool) *PositionBackend {
	return &PositionBackend{
		pool:       pool,
		partitions: make(map[domain.Market]*PositionPartition),
	}
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

	table := pgx.Identifier{Schema, m.TableName()}.Sanitize()
	if _, err := b.pool.Exec(ctx, createPartitionSQL(table, m.TableName())); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", table, classifyError(err))
	}

	p := &PositionPartition{pool: b.pool, market: m, table: table}
	b.partitions[m] = p
	return p, nil
}

// Close is a no-op; the pool is owned by the caller.
func (b *PositionBackend) Close() error {
	return nil
}

func createPartitionSQL(table, name string) string {
	return fmt.Sprintf(`
		CREATE SCHEMA IF NOT EXISTS %[3]s;
		CREATE TABLE IF NOT EXISTS %[1]s (
			address           VARCHAR(42)    NOT NULL,
			market            VARCHAR(32)    NOT NULL,
			position_size     NUMERIC(30, 10) NOT NULL DEFAULT 0,
			entry_price       NUMERIC(30, 10),
			liquidation_price NUMERIC(30, 10),
			margin_used       NUMERIC(30, 10),
			position_value    NUMERIC(30, 10) NOT NULL DEFAULT 0,
			unrealized_pnl    NUMERIC(30, 10),
			return_on_equity  NUMERIC(30, 10),
			leverage_type     VARCHAR(16)    NOT NULL DEFAULT 'cross',
			leverage_value    INTEGER,
			leverage_raw_usd  NUMERIC(30, 10),
			account_value     NUMERIC(30, 10),
			total_margin_used NUMERIC(30, 10),
			withdrawable      NUMERIC(30, 10),
			last_updated      TIMESTAMPTZ    NOT NULL DEFAULT NOW(),
			PRIMARY KEY (address, market)
		);
		CREATE INDEX IF NOT EXISTS %[2]s_market_idx ON %[1]s (market);
		CREATE INDEX IF NOT EXISTS %[2]s_last_updated_idx ON %[1]s (last_updated);
		CREATE INDEX IF NOT EXISTS %[2]s_value_idx ON %[1]s (position_value DESC);
		CREATE INDEX IF NOT EXISTS %[2]s_address_idx ON %[1]s (address);
	`, table, name, Schema)
}

// PositionPartition is one market's table.
type PositionPartition struct {
	pool   *Pool
	market domain.Market
	table  string // sanitized, schema-qualified
}

// Market returns the partition's market.
func (p *PositionPartition) Market() domain.Market {
	return p.market
}

// Upsert inserts or overwrites the row for (address, market). Last writer wins.
func (p *PositionPartition) Upsert(ctx context.Context, pos *domain.Position) error {
	if pos == nil || pos.Address == "" || pos.Market != p.market {
		return storage.ErrInvalidInput
	}

	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			address, market, position_size, entry_price, liquidation_price,
			margin_used, position_value, unrealized_pnl, return_on_equity,
			leverage_type, leverage_value, leverage_raw_usd, account_value,
			total_margin_used, withdrawable, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (address, market) DO UPDATE SET
			position_size = EXCLUDED.position_size,
			entry_price = EXCLUDED.entry_price,
			liquidation_price = EXCLUDED.liquidation_price,
			margin_used = EXCLUDED.margin_used,
			position_value = EXCLUDED.position_value,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			return_on_equity = EXCLUDED.return_on_equity,
			leverage_type = EXCLUDED.leverage_type,
			leverage_value = EXCLUDED.leverage_value,
			leverage_raw_usd = EXCLUDED.leverage_raw_usd,
			account_value = EXCLUDED.account_value,
			total_margin_used = EXCLUDED.total_margin_used,
			withdrawable = EXCLUDED.withdrawable,
			last_updated = NOW()
	`, p.table),
		string(pos.Address), string(pos.Market), pos.Size, pos.EntryPrice, pos.LiquidationPrice,
		pos.MarginUsed, pos.PositionValue, pos.UnrealizedPnL, pos.ReturnOnEquity,
		string(pos.Leverage.Type), pos.Leverage.Value, pos.Leverage.RawUSD, pos.Account.AccountValue,
		pos.Account.TotalMarginUsed, pos.Account.Withdrawable,
	)
	return classifyError(err)
}

// MarkClosed zeroes an open row and refreshes its timestamp.
func (p *PositionPartition) MarkClosed(ctx context.Context, addr domain.Address) (bool, error) {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET position_size = 0, position_value = 0, last_updated = NOW()
		WHERE address = $1 AND (position_size <> 0 OR position_value <> 0)
	`, p.table), string(addr))
	if err != nil {
		return false, classifyError(err)
	}
	return tag.RowsAffected() > 0, nil
}

// CleanupStale deletes zero rows last updated more than maxAge ago.
func (p *PositionPartition) CleanupStale(ctx context.Context, maxAge time.Duration) ([]domain.Address, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE (position_size = 0 OR position_value = 0)
		  AND last_updated < NOW() - ($1::float8 * INTERVAL '1 second')
		RETURNING address
	`, p.table), maxAge.Seconds())
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
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT address, market, position_size, entry_price, liquidation_price,
		       margin_used, position_value, unrealized_pnl, return_on_equity,
		       leverage_type, leverage_value, leverage_raw_usd, account_value,
		       total_margin_used, withdrawable, last_updated
		FROM %s
		WHERE position_value >= $1
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
	row := p.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT COUNT(DISTINCT address),
		       COUNT(*),
		       COALESCE(SUM(position_value), 0)::float8,
		       COALESCE(AVG(position_value), 0)::float8,
		       COALESCE(MAX(position_value), 0)::float8,
		       MIN(last_updated),
		       MAX(last_updated)
		FROM %s
		WHERE position_value >= $1
	`, p.table), minValueUSD)

	var stats domain.PositionStats
	err := row.Scan(
		&stats.UniqueAddresses, &stats.TotalPositions, &stats.TotalValueUSD,
		&stats.AvgValueUSD, &stats.MaxValueUSD, &stats.OldestUpdate, &stats.NewestUpdate,
	)
	if err != nil {
		return domain.PositionStats{}, classifyError(err)
	}
	return stats, nil
}

// Addresses returns distinct addresses at or above minValueUSD.
func (p *PositionPartition) Addresses(ctx context.Context, minValueUSD float64) ([]domain.Address, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT address FROM %s WHERE position_value >= $1 ORDER BY address
	`, p.table), minValueUSD)
	if err != nil {
		return nil, classifyError(err)
	}
	addrs, err := collectAddresses(rows)
	return addrs, classifyError(err)
}

// Has reports whether a row exists for addr.
func (p *PositionPartition) Has(ctx context.Context, addr domain.Address) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS(SELECT 1 FROM %s WHERE address = $1)
	`, p.table), string(addr)).Scan(&exists)
	if err != nil {
		return false, classifyError(err)
	}
	return exists, nil
}

func collectAddresses(rows pgx.Rows) ([]domain.Address, error) {
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

func scanPosition(rows pgx.Rows) (domain.Position, error) {
	var (
		pos                                                  domain.Position
		address, market, leverageType                        string
		entry, margin, pnl, roe, account, totalMargin, withd *float64
		leverageValue                                        *int32
	)
	err := rows.Scan(
		&address, &market, &pos.Size, &entry, &pos.LiquidationPrice,
		&margin, &pos.PositionValue, &pnl, &roe,
		&leverageType, &leverageValue, &pos.Leverage.RawUSD, &account,
		&totalMargin, &withd, &pos.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, fmt.Errorf("scan position: %w", err)
	}

	pos.Address = domain.Address(address)
	pos.Market = domain.Market(market)
	pos.EntryPrice = deref(entry)
	pos.MarginUsed = deref(margin)
	pos.UnrealizedPnL = deref(pnl)
	pos.ReturnOnEquity = deref(roe)
	pos.Leverage.Type = domain.LeverageType(leverageType)
	if leverageValue != nil {
		pos.Leverage.Value = int(*leverageValue)
	}
	pos.Account = domain.AccountSummary{
		AccountValue:    deref(account),
		TotalMarginUsed: deref(totalMargin),
		Withdrawable:    deref(withd),
	}
	return pos, nil
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

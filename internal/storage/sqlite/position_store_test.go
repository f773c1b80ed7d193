package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

const (
	addrA = domain.Address("0x000000000000000000000000000000000000000a")
	addrB = domain.Address("0x000000000000000000000000000000000000000b")
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBackend(t *testing.T) (*PositionBackend, *fakeClock) {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "positions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	return NewPositionBackend(db).WithClock(clock.now), clock
}

func pos(addr domain.Address, market domain.Market, size, value float64) *domain.Position {
	liq := 1800.0
	return &domain.Position{
		Address:          addr,
		Market:           market,
		Size:             size,
		EntryPrice:       2000,
		LiquidationPrice: &liq,
		PositionValue:    value,
		Leverage:         domain.Leverage{Type: domain.LeverageCross, Value: 5},
		Account:          domain.AccountSummary{AccountValue: 900, Withdrawable: 100},
	}
}

func TestPositionBackend_Partition(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	_, err := b.Partition(ctx, "bad-name")
	assert.ErrorIs(t, err, domain.ErrInvalidMarketName)

	p1, err := b.Partition(ctx, "btc")
	require.NoError(t, err)
	p2, err := b.Partition(ctx, "BTC")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestPositionPartition_UpsertLastWriteWins(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()
	p, err := b.Partition(ctx, "ETH")
	require.NoError(t, err)

	require.NoError(t, p.Upsert(ctx, pos(addrA, "ETH", 1, 2000)))
	require.NoError(t, p.Upsert(ctx, pos(addrA, "ETH", -2, 4000)))

	rows, err := p.Query(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, -2.0, rows[0].Size)
	assert.Equal(t, 4000.0, rows[0].PositionValue)
	require.NotNil(t, rows[0].LiquidationPrice)
	assert.Equal(t, 1800.0, *rows[0].LiquidationPrice)
	assert.Nil(t, rows[0].Leverage.RawUSD)
	assert.Equal(t, 5, rows[0].Leverage.Value)

	assert.ErrorIs(t, p.Upsert(ctx, pos(addrA, "BTC", 1, 1)), storage.ErrInvalidInput)
}

func TestPositionPartition_CloseAndCleanup(t *testing.T) {
	b, clock := newBackend(t)
	ctx := context.Background()
	p, err := b.Partition(ctx, "BTC")
	require.NoError(t, err)

	require.NoError(t, p.Upsert(ctx, pos(addrA, "BTC", 1, 60000)))
	require.NoError(t, p.Upsert(ctx, pos(addrB, "BTC", 1, 60000)))

	closed, err := p.MarkClosed(ctx, addrA)
	require.NoError(t, err)
	assert.True(t, closed)
	closed, err = p.MarkClosed(ctx, addrA)
	require.NoError(t, err)
	assert.False(t, closed)

	removed, err := p.CleanupStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, removed)

	clock.advance(2 * time.Hour)
	removed, err = p.CleanupStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{addrA}, removed)

	has, err := p.Has(ctx, addrB)
	require.NoError(t, err)
	assert.True(t, has)

	open, err := p.Query(ctx, 1)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, addrB, open[0].Address)
}

func TestPositionPartition_Stats(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()
	p, err := b.Partition(ctx, "LINK")
	require.NoError(t, err)

	empty, err := p.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalPositions)
	assert.Nil(t, empty.NewestUpdate)

	require.NoError(t, p.Upsert(ctx, pos(addrA, "LINK", 10, 1000)))
	require.NoError(t, p.Upsert(ctx, pos(addrB, "LINK", 30, 3000)))

	stats, err := p.Stats(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.UniqueAddresses)
	assert.Equal(t, 2, stats.TotalPositions)
	assert.InDelta(t, 4000, stats.TotalValueUSD, 1e-9)
	assert.InDelta(t, 2000, stats.AvgValueUSD, 1e-9)
	assert.InDelta(t, 3000, stats.MaxValueUSD, 1e-9)
	require.NotNil(t, stats.OldestUpdate)

	addrs, err := p.Addresses(ctx, 2000)
	require.NoError(t, err)
	assert.Equal(t, []domain.Address{addrB}, addrs)
}

func TestDiscoveryProgressStore(t *testing.T) {
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	store := NewDiscoveryProgressStore(db)

	_, err = store.GetLastProcessed(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.SetLastProcessed(ctx, &storage.DiscoveryProgress{Generation: 7, SnapshotPath: "a/7.rmp", Addresses: 3}))
	assert.ErrorIs(t, store.SetLastProcessed(ctx, &storage.DiscoveryProgress{Generation: 6}), storage.ErrInvalidInput)

	got, err := store.GetLastProcessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Generation)
	assert.Equal(t, "a/7.rmp", got.SnapshotPath)
	assert.Equal(t, 3, got.Addresses)
}

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

const (
	addrA = domain.Address("0x00000000000000000000000000000000000000aa")
	addrB = domain.Address("0x00000000000000000000000000000000000000bb")
	addrC = domain.Address("0x00000000000000000000000000000000000000cc")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPartition(t *testing.T, market domain.Market) (storage.PositionPartition, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	backend := NewPositionBackend().WithClock(clock.Now)
	p, err := backend.Partition(context.Background(), market)
	if err != nil {
		t.Fatalf("Partition failed: %v", err)
	}
	return p, clock
}

func position(addr domain.Address, market domain.Market, size, value float64) *domain.Position {
	return &domain.Position{
		Address:       addr,
		Market:        market,
		Size:          size,
		PositionValue: value,
		Leverage:      domain.Leverage{Type: domain.LeverageCross, Value: 10},
	}
}

func TestPositionBackend_RejectsInvalidMarket(t *testing.T) {
	backend := NewPositionBackend()
	_, err := backend.Partition(context.Background(), domain.Market("btc; drop"))
	if !errors.Is(err, domain.ErrInvalidMarketName) {
		t.Errorf("expected ErrInvalidMarketName, got %v", err)
	}
}

func TestPositionBackend_PartitionIsCached(t *testing.T) {
	backend := NewPositionBackend()
	ctx := context.Background()

	p1, err := backend.Partition(ctx, "BTC")
	if err != nil {
		t.Fatalf("Partition failed: %v", err)
	}
	p2, err := backend.Partition(ctx, "btc")
	if err != nil {
		t.Fatalf("Partition failed: %v", err)
	}
	if p1 != p2 {
		t.Error("expected the same partition handle for BTC and btc")
	}
}

func TestPositionPartition_LastWriteWins(t *testing.T) {
	p, clock := newTestPartition(t, "BTC")
	ctx := context.Background()

	if err := p.Upsert(ctx, position(addrA, "BTC", 1, 40000)); err != nil {
		t.Fatalf("Upsert t1 failed: %v", err)
	}
	clock.Advance(time.Second)
	if err := p.Upsert(ctx, position(addrA, "BTC", 2, 50000)); err != nil {
		t.Fatalf("Upsert t2 failed: %v", err)
	}

	rows, err := p.Query(ctx, 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Size != 2 || rows[0].PositionValue != 50000 {
		t.Errorf("expected t2 values (2, 50000), got (%v, %v)", rows[0].Size, rows[0].PositionValue)
	}
	if !rows[0].UpdatedAt.Equal(clock.Now()) {
		t.Errorf("expected UpdatedAt %v, got %v", clock.Now(), rows[0].UpdatedAt)
	}
}

func TestPositionPartition_UpsertRejectsWrongMarket(t *testing.T) {
	p, _ := newTestPartition(t, "BTC")
	err := p.Upsert(context.Background(), position(addrA, "ETH", 1, 3000))
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPositionPartition_CleanupNeverRemovesOpenRows(t *testing.T) {
	p, clock := newTestPartition(t, "ETH")
	ctx := context.Background()

	_ = p.Upsert(ctx, position(addrA, "ETH", -1, 3000)) // open
	_ = p.Upsert(ctx, position(addrB, "ETH", 0, 0))     // flat
	_ = p.Upsert(ctx, position(addrC, "ETH", 2, 0))     // zero value

	clock.Advance(48 * time.Hour)

	removed, err := p.CleanupStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupStale failed: %v", err)
	}
	if len(removed) != 2 || removed[0] != addrB || removed[1] != addrC {
		t.Errorf("expected [%s %s] removed, got %v", addrB, addrC, removed)
	}

	has, _ := p.Has(ctx, addrA)
	if !has {
		t.Error("open row was removed")
	}
}

func TestPositionPartition_CleanupRespectsAge(t *testing.T) {
	p, clock := newTestPartition(t, "ETH")
	ctx := context.Background()

	_ = p.Upsert(ctx, position(addrA, "ETH", 1, 3000))
	if closed, _ := p.MarkClosed(ctx, addrA); !closed {
		t.Fatal("expected MarkClosed to close the row")
	}

	clock.Advance(time.Hour)
	removed, _ := p.CleanupStale(ctx, 24*time.Hour)
	if len(removed) != 0 {
		t.Errorf("expected nothing removed before retention, got %v", removed)
	}

	clock.Advance(24 * time.Hour)
	removed, _ = p.CleanupStale(ctx, 24*time.Hour)
	if len(removed) != 1 || removed[0] != addrA {
		t.Errorf("expected %s removed, got %v", addrA, removed)
	}
}

func TestPositionPartition_MarkClosedIsIdempotent(t *testing.T) {
	p, clock := newTestPartition(t, "BTC")
	ctx := context.Background()

	_ = p.Upsert(ctx, position(addrA, "BTC", 1, 50000))
	closed, err := p.MarkClosed(ctx, addrA)
	if err != nil || !closed {
		t.Fatalf("expected first MarkClosed to close, got %v, %v", closed, err)
	}
	closedAt := clock.Now()

	clock.Advance(time.Hour)
	closed, err = p.MarkClosed(ctx, addrA)
	if err != nil || closed {
		t.Errorf("expected second MarkClosed to be a no-op, got %v, %v", closed, err)
	}

	rows, _ := p.Query(ctx, 0)
	if !rows[0].UpdatedAt.Equal(closedAt) {
		t.Errorf("second MarkClosed refreshed timestamp: %v", rows[0].UpdatedAt)
	}

	closed, _ = p.MarkClosed(ctx, addrB)
	if closed {
		t.Error("MarkClosed on missing row reported true")
	}
}

func TestPositionPartition_QueryOrderAndFilter(t *testing.T) {
	p, _ := newTestPartition(t, "BTC")
	ctx := context.Background()

	_ = p.Upsert(ctx, position(addrA, "BTC", 1, 10000))
	_ = p.Upsert(ctx, position(addrB, "BTC", 3, 150000))
	_ = p.Upsert(ctx, position(addrC, "BTC", -2, 90000))

	rows, err := p.Query(ctx, 50000)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Address != addrB || rows[1].Address != addrC {
		t.Errorf("unexpected order: %s, %s", rows[0].Address, rows[1].Address)
	}
}

func TestPositionPartition_Stats(t *testing.T) {
	p, clock := newTestPartition(t, "BTC")
	ctx := context.Background()

	first := clock.Now()
	_ = p.Upsert(ctx, position(addrA, "BTC", 1, 10000))
	clock.Advance(time.Minute)
	_ = p.Upsert(ctx, position(addrB, "BTC", 3, 30000))
	last := clock.Now()

	stats, err := p.Stats(ctx, 0)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.UniqueAddresses != 2 || stats.TotalPositions != 2 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if stats.TotalValueUSD != 40000 || stats.AvgValueUSD != 20000 || stats.MaxValueUSD != 30000 {
		t.Errorf("unexpected values: %+v", stats)
	}
	if !stats.OldestUpdate.Equal(first) || !stats.NewestUpdate.Equal(last) {
		t.Errorf("unexpected update range: %v - %v", stats.OldestUpdate, stats.NewestUpdate)
	}

	empty, _ := p.Stats(ctx, 1e9)
	if empty.TotalPositions != 0 || empty.OldestUpdate != nil {
		t.Errorf("expected empty stats, got %+v", empty)
	}
}

func TestDiscoveryProgressStore(t *testing.T) {
	store := NewDiscoveryProgressStore()
	ctx := context.Background()

	if _, err := store.GetLastProcessed(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.SetLastProcessed(ctx, &storage.DiscoveryProgress{Generation: 5}); err != nil {
		t.Fatalf("SetLastProcessed failed: %v", err)
	}
	if err := store.SetLastProcessed(ctx, &storage.DiscoveryProgress{Generation: 4}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput moving backwards, got %v", err)
	}

	got, err := store.GetLastProcessed(ctx)
	if err != nil {
		t.Fatalf("GetLastProcessed failed: %v", err)
	}
	if got.Generation != 5 {
		t.Errorf("expected generation 5, got %d", got.Generation)
	}
}

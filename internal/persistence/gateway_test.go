package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/fetcher"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/memory"
)

const (
	addrA domain.Address = "0x000000000000000000000000000000000000000a"
	addrB domain.Address = "0x000000000000000000000000000000000000000b"
)

var markets = []domain.Market{"BTC", "ETH"}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newGateway(t *testing.T, backend storage.PositionBackend, opts ...func(*Options)) *Gateway {
	t.Helper()
	o := Options{
		Backend:     backend,
		Markets:     markets,
		MinValueUSD: 1000,
		Retry:       RetryPolicy{Attempts: 3, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Logger:      zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	g, err := New(o)
	require.NoError(t, err)
	return g
}

func position(addr domain.Address, market domain.Market, size, value float64) domain.Position {
	return domain.Position{
		Address:       addr,
		Market:        market,
		Size:          size,
		EntryPrice:    value / abs(size),
		PositionValue: value,
		Leverage:      domain.Leverage{Type: domain.LeverageCross, Value: 5},
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func result(addr domain.Address, positions ...domain.Position) fetcher.Result {
	return fetcher.Result{
		Address:   addr,
		Positions: positions,
		Source:    fetcher.SourcePrimary,
		FetchedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNew_RequiresMarkets(t *testing.T) {
	_, err := New(Options{Backend: memory.NewPositionBackend()})
	assert.ErrorIs(t, err, ErrNoMarkets)
}

func TestApply_UpsertsAndFilters(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t, memory.NewPositionBackend())

	stats, err := g.Apply(ctx, result(addrA,
		position(addrA, "BTC", 1, 60000),
		position(addrA, "ETH", -0.1, 300),
	))
	require.NoError(t, err)
	assert.Equal(t, ApplyStats{Upserted: 1, Filtered: 1}, stats)

	rows, err := g.FilteredQuery(ctx, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.Market("BTC"), rows[0].Market)
}

func TestApply_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t, memory.NewPositionBackend())

	_, err := g.Apply(ctx, result(addrA, position(addrA, "BTC", 1, 60000)))
	require.NoError(t, err)
	_, err = g.Apply(ctx, result(addrA, position(addrA, "BTC", -2, 130000)))
	require.NoError(t, err)

	btc := domain.Market("BTC")
	rows, err := g.FilteredQuery(ctx, 0, &btc)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, -2, rows[0].Size, 1e-9)
	assert.InDelta(t, 130000, rows[0].PositionValue, 1e-9)
}

func TestApply_MarksUnreportedMarketsClosed(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t, memory.NewPositionBackend())

	_, err := g.Apply(ctx, result(addrA,
		position(addrA, "BTC", 1, 60000),
		position(addrA, "ETH", 10, 30000),
	))
	require.NoError(t, err)

	stats, err := g.Apply(ctx, result(addrA, position(addrA, "BTC", 1, 61000)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Upserted)
	assert.Equal(t, 1, stats.Closed)

	eth := domain.Market("ETH")
	rows, err := g.FilteredQuery(ctx, 0, &eth)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Zero(t, rows[0].Size)
	assert.Equal(t, int64(1), g.Counters().Closed)
}

func TestApply_PositionBelowThresholdIsClosed(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	g := newGateway(t, memory.NewPositionBackend().WithClock(c.now))

	_, err := g.Apply(ctx, result(addrA, position(addrA, "BTC", 2, 50000)))
	require.NoError(t, err)

	// Still held, but now under the threshold.
	stats, err := g.Apply(ctx, result(addrA, position(addrA, "BTC", 0.0002, 5)))
	require.NoError(t, err)
	assert.Equal(t, ApplyStats{Filtered: 1, Closed: 1}, stats)

	rows, err := g.FilteredQuery(ctx, g.MinValueUSD(), nil)
	require.NoError(t, err)
	assert.Empty(t, rows, "the 50000 USD value must not be served")

	rows, err = g.FilteredQuery(ctx, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Zero(t, rows[0].Size)
	assert.Zero(t, rows[0].PositionValue)

	c.advance(2 * time.Hour)
	keys, err := g.CleanupStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []domain.PositionKey{{Address: addrA, Market: "BTC"}}, keys)
}

func TestApply_FailedFetchWritesNothing(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t, memory.NewPositionBackend())

	_, err := g.Apply(ctx, result(addrA, position(addrA, "BTC", 1, 60000)))
	require.NoError(t, err)

	failed := fetcher.Result{Address: addrA, Err: &fetcher.FetchError{Kind: fetcher.ErrFetchFailed, Address: addrA}}
	stats, err := g.Apply(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, ApplyStats{}, stats)

	has, err := g.HasPositions(ctx, addrA)
	require.NoError(t, err)
	assert.True(t, has)

	rows, err := g.FilteredQuery(ctx, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 1, rows[0].Size, 1e-9)
}

func TestCleanupStale(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	g := newGateway(t, memory.NewPositionBackend().WithClock(c.now))

	_, err := g.Apply(ctx, result(addrA, position(addrA, "BTC", 1, 60000), position(addrA, "ETH", 1, 3000)))
	require.NoError(t, err)
	_, err = g.Apply(ctx, result(addrB, position(addrB, "ETH", 2, 6000)))
	require.NoError(t, err)

	// addrA closes ETH; addrB closes everything.
	_, err = g.Apply(ctx, result(addrA, position(addrA, "BTC", 1, 60000)))
	require.NoError(t, err)
	_, err = g.Apply(ctx, result(addrB))
	require.NoError(t, err)

	keys, err := g.CleanupStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, keys, "closed rows younger than maxAge are kept")

	c.advance(2 * time.Hour)
	keys, err = g.CleanupStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.PositionKey{
		{Address: addrA, Market: "ETH"},
		{Address: addrB, Market: "ETH"},
	}, keys)

	hasA, err := g.HasPositions(ctx, addrA)
	require.NoError(t, err)
	assert.True(t, hasA, "open BTC row survives cleanup")

	hasB, err := g.HasPositions(ctx, addrB)
	require.NoError(t, err)
	assert.False(t, hasB)
}

func TestAggregateStats(t *testing.T) {
	ctx := context.Background()
	g := newGateway(t, memory.NewPositionBackend())

	_, err := g.Apply(ctx, result(addrA, position(addrA, "BTC", 1, 60000), position(addrA, "ETH", 1, 3000)))
	require.NoError(t, err)
	_, err = g.Apply(ctx, result(addrB, position(addrB, "ETH", 3, 9000)))
	require.NoError(t, err)

	stats, err := g.AggregateStats(ctx, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.PerMarket["ETH"].TotalPositions)
	assert.Equal(t, 1, stats.PerMarket["BTC"].TotalPositions)
	assert.Equal(t, 2, stats.Overall.UniqueAddresses)
	assert.Equal(t, 3, stats.Overall.TotalPositions)
	assert.InDelta(t, 72000, stats.Overall.TotalValueUSD, 1e-9)
	assert.InDelta(t, 24000, stats.Overall.AvgValueUSD, 1e-9)
	assert.InDelta(t, 60000, stats.Overall.MaxValueUSD, 1e-9)
	require.NotNil(t, stats.Overall.OldestUpdate)

	stats, err = g.AggregateStats(ctx, 5000)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Overall.TotalPositions)
}

// flakyBackend fails the first n partition writes with storage.ErrUnavailable.
type flakyBackend struct {
	storage.PositionBackend
	mu       sync.Mutex
	failures int
}

func (b *flakyBackend) Partition(ctx context.Context, m domain.Market) (storage.PositionPartition, error) {
	p, err := b.PositionBackend.Partition(ctx, m)
	if err != nil {
		return nil, err
	}
	return &flakyPartition{PositionPartition: p, backend: b}, nil
}

func (b *flakyBackend) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures == 0 {
		return false
	}
	b.failures--
	return true
}

type flakyPartition struct {
	storage.PositionPartition
	backend *flakyBackend
}

func (p *flakyPartition) Upsert(ctx context.Context, pos *domain.Position) error {
	if p.backend.take() {
		return storage.ErrUnavailable
	}
	return p.PositionPartition.Upsert(ctx, pos)
}

func TestUpsert_RetriesUnavailable(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{PositionBackend: memory.NewPositionBackend(), failures: 2}
	g := newGateway(t, backend)

	p := position(addrA, "BTC", 1, 60000)
	require.NoError(t, g.Upsert(ctx, &p))
	assert.Zero(t, g.Counters().LostUpdates)
}

func TestUpsert_DropsAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{PositionBackend: memory.NewPositionBackend(), failures: 10}
	g := newGateway(t, backend)

	stats, err := g.Apply(ctx, result(addrA, position(addrA, "BTC", 1, 60000)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpdateLost))
	assert.Equal(t, 1, stats.Lost)
	assert.Equal(t, int64(1), g.Counters().LostUpdates)
	assert.Equal(t, 7, backend.failures, "three attempts consumed")
}

// recordingMirror captures mirror calls.
type recordingMirror struct {
	mu      sync.Mutex
	puts    []domain.PositionKey
	removes []domain.PositionKey
}

func (m *recordingMirror) Put(_ context.Context, p *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, p.Key())
	return nil
}

func (m *recordingMirror) Remove(_ context.Context, key domain.PositionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes = append(m.removes, key)
	return nil
}

func TestApply_MirrorsAndArchives(t *testing.T) {
	ctx := context.Background()
	mirror := &recordingMirror{}
	history := memory.NewPositionHistoryStore()
	g := newGateway(t, memory.NewPositionBackend(), func(o *Options) {
		o.Mirror = mirror
		o.History = history
	})

	_, err := g.Apply(ctx, result(addrA, position(addrA, "BTC", 1, 60000), position(addrA, "ETH", 1, 3000)))
	require.NoError(t, err)
	_, err = g.Apply(ctx, result(addrA, position(addrA, "BTC", 1, 60500)))
	require.NoError(t, err)

	assert.Len(t, mirror.puts, 3)
	assert.Equal(t, []domain.PositionKey{{Address: addrA, Market: "ETH"}}, mirror.removes)
	assert.Equal(t, 3, history.Len())

	obs, err := history.GetByAddress(ctx, addrA, "BTC", time.Time{}, time.Now())
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, fetcher.SourcePrimary, obs[0].Source)
}

// gatedBackend blocks the first Partition call for one market until released.
type gatedBackend struct {
	storage.PositionBackend
	gate    domain.Market
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBackend) Partition(ctx context.Context, market domain.Market) (storage.PositionPartition, error) {
	if market == b.gate {
		close(b.entered)
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.PositionBackend.Partition(ctx, market)
}

func TestPartition_SlowOpenDoesNotBlockOtherMarkets(t *testing.T) {
	ctx := context.Background()
	backend := &gatedBackend{
		PositionBackend: memory.NewPositionBackend(),
		gate:            "BTC",
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	g := newGateway(t, backend)

	btcDone := make(chan error, 1)
	go func() {
		p := position(addrA, "BTC", 1, 60000)
		btcDone <- g.Upsert(ctx, &p)
	}()
	<-backend.entered

	ethDone := make(chan error, 1)
	go func() {
		p := position(addrB, "ETH", 1, 3000)
		ethDone <- g.Upsert(ctx, &p)
	}()
	select {
	case err := <-ethDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ETH upsert waited on the BTC partition open")
	}

	close(backend.release)
	require.NoError(t, <-btcDone)
	assert.Equal(t, int64(2), g.Counters().Upserted)
}

// Package persistence applies fetch results to the live position store and
// serves the read-side queries over it.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/fetcher"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/logging"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/observability"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// ErrNoMarkets is returned by New when no target market is configured.
var ErrNoMarkets = errors.New("no target markets")

// Options configures a Gateway.
type Options struct {
	Backend     storage.PositionBackend
	Markets     []domain.Market // target markets; close marking and queries cover only these
	MinValueUSD float64         // positions below this are neither written nor closed
	Mirror      storage.PositionMirror
	History     storage.PositionHistoryStore
	Retry       RetryPolicy
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
}

// ApplyStats summarizes one Apply call.
type ApplyStats struct {
	Upserted int
	Closed   int
	Filtered int // below the value threshold
	Lost     int // dropped after the retry budget
}

// Counters are cumulative gateway outcomes.
type Counters struct {
	Upserted     int64 `json:"upserted"`
	Closed       int64 `json:"closed"`
	Removed      int64 `json:"removed"`
	LostUpdates  int64 `json:"lost_updates"`
	MirrorErrors int64 `json:"mirror_errors"`
}

// Gateway owns the per-market partitions. Handles are opened lazily and cached.
type Gateway struct {
	backend     storage.PositionBackend
	markets     []domain.Market
	minValue    float64
	mirror      storage.PositionMirror
	history     storage.PositionHistoryStore
	retryPolicy RetryPolicy
	logger      zerolog.Logger
	metrics     *observability.Metrics

	mu         sync.Mutex
	partitions map[domain.Market]storage.PositionPartition

	upserted, closed, removed, lost, mirrorErrs atomic.Int64
}

// New creates a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: nil backend", storage.ErrInvalidInput)
	}
	if len(opts.Markets) == 0 {
		return nil, ErrNoMarkets
	}
	return &Gateway{
		backend:     opts.Backend,
		markets:     append([]domain.Market(nil), opts.Markets...),
		minValue:    opts.MinValueUSD,
		mirror:      opts.Mirror,
		history:     opts.History,
		retryPolicy: opts.Retry.withDefaults(),
		logger:      logging.Component(opts.Logger, "storage"),
		metrics:     opts.Metrics,
		partitions:  make(map[domain.Market]storage.PositionPartition),
	}, nil
}

// Markets returns the target markets.
func (g *Gateway) Markets() []domain.Market {
	return append([]domain.Market(nil), g.markets...)
}

// MinValueUSD returns the configured value threshold.
func (g *Gateway) MinValueUSD() float64 {
	return g.minValue
}

// partition returns the cached handle for market, opening it on first use.
// The lock covers only the map; concurrent first callers may both open the
// partition and the first to finish is kept.
func (g *Gateway) partition(ctx context.Context, market domain.Market) (storage.PositionPartition, error) {
	g.mu.Lock()
	p, ok := g.partitions[market]
	g.mu.Unlock()
	if ok {
		return p, nil
	}

	err := g.retry(ctx, "open partition "+string(market), func(ctx context.Context) error {
		var err error
		p, err = g.backend.Partition(ctx, market)
		return err
	})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cached, ok := g.partitions[market]; ok {
		return cached, nil
	}
	g.partitions[market] = p
	return p, nil
}

// Open creates the partitions for every target market.
func (g *Gateway) Open(ctx context.Context) error {
	for _, m := range g.markets {
		if _, err := g.partition(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Upsert writes p, overwriting every mutable field. Last writer wins.
func (g *Gateway) Upsert(ctx context.Context, p *domain.Position) error {
	part, err := g.partition(ctx, p.Market)
	if err != nil {
		return g.lose(p.Key(), err)
	}
	err = g.retry(ctx, "upsert", func(ctx context.Context) error {
		return part.Upsert(ctx, p)
	})
	if err != nil {
		return g.lose(p.Key(), err)
	}

	g.upserted.Add(1)
	g.metrics.RecordUpserted(string(p.Market), 1)
	if g.mirror != nil {
		if err := g.mirror.Put(ctx, p); err != nil {
			g.mirrorErrs.Add(1)
			g.logger.Warn().Err(err).Str("address", string(p.Address)).Str("market", string(p.Market)).Msg("mirror put failed")
		}
	}
	return nil
}

// Apply writes a successful fetch result: positions at or above the value
// threshold are upserted, and open rows in target markets without such a
// position are marked closed. A position under the threshold counts as not
// reported, so its row is closed rather than left holding stale values.
// A failed result writes nothing.
func (g *Gateway) Apply(ctx context.Context, res fetcher.Result) (ApplyStats, error) {
	var stats ApplyStats
	if res.Err != nil {
		return stats, nil
	}

	reported := make(map[domain.Market]bool, len(res.Positions))
	var (
		errs     []error
		observed []storage.PositionObservation
	)
	for i := range res.Positions {
		p := res.Positions[i]
		if p.PositionValue < g.minValue {
			stats.Filtered++
			continue
		}
		reported[p.Market] = true
		if err := g.Upsert(ctx, &p); err != nil {
			stats.Lost++
			errs = append(errs, err)
			continue
		}
		stats.Upserted++
		observed = append(observed, storage.PositionObservation{Position: p, Source: res.Source, ObservedAt: res.FetchedAt})
	}

	for _, m := range g.markets {
		if reported[m] {
			continue
		}
		closed, err := g.markClosed(ctx, domain.PositionKey{Address: res.Address, Market: m})
		if err != nil {
			stats.Lost++
			errs = append(errs, err)
			continue
		}
		if closed {
			stats.Closed++
		}
	}

	g.archive(ctx, observed)
	return stats, errors.Join(errs...)
}

func (g *Gateway) markClosed(ctx context.Context, key domain.PositionKey) (bool, error) {
	part, err := g.partition(ctx, key.Market)
	if err != nil {
		return false, g.lose(key, err)
	}
	var closed bool
	err = g.retry(ctx, "mark closed", func(ctx context.Context) error {
		var err error
		closed, err = part.MarkClosed(ctx, key.Address)
		return err
	})
	if err != nil {
		return false, g.lose(key, err)
	}
	if !closed {
		return false, nil
	}

	g.closed.Add(1)
	g.metrics.RecordClosed(string(key.Market), 1)
	g.logger.Debug().Str("address", string(key.Address)).Str("market", string(key.Market)).Msg("position closed")
	g.mirrorRemove(ctx, key)
	return true, nil
}

func (g *Gateway) archive(ctx context.Context, obs []storage.PositionObservation) {
	if g.history == nil || len(obs) == 0 {
		return
	}
	if err := g.history.Append(ctx, obs); err != nil {
		g.logger.Warn().Err(err).Int("observations", len(obs)).Msg("history append failed")
	}
}

func (g *Gateway) mirrorRemove(ctx context.Context, key domain.PositionKey) {
	if g.mirror == nil {
		return
	}
	if err := g.mirror.Remove(ctx, key); err != nil {
		g.mirrorErrs.Add(1)
		g.logger.Warn().Err(err).Str("address", string(key.Address)).Str("market", string(key.Market)).Msg("mirror remove failed")
	}
}

func (g *Gateway) lose(key domain.PositionKey, err error) error {
	if errors.Is(err, ErrUpdateLost) {
		g.lost.Add(1)
		g.metrics.RecordLostUpdate()
		g.logger.Error().Err(err).Str("address", string(key.Address)).Str("market", string(key.Market)).Msg("update dropped")
	}
	return err
}

// CleanupStale removes closed rows not updated within maxAge from every target
// market and returns their keys. Rows with non-zero size and value are never removed.
func (g *Gateway) CleanupStale(ctx context.Context, maxAge time.Duration) ([]domain.PositionKey, error) {
	var (
		keys []domain.PositionKey
		errs []error
	)
	for _, m := range g.markets {
		part, err := g.partition(ctx, m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var addrs []domain.Address
		err = g.retry(ctx, "cleanup "+string(m), func(ctx context.Context) error {
			var err error
			addrs, err = part.CleanupStale(ctx, maxAge)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, a := range addrs {
			key := domain.PositionKey{Address: a, Market: m}
			keys = append(keys, key)
			g.mirrorRemove(ctx, key)
		}
		if len(addrs) > 0 {
			g.removed.Add(int64(len(addrs)))
			g.metrics.RecordRemoved(string(m), len(addrs))
		}
	}
	return keys, errors.Join(errs...)
}

// FilteredQuery returns positions with value >= minValueUSD ordered by value
// descending. A nil market queries every target market.
func (g *Gateway) FilteredQuery(ctx context.Context, minValueUSD float64, market *domain.Market) ([]domain.Position, error) {
	markets := g.markets
	if market != nil {
		markets = []domain.Market{*market}
	}

	var out []domain.Position
	for _, m := range markets {
		part, err := g.partition(ctx, m)
		if err != nil {
			return nil, err
		}
		rows, err := part.Query(ctx, minValueUSD)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", m, err)
		}
		out = append(out, rows...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PositionValue > out[j].PositionValue
	})
	return out, nil
}

// AggregateStats returns per-market and overall statistics for rows with
// value >= minValueUSD.
func (g *Gateway) AggregateStats(ctx context.Context, minValueUSD float64) (domain.MonitorStats, error) {
	stats := domain.MonitorStats{PerMarket: make(map[domain.Market]domain.PositionStats, len(g.markets))}
	unique := make(map[domain.Address]struct{})

	for _, m := range g.markets {
		part, err := g.partition(ctx, m)
		if err != nil {
			return stats, err
		}
		ms, err := part.Stats(ctx, minValueUSD)
		if err != nil {
			return stats, fmt.Errorf("stats %s: %w", m, err)
		}
		addrs, err := part.Addresses(ctx, minValueUSD)
		if err != nil {
			return stats, fmt.Errorf("addresses %s: %w", m, err)
		}
		for _, a := range addrs {
			unique[a] = struct{}{}
		}
		stats.PerMarket[m] = ms
		stats.Overall = combine(stats.Overall, ms)
	}

	stats.Overall.UniqueAddresses = len(unique)
	if stats.Overall.TotalPositions > 0 {
		stats.Overall.AvgValueUSD = stats.Overall.TotalValueUSD / float64(stats.Overall.TotalPositions)
	}
	return stats, nil
}

func combine(acc, s domain.PositionStats) domain.PositionStats {
	acc.TotalPositions += s.TotalPositions
	acc.TotalValueUSD += s.TotalValueUSD
	if s.MaxValueUSD > acc.MaxValueUSD {
		acc.MaxValueUSD = s.MaxValueUSD
	}
	if s.OldestUpdate != nil && (acc.OldestUpdate == nil || s.OldestUpdate.Before(*acc.OldestUpdate)) {
		t := *s.OldestUpdate
		acc.OldestUpdate = &t
	}
	if s.NewestUpdate != nil && (acc.NewestUpdate == nil || s.NewestUpdate.After(*acc.NewestUpdate)) {
		t := *s.NewestUpdate
		acc.NewestUpdate = &t
	}
	return acc
}

// HasPositions reports whether addr has a row in any target market.
func (g *Gateway) HasPositions(ctx context.Context, addr domain.Address) (bool, error) {
	for _, m := range g.markets {
		part, err := g.partition(ctx, m)
		if err != nil {
			return false, err
		}
		ok, err := part.Has(ctx, addr)
		if err != nil {
			return false, fmt.Errorf("has %s: %w", m, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Counters returns cumulative outcomes.
func (g *Gateway) Counters() Counters {
	return Counters{
		Upserted:     g.upserted.Load(),
		Closed:       g.closed.Load(),
		Removed:      g.removed.Load(),
		LostUpdates:  g.lost.Load(),
		MirrorErrors: g.mirrorErrs.Load(),
	}
}

// Close releases the backend.
func (g *Gateway) Close() error {
	return g.backend.Close()
}

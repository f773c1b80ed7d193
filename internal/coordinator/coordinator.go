// Package coordinator runs the monitor's long-lived tasks: snapshot discovery,
// position refresh, stale-row cleanup, health evaluation and stats reporting.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/discovery"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/fetcher"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/health"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/logging"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/observability"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/persistence"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/scheduler"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// Task names.
const (
	TaskDiscovery = "discovery"
	TaskRefresh   = "refresh"
	TaskCleanup   = "cleanup"
	TaskHealth    = "health"
	TaskStats     = "stats"
)

// Defaults used when Options leave a field zero.
const (
	DefaultSnapshotInterval = 60 * time.Second
	DefaultCleanupInterval  = time.Hour
	DefaultHealthInterval   = 30 * time.Second
	DefaultStatsInterval    = 5 * time.Minute
	DefaultRetention        = 24 * time.Hour
	DefaultShutdownGrace    = 10 * time.Second
	DefaultRestartMinDelay  = time.Second
	DefaultRestartMaxDelay  = time.Minute
)

var (
	errNoRefreshProgress = errors.New("no fetch completed since last check")
	errComponentFailed   = errors.New("component failed")
)

// SnapshotSource lists and decodes snapshots.
type SnapshotSource interface {
	Pending(ctx context.Context, highWater int64) ([]discovery.Handle, error)
	Discover(ctx context.Context, h discovery.Handle, highWater int64) (discovery.Discovery, error)
}

// AddressStore is the persistent working set shared by discovery and refresh.
type AddressStore interface {
	Merge(addrs []domain.Address) int
	All() []domain.Address
	Remove(addr domain.Address) bool
	Len() int
	Persist() error
}

// PositionStore is the write and query side of the live position tables.
type PositionStore interface {
	Apply(ctx context.Context, res fetcher.Result) (persistence.ApplyStats, error)
	CleanupStale(ctx context.Context, maxAge time.Duration) ([]domain.PositionKey, error)
	HasPositions(ctx context.Context, addr domain.Address) (bool, error)
	AggregateStats(ctx context.Context, minValueUSD float64) (domain.MonitorStats, error)
	MinValueUSD() float64
	Counters() persistence.Counters
}

// Options configures a Coordinator.
type Options struct {
	Source    SnapshotSource
	Progress  storage.DiscoveryProgressStore
	Addresses AddressStore
	Fetcher   scheduler.Fetcher
	Positions PositionStore
	Health    *health.Tracker // created with default thresholds when nil

	SnapshotInterval time.Duration
	RefreshInterval  time.Duration
	Concurrency      int
	CleanupInterval  time.Duration
	Retention        time.Duration
	HealthInterval   time.Duration
	StatsInterval    time.Duration
	ShutdownGrace    time.Duration
	RestartMinDelay  time.Duration
	RestartMaxDelay  time.Duration

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Coordinator owns the task loops. Discovery and refresh share only the
// address store, so a slow snapshot never delays a refresh tick.
type Coordinator struct {
	source    SnapshotSource
	progress  storage.DiscoveryProgressStore
	addresses AddressStore
	fetcher   scheduler.Fetcher
	positions PositionStore
	health    *health.Tracker
	refresh   *scheduler.Scheduler

	snapshotInterval time.Duration
	cleanupInterval  time.Duration
	retention        time.Duration
	healthInterval   time.Duration
	statsInterval    time.Duration
	shutdownGrace    time.Duration
	restartMin       time.Duration
	restartMax       time.Duration

	logger  zerolog.Logger
	metrics *observability.Metrics

	// Guards discovery so the loop and manual calls never interleave.
	discoveryMu sync.Mutex
	highWater   atomic.Int64

	lastCompleted atomic.Int64

	restartMu sync.Mutex
	restarts  map[string]int64
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	logger := logging.Component(opts.Logger, "coordinator")
	if opts.Health == nil {
		opts.Health = health.NewTracker(health.DefaultThresholds, opts.Logger, opts.Metrics,
			health.Discovery, health.Refresh, health.Storage, health.Fetch, health.Cleanup)
	}

	c := &Coordinator{
		source:           opts.Source,
		progress:         opts.Progress,
		addresses:        opts.Addresses,
		fetcher:          opts.Fetcher,
		positions:        opts.Positions,
		health:           opts.Health,
		snapshotInterval: orDefault(opts.SnapshotInterval, DefaultSnapshotInterval),
		cleanupInterval:  orDefault(opts.CleanupInterval, DefaultCleanupInterval),
		retention:        orDefault(opts.Retention, DefaultRetention),
		healthInterval:   orDefault(opts.HealthInterval, DefaultHealthInterval),
		statsInterval:    orDefault(opts.StatsInterval, DefaultStatsInterval),
		shutdownGrace:    orDefault(opts.ShutdownGrace, DefaultShutdownGrace),
		restartMin:       orDefault(opts.RestartMinDelay, DefaultRestartMinDelay),
		restartMax:       orDefault(opts.RestartMaxDelay, DefaultRestartMaxDelay),
		logger:           logger,
		metrics:          opts.Metrics,
		restarts:         make(map[string]int64),
	}

	c.refresh = scheduler.New(scheduler.Options{
		Addresses:   opts.Addresses,
		Fetcher:     opts.Fetcher,
		Handler:     c.handleResult,
		Interval:    opts.RefreshInterval,
		Concurrency: opts.Concurrency,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	return c
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Health returns the health tracker.
func (c *Coordinator) Health() *health.Tracker {
	return c.health
}

// HighWater returns the last processed snapshot generation.
func (c *Coordinator) HighWater() int64 {
	return c.highWater.Load()
}

// Restore loads the persisted high-water mark.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.progress == nil {
		return nil
	}
	p, err := c.progress.GetLastProcessed(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load discovery progress: %w", err)
	}
	c.highWater.Store(p.Generation)
	c.metrics.RecordSnapshot("restored", p.Generation)
	c.logger.Info().Int64("generation", p.Generation).Str("path", p.SnapshotPath).Msg("discovery progress restored")
	return nil
}

// Run starts every task and blocks until ctx is cancelled, then drains
// in-flight fetches for up to the shutdown grace period and persists the
// address store.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Restore(ctx); err != nil {
		return err
	}
	c.metrics.SetAddressesTracked(c.addresses.Len())
	c.logger.Info().
		Int("addresses", c.addresses.Len()).
		Int64("high_water", c.highWater.Load()).
		Msg("coordinator starting")

	g, gctx := errgroup.WithContext(ctx)
	tasks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{TaskDiscovery, c.discoveryLoop},
		{TaskRefresh, c.refreshLoop},
		{TaskCleanup, c.cleanupLoop},
		{TaskHealth, c.healthLoop},
		{TaskStats, c.statsLoop},
	}
	for _, t := range tasks {
		g.Go(func() error {
			return c.supervise(gctx, t.name, t.fn)
		})
	}
	err := g.Wait()

	c.shutdown()
	return err
}

func (c *Coordinator) shutdown() {
	c.logger.Info().Dur("grace", c.shutdownGrace).Msg("draining in-flight fetches")
	graceCtx, cancel := context.WithTimeout(context.Background(), c.shutdownGrace)
	defer cancel()
	if err := c.refresh.Wait(graceCtx); err != nil {
		c.logger.Warn().Err(err).Msg("drain incomplete")
	}
	c.refresh.Close()

	if err := c.addresses.Persist(); err != nil {
		c.logger.Error().Err(err).Msg("persist address store on shutdown")
		return
	}
	c.logger.Info().Int("addresses", c.addresses.Len()).Msg("coordinator stopped")
}

// DiscoverOnce processes every pending snapshot in generation order. A
// rejected snapshot is skipped; the next one is still processed.
func (c *Coordinator) DiscoverOnce(ctx context.Context) (int, error) {
	c.discoveryMu.Lock()
	defer c.discoveryMu.Unlock()

	pending, err := c.source.Pending(ctx, c.highWater.Load())
	if err != nil {
		c.health.Failure(health.Discovery, err)
		return 0, err
	}

	processed := 0
	var errs []error
	for _, h := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := c.processSnapshot(ctx, h); err != nil {
			errs = append(errs, err)
			continue
		}
		processed++
	}

	if err := errors.Join(errs...); err != nil {
		c.health.Failure(health.Discovery, err)
		return processed, err
	}
	c.health.Success(health.Discovery)
	return processed, nil
}

func (c *Coordinator) processSnapshot(ctx context.Context, h discovery.Handle) error {
	highWater := c.highWater.Load()
	d, err := c.source.Discover(ctx, h, highWater)
	switch {
	case errors.Is(err, discovery.ErrSnapshotStale):
		c.metrics.RecordSnapshot("stale", highWater)
		c.logger.Debug().Int64("generation", h.Generation).Int64("high_water", highWater).Msg("skipping stale snapshot")
		return nil
	case err != nil:
		c.metrics.RecordSnapshot("unreadable", highWater)
		c.logger.Warn().Err(err).Str("path", h.Path).Msg("snapshot rejected")
		return err
	}

	added := c.addresses.Merge(d.Addresses)
	if err := c.addresses.Persist(); err != nil {
		return fmt.Errorf("persist address store: %w", err)
	}

	if c.progress != nil {
		err := c.progress.SetLastProcessed(ctx, &storage.DiscoveryProgress{
			Generation:   d.Generation,
			SnapshotPath: d.Path,
			Addresses:    len(d.Addresses),
			ProcessedAt:  time.Now(),
		})
		if err != nil {
			c.health.Failure(health.Storage, err)
			return fmt.Errorf("save discovery progress: %w", err)
		}
	}
	c.highWater.Store(d.Generation)

	total := c.addresses.Len()
	c.metrics.RecordSnapshot("ok", d.Generation)
	c.metrics.SetAddressesTracked(total)
	c.logger.Info().
		Int64("generation", d.Generation).
		Int("discovered", len(d.Addresses)).
		Int("added", added).
		Int("total", total).
		Msg("working set updated")
	return nil
}

func (c *Coordinator) discoveryLoop(ctx context.Context) error {
	return every(ctx, c.snapshotInterval, true, func(ctx context.Context) error {
		_, err := c.DiscoverOnce(ctx)
		return c.escalate(health.Discovery, err)
	})
}

// refreshLoop runs the scheduler and stops it with an error once the refresh
// component is Failed.
func (c *Coordinator) refreshLoop(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runSafely(runCtx, c.refresh.Run) }()

	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			st := c.health.Status(health.Refresh)
			if st.State != health.Failed {
				continue
			}
			cancel()
			<-done
			return fmt.Errorf("%w: %s: %s", errComponentFailed, health.Refresh, st.LastError)
		}
	}
}

// escalate turns err into a task error once component is Failed, so the
// supervisor restarts the task. Below that state the loop keeps running.
func (c *Coordinator) escalate(component string, err error) error {
	if err == nil || c.health.Status(component).State != health.Failed {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", errComponentFailed, component, err)
}

// RefreshOnce dispatches one refresh tick without waiting for it.
func (c *Coordinator) RefreshOnce(ctx context.Context) scheduler.TickStats {
	return c.refresh.Tick(ctx)
}

// Drain waits for in-flight fetches until ctx is done.
func (c *Coordinator) Drain(ctx context.Context) error {
	return c.refresh.Wait(ctx)
}

// handleResult applies one fetch result. A failed fetch never touches storage
// and never removes the address.
func (c *Coordinator) handleResult(ctx context.Context, res fetcher.Result) {
	if res.Err != nil {
		c.health.Failure(health.Fetch, res.Err)
		c.logger.Debug().Err(res.Err).Str("address", string(res.Address)).Msg("fetch failed")
		return
	}
	c.health.Success(health.Fetch)

	stats, err := c.positions.Apply(ctx, res)
	if err != nil {
		c.health.Failure(health.Storage, err)
		c.logger.Warn().Err(err).Str("address", string(res.Address)).Msg("apply fetch result")
		return
	}
	c.health.Success(health.Storage)

	if stats.Closed > 0 {
		c.logger.Debug().Str("address", string(res.Address)).Int("closed", stats.Closed).Msg("positions closed")
	}
}

// CleanupOnce removes stale closed rows and prunes addresses that no longer
// hold a row in any market. It returns the number of pruned addresses.
func (c *Coordinator) CleanupOnce(ctx context.Context) (int, error) {
	keys, err := c.positions.CleanupStale(ctx, c.retention)
	if err != nil {
		c.health.Failure(health.Cleanup, err)
		if len(keys) == 0 {
			return 0, err
		}
	}

	seen := make(map[domain.Address]bool, len(keys))
	pruned := 0
	for _, k := range keys {
		if seen[k.Address] {
			continue
		}
		seen[k.Address] = true

		has, herr := c.positions.HasPositions(ctx, k.Address)
		if herr != nil {
			err = errors.Join(err, herr)
			continue
		}
		if !has && c.addresses.Remove(k.Address) {
			pruned++
		}
	}

	if pruned > 0 {
		if perr := c.addresses.Persist(); perr != nil {
			err = errors.Join(err, fmt.Errorf("persist address store: %w", perr))
		}
		c.metrics.RecordPruned(pruned)
		c.metrics.SetAddressesTracked(c.addresses.Len())
	}

	c.logger.Info().Int("removed_rows", len(keys)).Int("pruned", pruned).Msg("cleanup complete")
	if err != nil {
		c.health.Failure(health.Cleanup, err)
		return pruned, err
	}
	c.health.Success(health.Cleanup)
	return pruned, nil
}

func (c *Coordinator) cleanupLoop(ctx context.Context) error {
	return every(ctx, c.cleanupInterval, false, func(ctx context.Context) error {
		_, err := c.CleanupOnce(ctx)
		return c.escalate(health.Cleanup, err)
	})
}

// CheckHealth evaluates refresh progress: with a non-empty working set, at
// least one fetch must have completed since the previous check.
func (c *Coordinator) CheckHealth() health.State {
	completed := c.refresh.Stats().Completed
	prev := c.lastCompleted.Swap(completed)

	if c.addresses.Len() > 0 && completed == prev {
		c.health.Failure(health.Refresh, errNoRefreshProgress)
	} else {
		c.health.Success(health.Refresh)
	}

	overall := c.health.Overall()
	if overall == health.Failed {
		ev := c.logger.Error()
		for _, st := range c.health.Snapshot() {
			if st.State != health.Healthy {
				ev = ev.Str(st.Name, st.State.String())
			}
		}
		ev.Msg("monitor unhealthy")
	}
	return overall
}

func (c *Coordinator) healthLoop(ctx context.Context) error {
	return every(ctx, c.healthInterval, false, func(context.Context) error {
		c.CheckHealth()
		return nil
	})
}

// ReportStats logs aggregate statistics for rows above the value threshold.
func (c *Coordinator) ReportStats(ctx context.Context) (domain.MonitorStats, error) {
	stats, err := c.positions.AggregateStats(ctx, c.positions.MinValueUSD())
	if err != nil {
		c.health.Failure(health.Storage, err)
		return stats, err
	}

	for market, s := range stats.PerMarket {
		c.logger.Info().
			Str("market", string(market)).
			Int("addresses", s.UniqueAddresses).
			Int("positions", s.TotalPositions).
			Float64("total_usd", s.TotalValueUSD).
			Float64("max_usd", s.MaxValueUSD).
			Msg("market stats")
	}
	c.logger.Info().
		Int("addresses", stats.Overall.UniqueAddresses).
		Int("positions", stats.Overall.TotalPositions).
		Float64("total_usd", stats.Overall.TotalValueUSD).
		Int("tracked", c.addresses.Len()).
		Msg("position stats")
	return stats, nil
}

func (c *Coordinator) statsLoop(ctx context.Context) error {
	return every(ctx, c.statsInterval, false, func(ctx context.Context) error {
		_, err := c.ReportStats(ctx)
		return c.escalate(health.Storage, err)
	})
}

// every runs fn every interval until ctx is done or fn returns an error,
// optionally once at start.
func every(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context) error) error {
	if immediate {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

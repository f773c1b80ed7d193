// Package scheduler drives the periodic position refresh over the working set.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/fetcher"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/logging"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/observability"
)

// Defaults used when Options leave a field zero.
const (
	DefaultInterval    = 10 * time.Second
	DefaultConcurrency = 50
)

// Fetcher returns the current positions for one address.
type Fetcher interface {
	Fetch(ctx context.Context, addr domain.Address) fetcher.Result
}

// AddressSource yields the addresses to refresh on each tick.
type AddressSource interface {
	All() []domain.Address
}

// ResultHandler consumes each fetch result as soon as it completes.
type ResultHandler func(ctx context.Context, res fetcher.Result)

// Options configures a Scheduler.
type Options struct {
	Addresses   AddressSource
	Fetcher     Fetcher
	Handler     ResultHandler
	Interval    time.Duration
	Concurrency int
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
}

// TickStats describes what one tick dispatched.
type TickStats struct {
	Addresses  int
	Dispatched int
	Skipped    int // already in flight from an earlier tick
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Ticks      int64 `json:"ticks"`
	Dispatched int64 `json:"dispatched"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	InFlight   int   `json:"in_flight"`
}

// Scheduler fans fetches out over a bounded pool. At most one fetch per
// address is outstanding at any time; an address still in flight when the
// next tick fires is skipped rather than queued.
type Scheduler struct {
	addresses   AddressSource
	fetcher     Fetcher
	handler     ResultHandler
	interval    time.Duration
	concurrency int
	logger      zerolog.Logger
	metrics     *observability.Metrics

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	// Fetches run on their own context so they can drain after the loop stops.
	fetchCtx    context.Context
	cancelFetch context.CancelFunc

	mu       sync.Mutex
	inFlight map[domain.Address]struct{}

	ticks, dispatched, completed, failed, skipped atomic.Int64
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Handler == nil {
		opts.Handler = func(context.Context, fetcher.Result) {}
	}
	fetchCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		addresses:   opts.Addresses,
		fetcher:     opts.Fetcher,
		handler:     opts.Handler,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		logger:      logging.Component(opts.Logger, "refresh"),
		metrics:     opts.Metrics,
		sem:         semaphore.NewWeighted(int64(opts.Concurrency)),
		fetchCtx:    fetchCtx,
		cancelFetch: cancel,
		inFlight:    make(map[domain.Address]struct{}),
	}
}

// Run ticks immediately and then every interval until ctx is done.
// It returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick snapshots the address set and dispatches one fetch per address that is
// not already in flight. It returns without waiting for the fetches.
func (s *Scheduler) Tick(ctx context.Context) TickStats {
	addrs := s.addresses.All()
	stats := TickStats{Addresses: len(addrs)}

	claimed := make([]domain.Address, 0, len(addrs))
	s.mu.Lock()
	for _, addr := range addrs {
		if _, busy := s.inFlight[addr]; busy {
			stats.Skipped++
			continue
		}
		s.inFlight[addr] = struct{}{}
		claimed = append(claimed, addr)
	}
	inFlight := len(s.inFlight)
	s.mu.Unlock()

	stats.Dispatched = len(claimed)
	s.ticks.Add(1)
	s.dispatched.Add(int64(len(claimed)))
	s.skipped.Add(int64(stats.Skipped))
	s.metrics.RecordSkipped(stats.Skipped)
	s.metrics.SetInFlight(inFlight)

	if stats.Skipped > 0 {
		s.logger.Debug().Int("skipped", stats.Skipped).Msg("addresses still in flight from previous tick")
	}
	if len(claimed) == 0 {
		return stats
	}

	s.wg.Add(1)
	go s.dispatch(ctx, claimed)
	return stats
}

// dispatch starts fetches for claimed addresses as pool slots free up.
func (s *Scheduler) dispatch(ctx context.Context, claimed []domain.Address) {
	defer s.wg.Done()

	start := time.Now()
	var tick sync.WaitGroup
	var failed atomic.Int64

	for i, addr := range claimed {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.release(claimed[i:]...)
			break
		}
		s.wg.Add(1)
		tick.Add(1)
		go func(addr domain.Address) {
			defer s.wg.Done()
			defer tick.Done()
			defer s.sem.Release(1)
			defer s.release(addr)

			res := s.fetcher.Fetch(s.fetchCtx, addr)
			if res.Err != nil {
				failed.Add(1)
				s.failed.Add(1)
			}
			s.handler(s.fetchCtx, res)
			s.completed.Add(1)
		}(addr)
	}

	tick.Wait()
	elapsed := time.Since(start)
	s.metrics.RecordRefreshTick(elapsed)
	s.logger.Debug().
		Int("addresses", len(claimed)).
		Int64("failed", failed.Load()).
		Dur("elapsed", elapsed).
		Msg("refresh tick complete")
}

func (s *Scheduler) release(addrs ...domain.Address) {
	s.mu.Lock()
	for _, addr := range addrs {
		delete(s.inFlight, addr)
	}
	n := len(s.inFlight)
	s.mu.Unlock()
	s.metrics.SetInFlight(n)
}

// Wait blocks until every dispatched fetch has finished or ctx is done.
// On expiry the remaining fetches are cancelled and ctx.Err() is returned.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancelFetch()
		if n := s.Stats().InFlight; n > 0 {
			s.logger.Warn().Int("in_flight", n).Msg("shutdown grace expired, cancelling fetches")
		}
		return ctx.Err()
	}
}

// Close cancels any fetch still running.
func (s *Scheduler) Close() {
	s.cancelFetch()
}

// Stats returns cumulative counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	inFlight := len(s.inFlight)
	s.mu.Unlock()
	return Stats{
		Ticks:      s.ticks.Load(),
		Dispatched: s.dispatched.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Skipped:    s.skipped.Load(),
		InFlight:   inFlight,
	}
}

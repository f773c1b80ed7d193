package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/fetcher"
)

type staticAddresses []domain.Address

func (s staticAddresses) All() []domain.Address { return append([]domain.Address(nil), s...) }

// slowFetcher records the peak number of concurrent Fetch calls.
type slowFetcher struct {
	delay   time.Duration
	fail    map[domain.Address]bool
	current atomic.Int64
	peak    atomic.Int64

	mu    sync.Mutex
	calls map[domain.Address]int
}

func (f *slowFetcher) Fetch(ctx context.Context, addr domain.Address) fetcher.Result {
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[domain.Address]int)
	}
	f.calls[addr]++
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return fetcher.Result{Address: addr, Err: ctx.Err()}
	case <-time.After(f.delay):
	}
	if f.fail[addr] {
		return fetcher.Result{Address: addr, Err: errors.New("boom")}
	}
	return fetcher.Result{Address: addr, Source: fetcher.SourcePrimary}
}

func (f *slowFetcher) callCount(addr domain.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr]
}

func addresses(n int) staticAddresses {
	out := make(staticAddresses, n)
	for i := range out {
		out[i] = domain.Address(fmt.Sprintf("0x%040x", i+1))
	}
	return out
}

func TestTick_RespectsConcurrencyLimit(t *testing.T) {
	f := &slowFetcher{delay: 30 * time.Millisecond}
	var handled atomic.Int64

	s := New(Options{
		Addresses:   addresses(10),
		Fetcher:     f,
		Handler:     func(context.Context, fetcher.Result) { handled.Add(1) },
		Concurrency: 2,
		Logger:      zerolog.Nop(),
	})

	stats := s.Tick(context.Background())
	assert.Equal(t, 10, stats.Dispatched)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	assert.Equal(t, int64(2), f.peak.Load())
	assert.Equal(t, int64(10), handled.Load())
	assert.Equal(t, int64(10), s.Stats().Completed)
	assert.Zero(t, s.Stats().InFlight)
}

func TestTick_SkipsAddressesInFlight(t *testing.T) {
	f := &slowFetcher{delay: 200 * time.Millisecond}
	addrs := addresses(3)
	s := New(Options{
		Addresses:   addrs,
		Fetcher:     f,
		Concurrency: 10,
		Logger:      zerolog.Nop(),
	})

	first := s.Tick(context.Background())
	second := s.Tick(context.Background())

	assert.Equal(t, 3, first.Dispatched)
	assert.Equal(t, 0, second.Dispatched)
	assert.Equal(t, 3, second.Skipped)

	require.NoError(t, s.Wait(context.Background()))
	for _, a := range addrs {
		assert.Equal(t, 1, f.callCount(a), "one fetch per address")
	}

	third := s.Tick(context.Background())
	assert.Equal(t, 3, third.Dispatched)
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int64(3), s.Stats().Skipped)
}

func TestTick_StreamsResults(t *testing.T) {
	addrs := addresses(2)
	f := &slowFetcher{delay: time.Millisecond, fail: map[domain.Address]bool{addrs[1]: true}}

	var mu sync.Mutex
	got := map[domain.Address]error{}
	s := New(Options{
		Addresses: addrs,
		Fetcher:   f,
		Handler: func(_ context.Context, res fetcher.Result) {
			mu.Lock()
			got[res.Address] = res.Err
			mu.Unlock()
		},
		Logger: zerolog.Nop(),
	})

	s.Tick(context.Background())
	require.NoError(t, s.Wait(context.Background()))

	require.Len(t, got, 2)
	assert.NoError(t, got[addrs[0]])
	assert.Error(t, got[addrs[1]])
	assert.Equal(t, int64(1), s.Stats().Failed)
}

func TestWait_GraceExpiryCancelsFetches(t *testing.T) {
	f := &slowFetcher{delay: 10 * time.Second}
	var cancelled atomic.Int64
	s := New(Options{
		Addresses: addresses(2),
		Fetcher:   f,
		Handler: func(_ context.Context, res fetcher.Result) {
			if errors.Is(res.Err, context.Canceled) {
				cancelled.Add(1)
			}
		},
		Logger: zerolog.Nop(),
	})

	s.Tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int64(2), cancelled.Load())
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := &slowFetcher{delay: time.Millisecond}
	s := New(Options{
		Addresses: addresses(1),
		Fetcher:   f,
		Interval:  10 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	require.NoError(t, s.Wait(context.Background()))

	assert.GreaterOrEqual(t, s.Stats().Ticks, int64(2))
}

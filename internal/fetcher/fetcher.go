// Package fetcher retrieves and normalizes position state for one address,
// trying the primary endpoint first and the secondary once on failure.
package fetcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/hyperliquid"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/logging"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/observability"
)

// Endpoint names used in results, logs and metrics.
const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
)

// DefaultTimeout bounds each endpoint attempt.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one Fetch. Err is a *FetchError when both endpoints failed.
type Result struct {
	Address      domain.Address
	Positions    []domain.Position // target markets, non-zero size; empty means flat
	Account      domain.AccountSummary
	Source       string
	FallbackUsed bool
	FetchedAt    time.Time
	Err          error
}

// OK reports whether the fetch succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Counters are cumulative fetch outcomes.
type Counters struct {
	PrimarySuccess   int64 `json:"primary_success"`
	PrimaryFailure   int64 `json:"primary_failure"`
	SecondarySuccess int64 `json:"secondary_success"`
	SecondaryFailure int64 `json:"secondary_failure"`
	FallbackUsed     int64 `json:"fallback_used"`
	Failed           int64 `json:"failed"`
	Malformed        int64 `json:"malformed"`
	Timeouts         int64 `json:"timeouts"`
}

// Options configures a Fetcher.
type Options struct {
	Primary   hyperliquid.InfoClient
	Secondary hyperliquid.InfoClient // optional
	Timeout   time.Duration
	Markets   []domain.Market // empty means every market
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// Fetcher implements the primary-then-secondary policy. It keeps no circuit
// state between calls.
type Fetcher struct {
	primary   hyperliquid.InfoClient
	secondary hyperliquid.InfoClient
	timeout   time.Duration
	markets   domain.MarketSet
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	primaryOK, primaryErr       atomic.Int64
	secondaryOK, secondaryErr   atomic.Int64
	fallbacks                   atomic.Int64
	failed, malformed, timedOut atomic.Int64
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{
		primary:   opts.Primary,
		secondary: opts.Secondary,
		timeout:   opts.Timeout,
		markets:   domain.NewMarketSet(opts.Markets),
		logger:    logging.Component(opts.Logger, "fetcher"),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Fetch returns the current positions for addr. A failure on both endpoints
// is reported in Result.Err and never panics or blocks past two timeouts.
func (f *Fetcher) Fetch(ctx context.Context, addr domain.Address) Result {
	res, primaryErr := f.attempt(ctx, f.primary, SourcePrimary, addr)
	if primaryErr == nil {
		f.primaryOK.Add(1)
		return res
	}
	f.primaryErr.Add(1)

	if f.secondary == nil || ctx.Err() != nil {
		return f.fail(addr, primaryErr, nil)
	}

	f.fallbacks.Add(1)
	f.metrics.RecordFallback()
	f.logger.Debug().Err(primaryErr).Str("address", string(addr)).Msg("primary failed, trying secondary")

	res, secondaryErr := f.attempt(ctx, f.secondary, SourceSecondary, addr)
	if secondaryErr == nil {
		f.secondaryOK.Add(1)
		res.FallbackUsed = true
		return res
	}
	f.secondaryErr.Add(1)
	return f.fail(addr, primaryErr, secondaryErr)
}

func (f *Fetcher) attempt(ctx context.Context, client hyperliquid.InfoClient, source string, addr domain.Address) (Result, error) {
	actx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	state, err := client.ClearinghouseState(actx, string(addr))
	if err == nil {
		var positions []domain.Position
		var account domain.AccountSummary
		now := f.now()
		positions, account, err = normalize(addr, state, f.markets, now)
		if err == nil {
			f.metrics.RecordAPIQuery(source, "ok", time.Since(start))
			return Result{
				Address:   addr,
				Positions: positions,
				Account:   account,
				Source:    source,
				FetchedAt: now,
			}, nil
		}
	}

	status := "error"
	switch classify(err) {
	case ErrFetchMalformed:
		status = "malformed"
	case ErrFetchTimeout:
		status = "timeout"
	}
	f.metrics.RecordAPIQuery(source, status, time.Since(start))
	return Result{}, err
}

func (f *Fetcher) fail(addr domain.Address, primaryErr, secondaryErr error) Result {
	errs := []error{primaryErr}
	if secondaryErr != nil {
		errs = append(errs, secondaryErr)
	}
	kind := classify(errs...)
	switch kind {
	case ErrFetchMalformed:
		f.malformed.Add(1)
		f.logger.Warn().Str("address", string(addr)).Err(primaryErr).AnErr("secondary", secondaryErr).
			Msg("malformed response, upstream schema may have changed")
	case ErrFetchTimeout:
		f.timedOut.Add(1)
	default:
		f.failed.Add(1)
	}

	return Result{
		Address:   addr,
		FetchedAt: f.now(),
		Err: &FetchError{
			Kind:      kind,
			Address:   addr,
			Primary:   primaryErr,
			Secondary: secondaryErr,
		},
	}
}

// Counters returns a snapshot of cumulative outcomes.
func (f *Fetcher) Counters() Counters {
	return Counters{
		PrimarySuccess:   f.primaryOK.Load(),
		PrimaryFailure:   f.primaryErr.Load(),
		SecondarySuccess: f.secondaryOK.Load(),
		SecondaryFailure: f.secondaryErr.Load(),
		FallbackUsed:     f.fallbacks.Load(),
		Failed:           f.failed.Load(),
		Malformed:        f.malformed.Load(),
		Timeouts:         f.timedOut.Load(),
	}
}

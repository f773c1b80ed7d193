package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/hyperliquid"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/hyperliquid/stub"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/observability"
)

const (
	addrA = "0x000000000000000000000000000000000000000a"
	addrB = "0x000000000000000000000000000000000000000b"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newFetcher(primary, secondary hyperliquid.InfoClient, markets ...domain.Market) *Fetcher {
	opts := Options{
		Primary: primary,
		Timeout: 200 * time.Millisecond,
		Markets: markets,
		Logger:  zerolog.Nop(),
		Metrics: observability.NewMetrics("test"),
		Now:     func() time.Time { return fixedNow },
	}
	if secondary != nil {
		opts.Secondary = secondary
	}
	return New(opts)
}

func TestFetch_PrimarySuccess(t *testing.T) {
	primary := stub.NewInfoClient()
	primary.Set(addrA, stub.State(
		stub.Position("BTC", "0.5", "60000", "30000"),
		stub.Position("ETH", "-10", "3000", ""),
		stub.Position("SOL", "0", "150", "0"),
	))
	secondary := stub.NewInfoClient()

	f := newFetcher(primary, secondary)
	res := f.Fetch(context.Background(), addrA)

	require.NoError(t, res.Err)
	assert.Equal(t, SourcePrimary, res.Source)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, fixedNow, res.FetchedAt)
	require.Len(t, res.Positions, 2, "flat SOL position is dropped")

	btc := res.Positions[0]
	assert.Equal(t, domain.Market("BTC"), btc.Market)
	assert.InDelta(t, 0.5, btc.Size, 1e-9)
	assert.InDelta(t, 30000, btc.PositionValue, 1e-9)
	assert.Equal(t, domain.LeverageCross, btc.Leverage.Type)
	assert.InDelta(t, 100000, btc.Account.AccountValue, 1e-9)

	eth := res.Positions[1]
	assert.InDelta(t, 30000, eth.PositionValue, 1e-9, "value derived from |szi| * entryPx")
	assert.Equal(t, "SHORT", eth.Side())

	assert.Equal(t, 0, secondary.Calls(addrA))
	assert.Equal(t, int64(1), f.Counters().PrimarySuccess)
}

func TestFetch_MarketFilter(t *testing.T) {
	primary := stub.NewInfoClient()
	primary.Set(addrA, stub.State(
		stub.Position("BTC", "1", "60000", "60000"),
		stub.Position("ETH", "1", "3000", "3000"),
	))

	f := newFetcher(primary, nil, "ETH")
	res := f.Fetch(context.Background(), addrA)

	require.NoError(t, res.Err)
	require.Len(t, res.Positions, 1)
	assert.Equal(t, domain.Market("ETH"), res.Positions[0].Market)
}

func TestFetch_FlatAddressIsSuccess(t *testing.T) {
	primary := stub.NewInfoClient()
	primary.Set(addrA, stub.State())

	res := newFetcher(primary, nil).Fetch(context.Background(), addrA)
	require.NoError(t, res.Err)
	assert.Empty(t, res.Positions)
}

func TestFetch_FallbackOnPrimaryError(t *testing.T) {
	primary := stub.NewInfoClient()
	primary.Fail(addrA, errors.New("connection refused"))
	secondary := stub.NewInfoClient()
	secondary.Set(addrA, stub.State(stub.Position("BTC", "2", "50000", "100000")))

	f := newFetcher(primary, secondary)
	res := f.Fetch(context.Background(), addrA)

	require.NoError(t, res.Err)
	assert.Equal(t, SourceSecondary, res.Source)
	assert.True(t, res.FallbackUsed)
	require.Len(t, res.Positions, 1)

	c := f.Counters()
	assert.Equal(t, int64(1), c.PrimaryFailure)
	assert.Equal(t, int64(1), c.SecondarySuccess)
	assert.Equal(t, int64(1), c.FallbackUsed)
}

func TestFetch_FallbackOnPrimaryTimeout(t *testing.T) {
	primary := stub.NewInfoClient()
	primary.Delay = time.Second
	primary.Set(addrA, stub.State(stub.Position("BTC", "1", "1", "1")))
	secondary := stub.NewInfoClient()
	secondary.Set(addrA, stub.State(stub.Position("BTC", "3", "50000", "150000")))

	f := newFetcher(primary, secondary)
	start := time.Now()
	res := f.Fetch(context.Background(), addrA)

	require.NoError(t, res.Err)
	assert.Equal(t, SourceSecondary, res.Source)
	assert.InDelta(t, 3, res.Positions[0].Size, 1e-9)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetch_BothFail(t *testing.T) {
	primary := stub.NewInfoClient()
	primary.Fail(addrA, &hyperliquid.StatusError{Code: http.StatusBadGateway})
	secondary := stub.NewInfoClient()
	secondary.Fail(addrA, errors.New("connection reset"))

	f := newFetcher(primary, secondary)
	res := f.Fetch(context.Background(), addrA)

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrFetchFailed)
	assert.Empty(t, res.Positions)
	assert.Equal(t, 1, primary.Calls(addrA))
	assert.Equal(t, 1, secondary.Calls(addrA))
	assert.Equal(t, int64(1), f.Counters().Failed)

	var fe *FetchError
	require.ErrorAs(t, res.Err, &fe)
	assert.Equal(t, domain.Address(addrA), fe.Address)
	assert.NotNil(t, fe.Secondary)
}

func TestFetch_BothTimeout(t *testing.T) {
	primary := stub.NewInfoClient()
	primary.Delay = time.Second
	secondary := stub.NewInfoClient()
	secondary.Delay = time.Second

	f := newFetcher(primary, secondary)
	res := f.Fetch(context.Background(), addrA)

	assert.ErrorIs(t, res.Err, ErrFetchTimeout)
	assert.Equal(t, int64(1), f.Counters().Timeouts)
}

func TestFetch_MalformedWins(t *testing.T) {
	primary := stub.NewInfoClient()
	primary.Fail(addrA, hyperliquid.ErrMalformed)
	secondary := stub.NewInfoClient()
	secondary.Delay = time.Second

	res := newFetcher(primary, secondary).Fetch(context.Background(), addrA)
	assert.ErrorIs(t, res.Err, ErrFetchMalformed)
}

func TestFetch_MalformedNumeric(t *testing.T) {
	primary := stub.NewInfoClient()
	primary.Set(addrA, stub.State(stub.Position("BTC", "lots", "1", "1")))

	res := newFetcher(primary, nil).Fetch(context.Background(), addrA)
	assert.ErrorIs(t, res.Err, ErrFetchMalformed)
}

func TestFetch_NoSecondary(t *testing.T) {
	primary := stub.NewInfoClient()
	primary.Fail(addrA, errors.New("boom"))

	f := newFetcher(primary, nil)
	res := f.Fetch(context.Background(), addrA)

	assert.ErrorIs(t, res.Err, ErrFetchFailed)
	assert.Equal(t, int64(0), f.Counters().FallbackUsed)
}

func TestFetch_OverHTTP(t *testing.T) {
	primarySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primarySrv.Close()

	secondarySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"assetPositions": [{"type":"oneWay","position":{
				"coin":"BTC","szi":"-0.25","entryPx":"64000.0","positionValue":"16000.0",
				"unrealizedPnl":"-12.5","returnOnEquity":"-0.01","liquidationPx":null,
				"marginUsed":"1600.0","leverage":{"type":"isolated","value":10,"rawUsd":"17600.0"}}}],
			"marginSummary":{"accountValue":"25000.0","totalMarginUsed":"1600.0"},
			"withdrawable":"23400.0"
		}`))
	}))
	defer secondarySrv.Close()

	f := newFetcher(
		hyperliquid.NewHTTPClient(primarySrv.URL),
		hyperliquid.NewHTTPClient(secondarySrv.URL),
	)
	res := f.Fetch(context.Background(), addrB)

	require.NoError(t, res.Err)
	assert.True(t, res.FallbackUsed)
	require.Len(t, res.Positions, 1)

	p := res.Positions[0]
	assert.InDelta(t, -0.25, p.Size, 1e-9)
	assert.Nil(t, p.LiquidationPrice)
	assert.Equal(t, domain.LeverageIsolated, p.Leverage.Type)
	require.NotNil(t, p.Leverage.RawUSD)
	assert.InDelta(t, 17600, *p.Leverage.RawUSD, 1e-9)
	assert.InDelta(t, 23400, res.Account.Withdrawable, 1e-9)
}

func TestClassify(t *testing.T) {
	timeout := context.DeadlineExceeded
	failed := errors.New("refused")

	assert.Equal(t, ErrFetchTimeout, classify(timeout, timeout))
	assert.Equal(t, ErrFetchFailed, classify(timeout, failed))
	assert.Equal(t, ErrFetchMalformed, classify(failed, hyperliquid.ErrMalformed))
	assert.Equal(t, ErrFetchFailed, classify(failed))
}

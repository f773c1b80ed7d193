package stub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/hyperliquid"
)

// ErrNotFound is returned when no state is registered for a user.
var ErrNotFound = errors.New("not found")

// InfoClient implements hyperliquid.InfoClient for testing.
type InfoClient struct {
	mu     sync.Mutex
	States map[string]*hyperliquid.ClearinghouseState
	Errors map[string]error
	// Delay, when set, blocks each call until it elapses or ctx is done.
	Delay time.Duration
	// OnCall, when set, runs at the start of every call.
	OnCall func(user string)
	calls  map[string]int
}

var _ hyperliquid.InfoClient = (*InfoClient)(nil)

// NewInfoClient creates a new stub client.
func NewInfoClient() *InfoClient {
	return &InfoClient{
		States: make(map[string]*hyperliquid.ClearinghouseState),
		Errors: make(map[string]error),
		calls:  make(map[string]int),
	}
}

// Set registers state for user.
func (c *InfoClient) Set(user string, state *hyperliquid.ClearinghouseState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.States[user] = state
	delete(c.Errors, user)
}

// Fail makes every call for user return err.
func (c *InfoClient) Fail(user string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Errors[user] = err
}

// Calls returns how many times user was requested.
func (c *InfoClient) Calls(user string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[user]
}

// ClearinghouseState returns the registered state or error for user.
func (c *InfoClient) ClearinghouseState(ctx context.Context, user string) (*hyperliquid.ClearinghouseState, error) {
	c.mu.Lock()
	c.calls[user]++
	onCall, delay := c.OnCall, c.Delay
	c.mu.Unlock()

	if onCall != nil {
		onCall(user)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.Errors[user]; ok {
		return nil, err
	}
	state, ok := c.States[user]
	if !ok {
		return nil, ErrNotFound
	}
	return state, nil
}

// Position builds an AssetPosition with the fields the fetcher reads.
func Position(coin, szi, entryPx, value string) hyperliquid.AssetPosition {
	return hyperliquid.AssetPosition{
		Type: "oneWay",
		Position: hyperliquid.PerpPosition{
			Coin:          coin,
			Szi:           szi,
			EntryPx:       &entryPx,
			PositionValue: value,
			UnrealizedPnl: "0",
			MarginUsed:    "0",
			Leverage:      hyperliquid.Leverage{Type: "cross", Value: 10},
		},
	}
}

// State builds a clearinghouse state holding positions.
func State(positions ...hyperliquid.AssetPosition) *hyperliquid.ClearinghouseState {
	return &hyperliquid.ClearinghouseState{
		AssetPositions: positions,
		MarginSummary:  hyperliquid.MarginSummary{AccountValue: "100000", TotalMarginUsed: "0"},
		Withdrawable:   "50000",
	}
}

package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidMarketName is returned for market names outside [A-Za-z0-9_]+.
// Market names end up in storage object names, so this is checked before any use.
var ErrInvalidMarketName = errors.New("invalid market name")

var marketPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Market is an uppercase perpetual market symbol such as BTC or ETH.
type Market string

// ParseMarket validates s and returns it uppercased.
func ParseMarket(s string) (Market, error) {
	s = strings.TrimSpace(s)
	if !marketPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMarketName, s)
	}
	return Market(strings.ToUpper(s)), nil
}

// ParseMarkets parses a list of market names, dropping duplicates.
// The first invalid name fails the whole list.
func ParseMarkets(names []string) ([]Market, error) {
	seen := make(map[Market]struct{}, len(names))
	markets := make([]Market, 0, len(names))
	for _, name := range names {
		m, err := ParseMarket(name)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		markets = append(markets, m)
	}
	return markets, nil
}

// String returns the market symbol.
func (m Market) String() string {
	return string(m)
}

// TableName returns the lowercase storage name used for the market's partition.
func (m Market) TableName() string {
	return strings.ToLower(string(m)) + "_live_positions"
}

// MarketSet is an allow-list of markets.
type MarketSet map[Market]struct{}

// NewMarketSet builds a set from markets.
func NewMarketSet(markets []Market) MarketSet {
	s := make(MarketSet, len(markets))
	for _, m := range markets {
		s[m] = struct{}{}
	}
	return s
}

// Contains reports whether m is in the set. An empty set contains every market.
func (s MarketSet) Contains(m Market) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[m]
	return ok
}

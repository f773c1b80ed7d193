// Package redis mirrors live positions into Redis hashes and announces
// changes on a pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// Update is published on the channel for every mirrored change.
type Update struct {
	Action  string  `json:"action"` // "upsert" or "remove"
	Market  string  `json:"market"`
	Address string  `json:"address"`
	Size    float64 `json:"size,omitempty"`
	Value   float64 `json:"value,omitempty"`
	TsMs    int64   `json:"ts_ms"`
}

type mirroredPosition struct {
	Address          string   `json:"address"`
	Market           string   `json:"market"`
	Size             float64  `json:"size"`
	EntryPrice       float64  `json:"entry_price"`
	LiquidationPrice *float64 `json:"liquidation_price"`
	PositionValue    float64  `json:"position_value"`
	UnrealizedPnL    float64  `json:"unrealized_pnl"`
	MarginUsed       float64  `json:"margin_used"`
	LeverageType     string   `json:"leverage_type"`
	LeverageValue    int      `json:"leverage_value"`
	UpdatedMs        int64    `json:"updated_ms"`
}

// PositionMirror implements storage.PositionMirror.
// Positions for a market live in hash <prefix>:<MARKET>, keyed by address.
type PositionMirror struct {
	rdb     *redis.Client
	prefix  string
	ttl     time.Duration
	channel string
}

var _ storage.PositionMirror = (*PositionMirror)(nil)

// NewPositionMirror creates a mirror. Empty prefix or channel fall back to defaults.
func NewPositionMirror(rdb *redis.Client, prefix string, ttl time.Duration, channel string) *PositionMirror {
	if strings.TrimSpace(prefix) == "" {
		prefix = "positions"
	}
	if strings.TrimSpace(channel) == "" {
		channel = prefix + ":updates"
	}
	return &PositionMirror{rdb: rdb, prefix: prefix, ttl: ttl, channel: channel}
}

// NewClient parses a redis:// URL and pings the server.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Key returns the hash key for market.
func (m *PositionMirror) Key(market domain.Market) string {
	return m.prefix + ":" + string(market)
}

// Channel returns the pub/sub channel updates are published on.
func (m *PositionMirror) Channel() string {
	return m.channel
}

// Put writes the position into its market hash and publishes an upsert.
func (m *PositionMirror) Put(ctx context.Context, pos *domain.Position) error {
	if pos == nil || pos.Address == "" || pos.Market == "" {
		return storage.ErrInvalidInput
	}

	updated := pos.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	b, err := json.Marshal(mirroredPosition{
		Address:          string(pos.Address),
		Market:           string(pos.Market),
		Size:             pos.Size,
		EntryPrice:       pos.EntryPrice,
		LiquidationPrice: pos.LiquidationPrice,
		PositionValue:    pos.PositionValue,
		UnrealizedPnL:    pos.UnrealizedPnL,
		MarginUsed:       pos.MarginUsed,
		LeverageType:     string(pos.Leverage.Type),
		LeverageValue:    pos.Leverage.Value,
		UpdatedMs:        updated.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	key := m.Key(pos.Market)
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, key, string(pos.Address), string(b))
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror position: %w", err)
	}

	return m.publish(ctx, Update{
		Action:  "upsert",
		Market:  string(pos.Market),
		Address: string(pos.Address),
		Size:    pos.Size,
		Value:   pos.PositionValue,
		TsMs:    updated.UnixMilli(),
	})
}

// Remove deletes the address from its market hash and publishes a remove.
func (m *PositionMirror) Remove(ctx context.Context, key domain.PositionKey) error {
	if err := m.rdb.HDel(ctx, m.Key(key.Market), string(key.Address)).Err(); err != nil {
		return fmt.Errorf("remove mirrored position: %w", err)
	}
	return m.publish(ctx, Update{
		Action:  "remove",
		Market:  string(key.Market),
		Address: string(key.Address),
		TsMs:    time.Now().UnixMilli(),
	})
}

func (m *PositionMirror) publish(ctx context.Context, u Update) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if err := m.rdb.Publish(ctx, m.channel, string(b)).Err(); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

// Package config loads monitor configuration from a TOML file, .env files and
// environment variables, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
)

// Config holds all monitor configuration.
type Config struct {
	Markets    MarketsConfig    `toml:"markets"`
	Snapshot   SnapshotConfig   `toml:"snapshot"`
	Refresh    RefreshConfig    `toml:"refresh"`
	API        APIConfig        `toml:"api"`
	Storage    StorageConfig    `toml:"storage"`
	Redis      RedisConfig      `toml:"redis"`
	ClickHouse ClickHouseConfig `toml:"clickhouse"`
	Health     HealthConfig     `toml:"health"`
	Server     ServerConfig     `toml:"server"`
	Log        LogConfig        `toml:"log"`

	// TargetMarkets is the validated form of Markets.Targets, filled by Validate.
	TargetMarkets []domain.Market `toml:"-"`
}

type MarketsConfig struct {
	Targets        []string `toml:"targets"`
	MinPositionUSD float64  `toml:"min_position_usd"`
}

type SnapshotConfig struct {
	BasePath      string        `toml:"base_path"`
	Interval      time.Duration `toml:"interval"`
	DataDir       string        `toml:"data_dir"`
	MinFileBytes  int64         `toml:"min_file_bytes"`
	FilterMarkets bool          `toml:"filter_markets"`
}

type RefreshConfig struct {
	Interval    time.Duration `toml:"interval"`
	Concurrency int           `toml:"concurrency"`
}

type APIConfig struct {
	PrimaryURL  string        `toml:"primary_url"`
	FallbackURL string        `toml:"fallback_url"`
	Timeout     time.Duration `toml:"timeout"`
	// MaxRetries is per-endpoint retries on 429 and 5xx before falling back.
	MaxRetries int `toml:"max_retries"`
}

type StorageConfig struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MinConns        int32         `toml:"min_conns"`
	MaxConns        int32         `toml:"max_conns"`
	RetryAttempts   int           `toml:"retry_attempts"`
	RetryMinDelay   time.Duration `toml:"retry_min_delay"`
	RetryMaxDelay   time.Duration `toml:"retry_max_delay"`
	Retention       time.Duration `toml:"retention"`
	CleanupInterval time.Duration `toml:"cleanup_interval"`
}

// RedisConfig enables the latest-position mirror when URL is set.
type RedisConfig struct {
	URL       string        `toml:"url"`
	KeyPrefix string        `toml:"key_prefix"`
	TTL       time.Duration `toml:"ttl"`
	Channel   string        `toml:"channel"`
}

// ClickHouseConfig enables the position history archive when DSN is set.
type ClickHouseConfig struct {
	DSN string `toml:"dsn"`
}

type HealthConfig struct {
	DegradedAfter   int           `toml:"degraded_after"`
	FailedAfter     int           `toml:"failed_after"`
	CheckInterval   time.Duration `toml:"check_interval"`
	StatsInterval   time.Duration `toml:"stats_interval"`
	RestartMinDelay time.Duration `toml:"restart_min_delay"`
	RestartMaxDelay time.Duration `toml:"restart_max_delay"`
	ShutdownGrace   time.Duration `toml:"shutdown_grace"`
}

type ServerConfig struct {
	MetricsAddr string `toml:"metrics_addr"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Load reads path (optional), then .env files (optional), then environment overrides.
// Defaults are applied last and the result is validated.
func Load(path string, envFiles ...string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AddressFile returns the path of the persisted working set.
func (c *Config) AddressFile() string {
	return filepath.Join(c.Snapshot.DataDir, AddressFileName)
}

// loadDotEnv loads .env files without overriding variables already set.
// Missing files are ignored.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	var errs []error
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	if v, ok := lookup("TARGET_MARKETS"); ok && strings.TrimSpace(v) != "" {
		cfg.Markets.Targets = strings.Split(v, ",")
	}
	if v, ok := lookup("MIN_POSITION_SIZE_USD"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MIN_POSITION_SIZE_USD: %w", err))
		} else {
			cfg.Markets.MinPositionUSD = f
		}
	}

	str("RMP_BASE_PATH", &cfg.Snapshot.BasePath)
	str("DATA_DIR", &cfg.Snapshot.DataDir)
	dur("SNAPSHOT_CHECK_INTERVAL", &cfg.Snapshot.Interval)

	dur("POSITION_REFRESH_INTERVAL", &cfg.Refresh.Interval)
	integer("FETCH_CONCURRENCY", &cfg.Refresh.Concurrency)

	str("NVN_API_URL", &cfg.API.PrimaryURL)
	str("PUBLIC_API_URL", &cfg.API.FallbackURL)
	dur("API_TIMEOUT", &cfg.API.Timeout)
	integer("API_MAX_RETRIES", &cfg.API.MaxRetries)

	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("DATABASE_URL", &cfg.Storage.DSN)
	dur("STALE_POSITION_RETENTION", &cfg.Storage.Retention)

	str("REDIS_URL", &cfg.Redis.URL)
	str("CLICKHOUSE_DSN", &cfg.ClickHouse.DSN)

	str("METRICS_ADDR", &cfg.Server.MetricsAddr)
	str("LOG_LEVEL", &cfg.Log.Level)

	return errors.Join(errs...)
}

// parseDuration accepts Go duration strings or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func applyDefaults(cfg *Config) {
	if len(cfg.Markets.Targets) == 0 {
		cfg.Markets.Targets = append([]string(nil), DefaultTargetMarkets...)
	}

	if cfg.Snapshot.BasePath == "" {
		cfg.Snapshot.BasePath = DefaultSnapshotBasePath
	}
	cfg.Snapshot.BasePath = expandHome(cfg.Snapshot.BasePath)
	if cfg.Snapshot.Interval <= 0 {
		cfg.Snapshot.Interval = DefaultSnapshotInterval
	}
	if cfg.Snapshot.DataDir == "" {
		cfg.Snapshot.DataDir = DefaultDataDir
	}
	if cfg.Snapshot.MinFileBytes <= 0 {
		cfg.Snapshot.MinFileBytes = DefaultMinSnapshotBytes
	}

	if cfg.Refresh.Interval <= 0 {
		cfg.Refresh.Interval = DefaultRefreshInterval
	}
	if cfg.Refresh.Concurrency <= 0 {
		cfg.Refresh.Concurrency = DefaultRefreshConcurrency
	}

	if cfg.API.PrimaryURL == "" {
		cfg.API.PrimaryURL = DefaultPrimaryURL
	}
	if cfg.API.FallbackURL == "" {
		cfg.API.FallbackURL = DefaultFallbackURL
	}
	if cfg.API.Timeout <= 0 {
		cfg.API.Timeout = DefaultAPITimeout
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = inferDriver(cfg.Storage.DSN)
	}
	if cfg.Storage.MinConns <= 0 {
		cfg.Storage.MinConns = DefaultMinConns
	}
	if cfg.Storage.MaxConns <= 0 {
		cfg.Storage.MaxConns = DefaultMaxConns
	}
	if cfg.Storage.RetryAttempts <= 0 {
		cfg.Storage.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.Storage.RetryMinDelay <= 0 {
		cfg.Storage.RetryMinDelay = DefaultRetryMinDelay
	}
	if cfg.Storage.RetryMaxDelay <= 0 {
		cfg.Storage.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.Storage.Retention <= 0 {
		cfg.Storage.Retention = DefaultRetention
	}
	if cfg.Storage.CleanupInterval <= 0 {
		cfg.Storage.CleanupInterval = DefaultCleanupInterval
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = DefaultRedisTTL
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = DefaultRedisChannel
	}

	if cfg.Health.DegradedAfter <= 0 {
		cfg.Health.DegradedAfter = DefaultDegradedAfter
	}
	if cfg.Health.FailedAfter <= 0 {
		cfg.Health.FailedAfter = DefaultFailedAfter
	}
	if cfg.Health.CheckInterval <= 0 {
		cfg.Health.CheckInterval = DefaultHealthInterval
	}
	if cfg.Health.StatsInterval <= 0 {
		cfg.Health.StatsInterval = DefaultStatsInterval
	}
	if cfg.Health.RestartMinDelay <= 0 {
		cfg.Health.RestartMinDelay = DefaultRestartMinDelay
	}
	if cfg.Health.RestartMaxDelay <= 0 {
		cfg.Health.RestartMaxDelay = DefaultRestartMaxDelay
	}
	if cfg.Health.ShutdownGrace <= 0 {
		cfg.Health.ShutdownGrace = DefaultShutdownGrace
	}

	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = DefaultMetricsAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func inferDriver(dsn string) string {
	switch {
	case dsn == "":
		return DefaultStorageDriver
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return DriverSQLite
	default:
		return DefaultStorageDriver
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

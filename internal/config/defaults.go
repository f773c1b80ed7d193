package config

import "time"

// Defaults applied when neither the config file nor the environment sets a value.
const (
	DefaultMinPositionUSD = 0.0

	DefaultSnapshotBasePath = "~/hl/data/periodic_abci_states"
	DefaultSnapshotInterval = 60 * time.Second
	DefaultDataDir          = "./data"
	DefaultMinSnapshotBytes = 1000

	DefaultRefreshInterval    = 10 * time.Second
	DefaultRefreshConcurrency = 5

	DefaultPrimaryURL  = "http://127.0.0.1:3001/info"
	DefaultFallbackURL = "https://api.hyperliquid.xyz/info"
	DefaultAPITimeout  = 5 * time.Second

	DefaultStorageDriver   = DriverPostgres
	DefaultMinConns        = 5
	DefaultMaxConns        = 20
	DefaultRetryAttempts   = 3
	DefaultRetryMinDelay   = 100 * time.Millisecond
	DefaultRetryMaxDelay   = 2 * time.Second
	DefaultRetention       = 24 * time.Hour
	DefaultCleanupInterval = time.Hour

	DefaultRedisKeyPrefix = "positions"
	DefaultRedisTTL       = 10 * time.Minute
	DefaultRedisChannel   = "positions:updates"

	DefaultDegradedAfter   = 5
	DefaultFailedAfter     = 10
	DefaultHealthInterval  = 30 * time.Second
	DefaultStatsInterval   = 5 * time.Minute
	DefaultRestartMinDelay = time.Second
	DefaultRestartMaxDelay = time.Minute
	DefaultShutdownGrace   = 10 * time.Second

	DefaultMetricsAddr = ":9090"
	DefaultLogLevel    = "info"
)

// DefaultTargetMarkets is used when no market list is configured.
var DefaultTargetMarkets = []string{"BTC", "ETH", "LINK"}

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// AddressFileName is the working-set file kept under the data directory.
const AddressFileName = "active_addresses.txt"

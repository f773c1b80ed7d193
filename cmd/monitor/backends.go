package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/config"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
	chstore "github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/clickhouse"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/memory"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/migrations"
	pgstore "github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/postgres"
	redisstore "github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/redis"
	sqlitestore "github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/sqlite"
)

// backends holds every storage handle the monitor opened.
type backends struct {
	positions storage.PositionBackend
	progress  storage.DiscoveryProgressStore
	mirror    storage.PositionMirror       // nil unless redis is configured
	history   storage.PositionHistoryStore // nil unless clickhouse is configured

	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// openBackends connects the configured stores and runs their migrations.
// On error every handle opened so far is closed.
func openBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Storage.DSN, pgstore.WithConns(cfg.Storage.MinConns, cfg.Storage.MaxConns))
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, func() error { pool.Close(); return nil })

		applied, err := migrations.RunPostgresMigrations(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		logger.Info().Strs("applied", applied).Msg("postgres migrations complete")

		b.positions = pgstore.NewPositionBackend(pool)
		b.progress = pgstore.NewDiscoveryProgressStore(pool)

	case config.DriverSQLite:
		var db *sql.DB
		db, err = sqlitestore.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		b.closers = append(b.closers, db.Close)

		b.positions = sqlitestore.NewPositionBackend(db)
		b.progress = sqlitestore.NewDiscoveryProgressStore(db)

	case config.DriverMemory:
		logger.Warn().Msg("using in-memory storage; positions are lost on restart")
		b.positions = memory.NewPositionBackend()
		b.progress = memory.NewDiscoveryProgressStore()

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	b.closers = append(b.closers, b.positions.Close)

	if cfg.Redis.URL != "" {
		var rdb *goredis.Client
		rdb, err = redisstore.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.closers = append(b.closers, rdb.Close)
		b.mirror = redisstore.NewPositionMirror(rdb, cfg.Redis.KeyPrefix, cfg.Redis.TTL, cfg.Redis.Channel)
	}

	if cfg.ClickHouse.DSN != "" {
		var conn *chstore.Conn
		conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		b.closers = append(b.closers, conn.Close)
		b.history = chstore.NewPositionHistoryStore(conn)
	}

	return b, nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/config"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/persistence"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/reporting"
	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
	chstore "github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/clickhouse"
	pgstore "github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/postgres"
	sqlitestore "github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage/sqlite"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	envFile := flag.String("env-file", ".env", "Path to .env file (optional)")
	minUSD := flag.Float64("min-usd", -1, "Minimum position value in USD (default: markets.min_position_usd)")
	market := flag.String("market", "", "Restrict to one market, e.g. BTC")
	limit := flag.Int("limit", 50, "Maximum positions to list (0 for all)")
	format := flag.String("format", "table", "Output format: table, csv, stats-csv, markdown")
	output := flag.String("output", "", "Write to file instead of stdout")
	history := flag.String("history", "", "Print archived observations for this address instead of live positions")
	since := flag.Duration("since", 24*time.Hour, "History window ending now (with -history)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fatalf("config: %v", err)
	}
	// stdout carries the report; logs go to stderr
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	q := reporting.Query{MinValueUSD: cfg.Markets.MinPositionUSD, Limit: *limit}
	if *minUSD >= 0 {
		q.MinValueUSD = *minUSD
	}
	if *market != "" {
		m, err := domain.ParseMarket(strings.ToUpper(*market))
		if err != nil {
			fatalf("market: %v", err)
		}
		q.Market = &m
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fatalf("output: %v", err)
		}
		defer f.Close()
		out = f
	}

	if *history != "" {
		markets := cfg.TargetMarkets
		if q.Market != nil {
			markets = []domain.Market{*q.Market}
		}
		if err := printHistory(ctx, cfg, out, *history, markets, *since, *format); err != nil {
			fatalf("history: %v", err)
		}
		return
	}

	backend, closeFn, err := openBackend(ctx, cfg)
	if err != nil {
		fatalf("storage: %v", err)
	}
	defer closeFn()

	gateway, err := persistence.New(persistence.Options{
		Backend: backend,
		Markets: cfg.TargetMarkets,
		Logger:  logger,
	})
	if err != nil {
		fatalf("storage: %v", err)
	}

	report, err := reporting.NewGenerator(gateway).Generate(ctx, q)
	if err != nil {
		fatalf("report: %v", err)
	}

	switch *format {
	case "table":
		err = reporting.RenderTable(out, report)
	case "csv":
		_, err = fmt.Fprint(out, reporting.RenderCSV(report.Positions))
	case "stats-csv":
		_, err = fmt.Fprint(out, reporting.RenderStatsCSV(report))
	case "markdown", "md":
		_, err = fmt.Fprint(out, reporting.RenderMarkdown(report))
	default:
		fatalf("unknown format %q", *format)
	}
	if err != nil {
		fatalf("write: %v", err)
	}
}

// openBackend connects the configured store read-side. The in-memory driver
// has nothing to read and is rejected.
func openBackend(ctx context.Context, cfg *config.Config) (storage.PositionBackend, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Storage.DSN, pgstore.WithConns(1, 4))
		if err != nil {
			return nil, nil, err
		}
		return pgstore.NewPositionBackend(pool), pool.Close, nil
	case config.DriverSQLite:
		db, err := sqlitestore.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return sqlitestore.NewPositionBackend(db), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("driver %q has no persistent data to query", cfg.Storage.Driver)
	}
}

// printHistory reads one address's observations from the ClickHouse archive.
func printHistory(ctx context.Context, cfg *config.Config, out io.Writer, rawAddr string, markets []domain.Market, since time.Duration, format string) error {
	if cfg.ClickHouse.DSN == "" {
		return fmt.Errorf("clickhouse.dsn is not configured")
	}
	addr, err := domain.ParseAddress(rawAddr)
	if err != nil {
		return err
	}

	conn, err := chstore.NewConn(ctx, cfg.ClickHouse.DSN)
	if err != nil {
		return err
	}
	defer conn.Close()

	to := time.Now().UTC()
	rows, err := reporting.History(ctx, chstore.NewPositionHistoryStore(conn), addr, markets, to.Add(-since), to)
	if err != nil {
		return err
	}

	switch format {
	case "table":
		return reporting.RenderHistoryTable(out, rows)
	case "csv":
		_, err = fmt.Fprint(out, reporting.RenderHistoryCSV(rows))
		return err
	default:
		return fmt.Errorf("format %q is not available for history", format)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

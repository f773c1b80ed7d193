package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/domain"
)

// Validate checks the configuration and fills TargetMarkets.
// Every error returned here is fatal at startup.
func (c *Config) Validate() error {
	var errs []error

	markets, err := domain.ParseMarkets(c.Markets.Targets)
	if err != nil {
		errs = append(errs, fmt.Errorf("markets.targets: %w", err))
	} else if len(markets) == 0 {
		errs = append(errs, errors.New("markets.targets is empty"))
	} else {
		c.TargetMarkets = markets
	}

	if c.Markets.MinPositionUSD < 0 {
		errs = append(errs, errors.New("markets.min_position_usd must not be negative"))
	}

	for name, raw := range map[string]string{
		"api.primary_url":  c.API.PrimaryURL,
		"api.fallback_url": c.API.FallbackURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: invalid url %q", name, raw))
		}
	}

	if c.API.MaxRetries < 0 {
		errs = append(errs, errors.New("api.max_retries must not be negative"))
	}

	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn (DATABASE_URL) is required for the postgres driver"))
		}
		if c.Storage.MinConns > c.Storage.MaxConns {
			errs = append(errs, errors.New("storage.min_conns exceeds storage.max_conns"))
		}
		if int(c.Storage.MaxConns) <= c.Refresh.Concurrency {
			errs = append(errs, fmt.Errorf("storage.max_conns (%d) must exceed refresh.concurrency (%d)",
				c.Storage.MaxConns, c.Refresh.Concurrency))
		}
	case DriverSQLite:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the sqlite driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.Health.FailedAfter < c.Health.DegradedAfter {
		errs = append(errs, errors.New("health.failed_after must be >= health.degraded_after"))
	}
	if c.Health.RestartMaxDelay < c.Health.RestartMinDelay {
		errs = append(errs, errors.New("health.restart_max_delay must be >= health.restart_min_delay"))
	}
	if c.Storage.RetryMaxDelay < c.Storage.RetryMinDelay {
		errs = append(errs, errors.New("storage.retry_max_delay must be >= storage.retry_min_delay"))
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

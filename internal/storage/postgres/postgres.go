package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// Pool wraps pgxpool.Pool for dependency injection.
type Pool struct {
	*pgxpool.Pool
}

// PoolOption configures the pool before it connects.
type PoolOption func(*pgxpool.Config)

// WithConns sets the pool's minimum and maximum connection counts.
func WithConns(minConns, maxConns int32) PoolOption {
	return func(c *pgxpool.Config) {
		if minConns > 0 {
			c.MinConns = minConns
		}
		if maxConns > 0 {
			c.MaxConns = maxConns
		}
	}
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string, opts ...PoolOption) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	for _, opt := range opts {
		opt(config)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// PostgreSQL error classes that indicate the server, not the statement, is at fault.
var unavailableClasses = []string{
	"08", // connection_exception
	"53", // insufficient_resources
	"57", // operator_intervention (admin_shutdown, cannot_connect_now)
}

// classifyError wraps transient connectivity failures with storage.ErrUnavailable.
// Statement errors are returned unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, class := range unavailableClasses {
			if strings.HasPrefix(pgErr.Code, class) {
				return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
			}
		}
		return err
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	if strings.Contains(err.Error(), "closed pool") {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

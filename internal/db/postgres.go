package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool sizing defaults for deployments that leave the knobs unset.
// Connections are recycled hourly so rolled credentials and server-side
// restarts propagate without bouncing the control plane.
const (
	defaultMaxConns    = 25
	defaultIdleConns   = 5
	connMaxLifetime    = time.Hour
	postgresPingTimeout = 5 * time.Second
)

// OpenPostgres opens a pgx-backed pool for multi-instance deployments,
// where SQLite's single-writer model stops being enough. The connection
// is verified with a bounded ping so a wrong DSN fails at boot instead
// of on the first task.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	pool, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if minConns <= 0 {
		minConns = defaultIdleConns
	}
	pool.SetMaxOpenConns(maxConns)
	pool.SetMaxIdleConns(minConns)
	pool.SetConnMaxLifetime(connMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

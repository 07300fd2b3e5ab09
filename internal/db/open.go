// Package db opens the durable store behind the task and device
// repositories. SQLite (default) gets a single-writer/multi-reader pair;
// Postgres gets one pgx pool serving both roles.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/autofleet/autofleet/internal/common/config"
)

// Open opens the configured database and returns the read/write pool.
func Open(cfg *config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "", "sqlite":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(
			sqlx.NewDb(writer, DriverSQLite),
			sqlx.NewDb(reader, DriverSQLite),
		), nil

	case "postgres":
		raw, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		pool := sqlx.NewDb(raw, DriverPostgres)
		return NewPool(pool, pool), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

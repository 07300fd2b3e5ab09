package db

import "github.com/jmoiron/sqlx"

// Driver names as registered with database/sql. Schema code branches on
// these for the few statements the two engines spell differently.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// IsPostgres reports whether the sqlx driver name belongs to the pgx
// stdlib driver.
func IsPostgres(driver string) bool {
	return driver == DriverPostgres
}

// Pool splits the store into a write side and a read side.
//
// Under SQLite the two are distinct handles: every mutation funnels
// through one connection, because WAL tolerates any number of readers
// but only one writer, and queueing writes in Go beats retrying on
// SQLITE_BUSY. Task listings and device queries fan out over a small
// read-only pool that reads consistent WAL snapshots while steps are
// being persisted. Under Postgres the split is vestigial: both sides
// are the same pgx pool.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool pairs a write handle with a read handle. Passing the same
// handle twice is valid; Close tolerates it.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the handle for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for queries. It may equal Writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close releases both sides.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader == p.writer {
		return wErr
	}
	rErr := p.reader.Close()
	if wErr != nil {
		return wErr
	}
	return rErr
}

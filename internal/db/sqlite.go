package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// busyTimeoutMs bounds how long a connection waits on a held lock
// before surfacing SQLITE_BUSY. Scheduler persistence and registry
// mirroring write from different goroutines, so short waits are normal.
const busyTimeoutMs = 5000

// readerConns sizes the read-only pool. WAL lets readers run against a
// stable snapshot while the single writer proceeds; four connections
// cover the API's task queries and device listings.
const readerConns = 4

// OpenSQLite opens the write side of the store: one connection, WAL
// journaling, foreign keys on. Creates the file and its directory on
// first boot.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := preparePath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("prepare sqlite path: %w", err)
	}

	// synchronous=NORMAL pairs with WAL: fsync on checkpoint rather
	// than per commit. Task rows are rewritten after every step, so a
	// lost tail write costs at most one step of history.
	conn, err := sql.Open("sqlite3", sqliteDSN(path, url.Values{
		"_mode":         {"rwc"},
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
	}))
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read side: a small read-only pool that
// serves SELECTs concurrently with the writer. Journal settings are
// database-level and already applied by the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		path = dbPath
	}
	conn, err := sql.Open("sqlite3", sqliteDSN(path, url.Values{
		"_mode": {"ro"},
	}))
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	conn.SetMaxOpenConns(readerConns)
	conn.SetMaxIdleConns(readerConns)
	return conn, nil
}

// sqliteDSN renders a file: DSN with the shared base options plus the
// per-role extras.
func sqliteDSN(path string, extra url.Values) string {
	opts := url.Values{
		"_foreign_keys": {"on"},
		"_busy_timeout": {strconv.Itoa(busyTimeoutMs)},
		"_cache":        {"shared"},
	}
	for k, v := range extra {
		opts[k] = v
	}
	return "file:" + path + "?" + opts.Encode()
}

// preparePath resolves the database path, creates missing parent
// directories and touches the file so the read-only pool can open it
// before the first write.
func preparePath(dbPath string) (string, error) {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	return path, f.Close()
}

// ABOUTME: Database connection management and initialization
// ABOUTME: Opens SQLite (WAL, XDG path) or Postgres through sqlx and applies the schema
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB wraps a sqlx handle with the driver it was opened with.
type DB struct {
	*sqlx.DB
	Driver string
}

// OpenDatabase opens a SQLite database file, creating its directory if needed.
func OpenDatabase(path string) (*DB, error) {
	return Open(DriverSQLite, path)
}

// Open connects to dsn using driver and initializes the schema.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		// Ensure directory exists
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		dsn = dsn + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		// Configure connection pool for SQLite (avoid database locked errors)
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}

	db := &DB{DB: conn, Driver: driver}

	if err := InitSchema(db); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

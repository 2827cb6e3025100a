// Package store opens the relational databases backing the download
// subsystem. Production deployments point the record store at Postgres;
// the embedded sqlite3 driver covers standalone installs and tests.
package store

import (
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the download record database and verifies the connection.
func Open(driver, dsn string) (*sqlx.DB, error) {
	if driver == "sqlite3" {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// Writes from the worker pool, poll loop and scheduler interleave.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func sqliteDSN(path string) string {
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// Placeholder returns the squirrel placeholder format for a driver.
func Placeholder(driver string) squirrel.PlaceholderFormat {
	if driver == "postgres" {
		return squirrel.Dollar
	}
	return squirrel.Question
}

// Package settings is the string key/value store backing runtime-tunable
// configuration such as the retry policy and worker concurrency.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Store reads and writes the settings table.
type Store struct {
	db     *sqlx.DB
	driver string
	qb     squirrel.StatementBuilderType
	now    func() time.Time
}

// New wraps an open database handle.
func New(db *sqlx.DB, driver string) *Store {
	format := squirrel.PlaceholderFormat(squirrel.Question)
	if driver == "postgres" {
		format = squirrel.Dollar
	}
	return &Store{db: db, driver: driver, qb: squirrel.StatementBuilder.PlaceholderFormat(format), now: time.Now}
}

// Migrate applies the schema for the configured driver.
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == "postgres" {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate settings: %w", err)
	}
	return nil
}

// Lookup returns the value for key. The second return value reports whether
// the key exists.
func (s *Store) Lookup(ctx context.Context, key string) (string, bool, error) {
	query := s.qb.Select("value").From("settings").Where(squirrel.Eq{"key": key})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return "", false, err
	}
	var value string
	err = s.db.GetContext(ctx, &value, sqlStr, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup setting %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts one setting.
func (s *Store) Set(ctx context.Context, key, value string) error {
	query := s.qb.Insert("settings").
		Columns("key", "value", "updated_at").
		Values(key, value, s.now().UTC())
	if s.driver == "postgres" {
		query = query.Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at")
	} else {
		query = query.Suffix("ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at")
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

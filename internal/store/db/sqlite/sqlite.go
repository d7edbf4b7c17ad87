// Package sqlite is the SQLite store driver, used for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/luma-therapy/luma/backend/internal/store"
)

// DB implements store.Driver.
type DB struct {
	db *sql.DB
}

var _ store.Driver = (*DB)(nil)

// NewDB opens dsn, e.g. "file:luma.db" or ":memory:".
func NewDB(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate creates the profile and audit tables.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id            TEXT    PRIMARY KEY,
			display_name       TEXT    NOT NULL DEFAULT '',
			avatar_url         TEXT    NOT NULL DEFAULT '',
			role               TEXT    NOT NULL DEFAULT 'user',
			has_password_setup INTEGER NOT NULL DEFAULT 0,
			created_ts         BIGINT  NOT NULL DEFAULT (strftime('%s', 'now')),
			updated_ts         BIGINT  NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE TABLE IF NOT EXISTS auth_audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    TEXT    NOT NULL,
			event_type TEXT    NOT NULL,
			event_time BIGINT  NOT NULL DEFAULT (strftime('%s', 'now')),
			trace_id   TEXT    NOT NULL DEFAULT '',
			meta       TEXT    NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_auth_audit_log_user ON auth_audit_log(user_id, event_time)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

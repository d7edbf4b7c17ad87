// Package postgres is the Postgres store driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	// Registers the "postgres" driver.
	_ "github.com/lib/pq"

	"github.com/luma-therapy/luma/backend/internal/store"
)

// DB implements store.Driver.
type DB struct {
	db *sql.DB
}

var _ store.Driver = (*DB)(nil)

// NewDB opens dsn and verifies the connection.
func NewDB(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
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
			has_password_setup BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts         BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW()),
			updated_ts         BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())
		)`,
		`CREATE TABLE IF NOT EXISTS auth_audit_log (
			id         BIGSERIAL PRIMARY KEY,
			user_id    TEXT   NOT NULL,
			event_type TEXT   NOT NULL,
			event_time BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW()),
			trace_id   TEXT   NOT NULL DEFAULT '',
			meta       TEXT   NOT NULL DEFAULT '{}'
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

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

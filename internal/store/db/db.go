// Package db selects a store driver from configuration.
package db

import (
	"context"
	"fmt"

	"github.com/luma-therapy/luma/backend/internal/config"
	"github.com/luma-therapy/luma/backend/internal/store"
	"github.com/luma-therapy/luma/backend/internal/store/db/postgres"
	"github.com/luma-therapy/luma/backend/internal/store/db/sqlite"
)

// NewDriver opens the configured database.
func NewDriver(ctx context.Context, cfg config.DatabaseConfig) (store.Driver, error) {
	switch cfg.Driver {
	case "postgres", "postgresql":
		d, err := postgres.NewDB(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "sqlite", "":
		d, err := sqlite.NewDB(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

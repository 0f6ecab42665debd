package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"paper-trader/internal/config"
)

// Open creates the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

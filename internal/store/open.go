package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scenepilot/internal/config"
)

// Open builds the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Driver {
	case "sqlite":
		backend, err = OpenSQLite(ctx, cfg.Path, logger)
	case "postgres":
		backend, err = OpenPostgres(ctx, cfg.DSN, logger)
	case "memory":
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("Run state store ready.", zap.String("driver", cfg.Driver))
	return New(backend, logger), nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/critiquebrainz/cbauth/instrumentation"
	"github.com/critiquebrainz/cbauth/storage"
	"github.com/critiquebrainz/cbauth/storage/memory"
	"github.com/critiquebrainz/cbauth/storage/sqlstore"
	"github.com/critiquebrainz/cbauth/storage/valkey"
)

// backend is an opened storage backend and its lifecycle hooks
type backend struct {
	storage.Store

	// setInstrumentation attaches metrics and spans to the backend
	setInstrumentation func(*instrumentation.Instrumentation)

	// sweep removes expired grants; nil when the backend expires them itself
	sweep func(context.Context) (int64, error)

	close func()
}

// openBackend opens the store selected by cfg.Store
func openBackend(ctx context.Context, cfg *daemonConfig, logger *slog.Logger) (*backend, error) {
	switch cfg.Store {
	case storeMemory:
		store := memory.NewWithInterval(cfg.CleanupInterval)
		store.SetLogger(logger)
		return &backend{
			Store:              store,
			setInstrumentation: store.SetInstrumentation,
			close:              store.Stop,
		}, nil

	case storeSQLite, storeMySQL:
		sqlCfg := sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: sqlstore.SQLiteDSN(cfg.SQLitePath), Logger: logger}
		if cfg.Store == storeMySQL {
			sqlCfg = sqlstore.Config{
				Driver: sqlstore.DriverMySQL,
				DSN: sqlstore.MySQLConfig{
					User:     cfg.MySQL.User,
					Password: cfg.MySQL.Password,
					Host:     cfg.MySQL.Host,
					Port:     cfg.MySQL.Port,
					Name:     cfg.MySQL.Database,
				}.DSN(),
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				Logger:          logger,
			}
		}
		store, err := sqlstore.Open(ctx, sqlCfg)
		if err != nil {
			return nil, err
		}
		return &backend{
			Store:              store,
			setInstrumentation: store.SetInstrumentation,
			sweep:              store.DeleteExpiredGrants,
			close:              func() { _ = store.Close() },
		}, nil

	case storeValkey:
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.Prefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return &backend{
			Store:              store,
			setInstrumentation: store.SetInstrumentation,
			close:              store.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// runSweeper periodically removes expired grants until ctx is done
func runSweeper(ctx context.Context, b *backend, interval time.Duration, logger *slog.Logger) {
	if b.sweep == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.sweep(ctx)
			if err != nil {
				logger.Warn("Failed to delete expired grants", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("Deleted expired grants", "count", n)
			}
		}
	}
}

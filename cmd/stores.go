package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/qqbridge/internal/config"
	"github.com/nextlevelbuilder/qqbridge/internal/store"
	"github.com/nextlevelbuilder/qqbridge/internal/store/file"
	"github.com/nextlevelbuilder/qqbridge/internal/store/sqlstore"
	"github.com/nextlevelbuilder/qqbridge/internal/upgrade"
)

func storeConfig(cfg *config.Config) store.StoreConfig {
	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	return store.StoreConfig{
		Mode:        mode,
		Driver:      cfg.Database.Driver,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  config.ExpandHome(cfg.Database.SQLitePath),
		PairingPath: config.ExpandHome(cfg.Pairing.Storage),
	}
}

// newStores opens the pairing backend: Postgres in managed mode, otherwise
// SQLite or the JSON file store.
func newStores(ctx context.Context, sc store.StoreConfig) (*store.Stores, error) {
	if sc.Mode == "managed" {
		ps, err := sqlstore.Open(sqlstore.DriverPostgres, sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		status, err := upgrade.CheckSchema(ctx, ps.DB())
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("check schema: %w", err)
		}
		if err := status.Err(); err != nil {
			ps.Close()
			fmt.Fprint(os.Stderr, upgrade.FormatError(status))
			return nil, err
		}
		slog.Info("pairing store: postgres", "schema", status.CurrentVersion)
		return &store.Stores{Pairing: ps}, nil
	}

	switch sc.Driver {
	case "", "file":
		ps, err := file.NewFilePairingStore(sc.PairingPath)
		if err != nil {
			return nil, err
		}
		slog.Info("pairing store: file", "path", sc.PairingPath)
		return &store.Stores{Pairing: ps}, nil
	case sqlstore.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(sc.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		ps, err := sqlstore.Open(sqlstore.DriverSQLite, sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("pairing store: sqlite", "path", sc.SQLitePath)
		return &store.Stores{Pairing: ps}, nil
	}
	return nil, fmt.Errorf("unknown database.driver %q", sc.Driver)
}

func openPairingStore(ctx context.Context, cfg *config.Config) (store.PairingStore, error) {
	stores, err := newStores(ctx, storeConfig(cfg))
	if err != nil {
		return nil, err
	}
	return stores.Pairing, nil
}

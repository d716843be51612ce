package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DataHook is a Go data migration that runs once after its schema version's
// SQL migration has been applied. Hooks target Postgres.
type DataHook struct {
	SchemaVersion uint
	Name          string
	Fn            func(ctx context.Context, db *sql.DB) error
}

// Hooks lists every data hook in the order they run. Names must be unique.
var Hooks = []DataHook{
	{
		SchemaVersion: 1,
		Name:          "001_purge_expired_pairing_requests",
		Fn:            purgeExpiredPairingRequests,
	},
}

// Pairing requests carried over from an older deployment may be long past
// their TTL; the store ignores them, so drop them once.
func purgeExpiredPairingRequests(ctx context.Context, db *sql.DB) error {
	res, err := db.ExecContext(ctx, "DELETE FROM pairing_requests WHERE expires_at <= NOW()")
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("purged expired pairing requests", "count", n)
	}
	return nil
}

// PendingHooks returns the names of hooks not yet recorded in data_migrations.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	if err := ensureDataMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, h := range Hooks {
		if !applied[h.Name] {
			pending = append(pending, h.Name)
		}
	}
	return pending, nil
}

// RunPendingHooks executes hooks not yet applied and records each one.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	if err := ensureDataMigrationsTable(ctx, db); err != nil {
		return 0, fmt.Errorf("ensure data_migrations table: %w", err)
	}
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, h := range Hooks {
		if applied[h.Name] {
			continue
		}
		slog.Info("running data migration hook", "name", h.Name, "schema_version", h.SchemaVersion)
		start := time.Now()

		if err := h.Fn(ctx, db); err != nil {
			return count, fmt.Errorf("data hook %q failed: %w", h.Name, err)
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO data_migrations (name, version, applied_at) VALUES ($1, $2, NOW())",
			h.Name, h.SchemaVersion,
		); err != nil {
			return count, fmt.Errorf("record hook %q: %w", h.Name, err)
		}
		slog.Info("data migration hook complete", "name", h.Name, "duration", time.Since(start))
		count++
	}
	return count, nil
}

func ensureDataMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data_migrations (
			name       VARCHAR(255) PRIMARY KEY,
			version    INT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func loadApplied(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM data_migrations")
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

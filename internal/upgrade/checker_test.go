package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCheckSchema(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	s, err := CheckSchema(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if !s.NeedsMigration || !errors.Is(s.Err(), ErrSchemaOutdated) {
		t.Errorf("fresh db status = %+v", s)
	}

	if _, err := db.Exec(`CREATE TABLE schema_migrations (version BIGINT NOT NULL, dirty BOOLEAN NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		version int
		dirty   bool
		want    error
	}{
		{1, false, nil},
		{1, true, ErrSchemaDirty},
		{2, false, ErrSchemaAhead},
	}
	for _, tt := range tests {
		db.Exec(`DELETE FROM schema_migrations`)
		if _, err := db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, tt.version, tt.dirty); err != nil {
			t.Fatal(err)
		}
		s, err := CheckSchema(ctx, db)
		if err != nil {
			t.Fatal(err)
		}
		if got := s.Err(); !errors.Is(got, tt.want) || (tt.want == nil && got != nil) {
			t.Errorf("v%d dirty=%v: Err = %v, want %v", tt.version, tt.dirty, got, tt.want)
		}
	}
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		s    SchemaStatus
		want string
	}{
		{SchemaStatus{CurrentVersion: 1, Dirty: true}, "migrate force 0"},
		{SchemaStatus{CurrentVersion: 3, RequiredVersion: 1}, "newer than this binary"},
		{SchemaStatus{CurrentVersion: 0, RequiredVersion: 1}, "qqbridge migrate up"},
	}
	for _, tt := range tests {
		if got := FormatError(&tt.s); !strings.Contains(got, tt.want) {
			t.Errorf("FormatError(%+v) = %q, missing %q", tt.s, got, tt.want)
		}
	}
}

func TestHookNamesUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, h := range Hooks {
		if seen[h.Name] {
			t.Errorf("duplicate hook %q", h.Name)
		}
		seen[h.Name] = true
		if h.SchemaVersion > RequiredSchemaVersion {
			t.Errorf("hook %q targets unknown schema v%d", h.Name, h.SchemaVersion)
		}
	}
}

// Package sqlstore implements store.PairingStore on database/sql for both
// SQLite (standalone) and Postgres (managed). Queries are written with "?"
// placeholders and rebound to "$n" for Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/qqbridge/internal/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pairing_requests (
	id         TEXT PRIMARY KEY,
	channel    TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	code       TEXT NOT NULL,
	meta       TEXT,
	created_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	UNIQUE (channel, sender_id)
);
CREATE TABLE IF NOT EXISTS paired_senders (
	channel     TEXT NOT NULL,
	sender_id   TEXT NOT NULL,
	approved_at TIMESTAMP NOT NULL,
	PRIMARY KEY (channel, sender_id)
);`

// PairingStore is the SQL-backed store.PairingStore.
type PairingStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database. For SQLite the schema is created in place;
// Postgres expects `qqbridge migrate up` to have run.
func Open(driver, dsn string) (*PairingStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			// one writer; also keeps ":memory:" on a single connection
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported pairing store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	s := &PairingStore{db: db, driver: driver, now: time.Now}
	if driver == DriverSQLite {
		if _, err := db.Exec(sqliteSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure sqlite schema: %w", err)
		}
	}
	return s, nil
}

// DB exposes the pool for health checks.
func (s *PairingStore) DB() *sql.DB { return s.db }

func (s *PairingStore) Close() error { return s.db.Close() }

// rebind converts "?" placeholders to "$1..$n" for Postgres.
func (s *PairingStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *PairingStore) UpsertRequest(ctx context.Context, channel, senderID string, meta map[string]string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	reqs, err := s.channelRequests(ctx, tx, channel)
	if err != nil {
		return "", false, err
	}
	live, err := s.dropStale(ctx, tx, reqs, now)
	if err != nil {
		return "", false, err
	}
	for _, r := range live {
		if r.SenderID == senderID {
			return r.Code, false, tx.Commit()
		}
	}

	req, err := store.NewPairingRequest(channel, senderID, meta, now)
	if err != nil {
		return "", false, fmt.Errorf("generate pairing code: %w", err)
	}
	metaJSON, _ := json.Marshal(req.Meta)
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO pairing_requests (id, channel, sender_id, code, meta, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		req.ID.String(), req.Channel, req.SenderID, req.Code, string(metaJSON), req.CreatedAt, req.ExpiresAt,
	); err != nil {
		return "", false, fmt.Errorf("insert pairing request: %w", err)
	}

	if _, err := s.dropStale(ctx, tx, append(live, req), now); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return req.Code, true, nil
}

func (s *PairingStore) ListRequests(ctx context.Context, channel string) ([]store.PairingRequest, error) {
	reqs, err := s.channelRequests(ctx, s.db, channel)
	if err != nil {
		return nil, err
	}
	return store.PruneRequests(reqs, s.now().UTC()), nil
}

func (s *PairingStore) Approve(ctx context.Context, channel string, codes ...string) ([]store.PairingRequest, error) {
	normalized := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			normalized = append(normalized, c)
		}
	}
	if len(normalized) == 0 {
		return nil, store.ErrPairingNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		query string
		args  []any
	)
	if s.driver == DriverPostgres {
		query = `SELECT id, channel, sender_id, code, meta, created_at, expires_at
		 FROM pairing_requests WHERE channel = $1 AND code = ANY($2)`
		args = []any{channel, pq.Array(normalized)}
	} else {
		query = `SELECT id, channel, sender_id, code, meta, created_at, expires_at
		 FROM pairing_requests WHERE channel = ? AND code IN (?` + strings.Repeat(", ?", len(normalized)-1) + `)`
		args = append([]any{channel}, toAny(normalized)...)
	}
	matched, err := queryRequests(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var approved []store.PairingRequest
	for _, r := range matched {
		if r.Expired(now) {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO paired_senders (channel, sender_id, approved_at) VALUES (?, ?, ?)
			 ON CONFLICT (channel, sender_id) DO NOTHING`),
			r.Channel, r.SenderID, now,
		); err != nil {
			return nil, fmt.Errorf("insert paired sender: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM pairing_requests WHERE id = ?`), r.ID.String()); err != nil {
			return nil, fmt.Errorf("delete pairing request: %w", err)
		}
		approved = append(approved, r)
	}
	if len(approved) == 0 {
		return nil, store.ErrPairingNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return approved, nil
}

func (s *PairingStore) ReadAllowFrom(ctx context.Context, channel string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT sender_id FROM paired_senders WHERE channel = ? ORDER BY approved_at, sender_id`), channel)
	if err != nil {
		return nil, fmt.Errorf("query paired senders: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PairingStore) channelRequests(ctx context.Context, q querier, channel string) ([]store.PairingRequest, error) {
	return queryRequests(ctx, q, s.rebind(
		`SELECT id, channel, sender_id, code, meta, created_at, expires_at
		 FROM pairing_requests WHERE channel = ? ORDER BY created_at`), channel)
}

// dropStale deletes expired and over-quota requests and returns the survivors.
func (s *PairingStore) dropStale(ctx context.Context, tx *sql.Tx, reqs []store.PairingRequest, now time.Time) ([]store.PairingRequest, error) {
	live := store.PruneRequests(append([]store.PairingRequest(nil), reqs...), now)
	keep := make(map[uuid.UUID]bool, len(live))
	for _, r := range live {
		keep[r.ID] = true
	}
	for _, r := range reqs {
		if keep[r.ID] {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM pairing_requests WHERE id = ?`), r.ID.String()); err != nil {
			return nil, fmt.Errorf("delete stale pairing request: %w", err)
		}
	}
	return live, nil
}

func queryRequests(ctx context.Context, q querier, query string, args ...any) ([]store.PairingRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairing requests: %w", err)
	}
	defer rows.Close()

	var out []store.PairingRequest
	for rows.Next() {
		var (
			r        store.PairingRequest
			id       string
			metaJSON sql.NullString
		)
		if err := rows.Scan(&id, &r.Channel, &r.SenderID, &r.Code, &metaJSON, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse pairing request id %q: %w", id, err)
		}
		r.ID = parsed
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &r.Meta)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

var _ store.PairingStore = (*PairingStore)(nil)

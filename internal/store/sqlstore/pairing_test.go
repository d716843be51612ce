package sqlstore

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nextlevelbuilder/qqbridge/internal/store"
)

func openMemory(t *testing.T) (*PairingStore, *time.Time) {
	t.Helper()
	s, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestRebind(t *testing.T) {
	pg := &PairingStore{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres rebind = %q", got)
	}
	lite := &PairingStore{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite rebind = %q", got)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSQLPairingStore_UpsertAndApprove(t *testing.T) {
	s, _ := openMemory(t)
	ctx := context.Background()

	code, created, err := s.UpsertRequest(ctx, "qq", "user-1", map[string]string{"name": "Ann"})
	if err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}
	again, createdAgain, err := s.UpsertRequest(ctx, "qq", "user-1", nil)
	if err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}
	if !created || createdAgain || again != code {
		t.Fatalf("created=%v/%v codes %q/%q", created, createdAgain, code, again)
	}

	reqs, err := s.ListRequests(ctx, "qq")
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Meta["name"] != "Ann" {
		t.Fatalf("requests = %+v", reqs)
	}

	if _, err := s.Approve(ctx, "qq", "ZZZZZZZZ"); !errors.Is(err, store.ErrPairingNotFound) {
		t.Fatalf("unknown code err = %v", err)
	}
	approved, err := s.Approve(ctx, "qq", code)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if len(approved) != 1 || approved[0].SenderID != "user-1" {
		t.Fatalf("approved = %+v", approved)
	}

	allow, err := s.ReadAllowFrom(ctx, "qq")
	if err != nil {
		t.Fatalf("ReadAllowFrom: %v", err)
	}
	if !reflect.DeepEqual(allow, []string{"user-1"}) {
		t.Fatalf("allow_from = %v", allow)
	}
}

func TestSQLPairingStore_CapPerChannel(t *testing.T) {
	s, now := openMemory(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if _, _, err := s.UpsertRequest(ctx, "qq", id, nil); err != nil {
			t.Fatalf("UpsertRequest(%s): %v", id, err)
		}
		*now = now.Add(time.Minute)
	}
	if _, _, err := s.UpsertRequest(ctx, "other", "x", nil); err != nil {
		t.Fatalf("UpsertRequest(other): %v", err)
	}

	reqs, err := s.ListRequests(ctx, "qq")
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	var ids []string
	for _, r := range reqs {
		ids = append(ids, r.SenderID)
	}
	if !reflect.DeepEqual(ids, []string{"b", "c", "d"}) {
		t.Fatalf("pending = %v", ids)
	}

	*now = now.Add(2 * store.PairingTTL)
	if reqs, _ := s.ListRequests(ctx, "qq"); len(reqs) != 0 {
		t.Fatalf("expected expired requests hidden, got %d", len(reqs))
	}
}

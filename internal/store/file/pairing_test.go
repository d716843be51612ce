package file

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nextlevelbuilder/qqbridge/internal/store"
)

func newTestStore(t *testing.T) (*FilePairingStore, *time.Time) {
	t.Helper()
	s, err := NewFilePairingStore(filepath.Join(t.TempDir(), "nested", "pairing.json"))
	if err != nil {
		t.Fatalf("NewFilePairingStore: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestFilePairingStore_UpsertIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	code1, created1, err := s.UpsertRequest(ctx, "qq", "user-1", map[string]string{"name": "Ann"})
	if err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}
	code2, created2, err := s.UpsertRequest(ctx, "qq", "user-1", nil)
	if err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}

	if !created1 || created2 {
		t.Fatalf("created flags = %v, %v; want true, false", created1, created2)
	}
	if code1 != code2 || len(code1) != 8 {
		t.Fatalf("codes %q / %q", code1, code2)
	}

	reqs, err := s.ListRequests(ctx, "qq")
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Meta["name"] != "Ann" {
		t.Fatalf("requests = %+v", reqs)
	}
}

func TestFilePairingStore_ExpiryAndCap(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if _, _, err := s.UpsertRequest(ctx, "qq", id, nil); err != nil {
			t.Fatalf("UpsertRequest(%s): %v", id, err)
		}
		*now = now.Add(time.Minute)
	}

	reqs, _ := s.ListRequests(ctx, "qq")
	var ids []string
	for _, r := range reqs {
		ids = append(ids, r.SenderID)
	}
	if !reflect.DeepEqual(ids, []string{"b", "c", "d"}) {
		t.Fatalf("pending = %v, want oldest evicted", ids)
	}

	*now = now.Add(store.PairingTTL)
	if reqs, _ := s.ListRequests(ctx, "qq"); len(reqs) != 0 {
		t.Fatalf("expected all expired, got %d", len(reqs))
	}
	if _, created, _ := s.UpsertRequest(ctx, "qq", "b", nil); !created {
		t.Fatal("expired request should be recreated")
	}
}

func TestFilePairingStore_Approve(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	code, _, err := s.UpsertRequest(ctx, "qq", "user-1", nil)
	if err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}

	if _, err := s.Approve(ctx, "qq", "NOPE2345"); !errors.Is(err, store.ErrPairingNotFound) {
		t.Fatalf("unknown code: err = %v", err)
	}
	if _, err := s.Approve(ctx, "other", code); !errors.Is(err, store.ErrPairingNotFound) {
		t.Fatalf("wrong channel: err = %v", err)
	}

	approved, err := s.Approve(ctx, "qq", " "+code+" ")
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
	if reqs, _ := s.ListRequests(ctx, "qq"); len(reqs) != 0 {
		t.Fatalf("approved request should be removed, got %d", len(reqs))
	}
}

func TestFilePairingStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairing.json")
	s1, err := NewFilePairingStore(path)
	if err != nil {
		t.Fatalf("NewFilePairingStore: %v", err)
	}
	code, _, err := s1.UpsertRequest(context.Background(), "qq", "u1", nil)
	if err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}

	s2, _ := NewFilePairingStore(path)
	again, created, err := s2.UpsertRequest(context.Background(), "qq", "u1", nil)
	if err != nil {
		t.Fatalf("UpsertRequest: %v", err)
	}
	if created || again != code {
		t.Fatalf("second instance created=%v code=%q, want false %q", created, again, code)
	}
}

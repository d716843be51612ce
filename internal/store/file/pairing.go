package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/qqbridge/internal/store"
)

type pairingState struct {
	Requests  []store.PairingRequest `json:"requests"`
	AllowFrom map[string][]string    `json:"allow_from"`
}

// FilePairingStore implements store.PairingStore on a single JSON file.
// Every mutation rewrites the file atomically (temp file + rename).
type FilePairingStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFilePairingStore creates the parent directory of path if needed.
func NewFilePairingStore(path string) (*FilePairingStore, error) {
	if path == "" {
		return nil, errors.New("pairing store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pairing store dir: %w", err)
	}
	return &FilePairingStore{path: path, now: time.Now}, nil
}

func (f *FilePairingStore) UpsertRequest(_ context.Context, channel, senderID string, meta map[string]string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.load()
	if err != nil {
		return "", false, err
	}
	now := f.now()
	st.Requests = store.PruneRequests(st.Requests, now)

	for _, r := range st.Requests {
		if r.Channel == channel && r.SenderID == senderID {
			return r.Code, false, nil
		}
	}

	req, err := store.NewPairingRequest(channel, senderID, meta, now)
	if err != nil {
		return "", false, fmt.Errorf("generate pairing code: %w", err)
	}
	st.Requests = store.PruneRequests(append(st.Requests, req), now)

	if err := f.save(st); err != nil {
		return "", false, err
	}
	return req.Code, true, nil
}

func (f *FilePairingStore) ListRequests(_ context.Context, channel string) ([]store.PairingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.load()
	if err != nil {
		return nil, err
	}
	var out []store.PairingRequest
	for _, r := range store.PruneRequests(st.Requests, f.now()) {
		if r.Channel == channel {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *FilePairingStore) Approve(_ context.Context, channel string, codes ...string) ([]store.PairingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.load()
	if err != nil {
		return nil, err
	}
	st.Requests = store.PruneRequests(st.Requests, f.now())

	wanted := make(map[string]bool, len(codes))
	for _, c := range codes {
		wanted[strings.ToUpper(strings.TrimSpace(c))] = true
	}

	var approved []store.PairingRequest
	remaining := st.Requests[:0]
	for _, r := range st.Requests {
		if r.Channel == channel && wanted[r.Code] {
			approved = append(approved, r)
			st.AllowFrom[channel] = store.MergeAllowFrom(st.AllowFrom[channel], r.SenderID)
			continue
		}
		remaining = append(remaining, r)
	}
	if len(approved) == 0 {
		return nil, store.ErrPairingNotFound
	}
	st.Requests = remaining

	if err := f.save(st); err != nil {
		return nil, err
	}
	return approved, nil
}

func (f *FilePairingStore) ReadAllowFrom(_ context.Context, channel string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.load()
	if err != nil {
		return nil, err
	}
	return slices.Clone(st.AllowFrom[channel]), nil
}

func (f *FilePairingStore) Close() error { return nil }

func (f *FilePairingStore) load() (*pairingState, error) {
	st := &pairingState{AllowFrom: make(map[string][]string)}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pairing store: %w", err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parse pairing store %s: %w", f.path, err)
	}
	if st.AllowFrom == nil {
		st.AllowFrom = make(map[string][]string)
	}
	return st, nil
}

func (f *FilePairingStore) save(st *pairingState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(f.path), "pairing-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, f.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

var _ store.PairingStore = (*FilePairingStore)(nil)

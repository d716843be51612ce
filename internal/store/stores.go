package store

import "slices"

// Stores is the top-level container for storage backends.
type Stores struct {
	Pairing PairingStore
}

// StoreConfig selects and configures the pairing backend.
type StoreConfig struct {
	Mode        string // "standalone" or "managed"
	Driver      string // "file" or "sqlite" (standalone only)
	PostgresDSN string
	SQLitePath  string
	PairingPath string
}

// MergeAllowFrom appends the ids in extra that are missing from base.
func MergeAllowFrom(base []string, extra ...string) []string {
	out := slices.Clone(base)
	for _, id := range extra {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys so webhook retries do not
// trigger duplicate agent runs. Entries expire after ttl; once max entries
// are held the oldest are evicted.
type DedupeCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	seen  map[string]time.Time
	order []dedupeEntry
	now   func() time.Time
}

type dedupeEntry struct {
	key string
	at  time.Time
}

func NewDedupeCache(ttl time.Duration, max int) *DedupeCache {
	if max <= 0 {
		max = 1000
	}
	return &DedupeCache{
		ttl:  ttl,
		max:  max,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// IsDuplicate records key and reports whether it was already seen within
// the TTL. Empty keys are never duplicates.
func (d *DedupeCache) IsDuplicate(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[key] = now
	d.order = append(d.order, dedupeEntry{key: key, at: now})

	for len(d.order) > 0 {
		e := d.order[0]
		if now.Sub(e.at) < d.ttl && len(d.seen) <= d.max {
			break
		}
		// A key re-recorded after expiry has a newer entry further back.
		if d.seen[e.key].Equal(e.at) {
			delete(d.seen, e.key)
		}
		d.order = d.order[1:]
	}
	return false
}

// Len returns the number of remembered keys.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

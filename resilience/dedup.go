package resilience

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DedupCache drops repeated (user, text) pairs seen within the TTL. Keys
// include a minute bucket so identical messages in later minutes pass.
type DedupCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewDedupCache builds a cache with the given TTL (default 30s).
func NewDedupCache(ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &DedupCache{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

// Seen records the pair and reports whether it was already present within
// the TTL. Expired entries are swept opportunistically.
func (d *DedupCache) Seen(userID, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	key := d.key(userID, text, now)

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}
	d.seen[key] = now

	if len(d.seen) > 1024 {
		d.sweep(now)
	}
	return false
}

// Len returns the number of live entries (test hook).
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *DedupCache) key(userID, text string, now time.Time) string {
	sum := sha256.Sum256([]byte(text))
	bucket := now.UTC().Format("200601021504")
	return userID + ":" + hex.EncodeToString(sum[:8]) + ":" + bucket
}

// sweep removes expired entries. Caller holds the lock.
func (d *DedupCache) sweep(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
}

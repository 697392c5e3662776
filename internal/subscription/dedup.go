package subscription

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduplicator suppresses pushes that are not newer than the last one seen per key
type Deduplicator struct {
	mu    sync.Mutex
	cache *lru.Cache[Key, int64]
}

// NewDeduplicator creates a new Deduplicator with the given cache size
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[Key, int64](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate returns true if a push for key with lastRefTime was already seen.
// Pushes without a reference time are never duplicates.
func (d *Deduplicator) IsDuplicate(key Key, lastRefTime int64) bool {
	if key == "" || lastRefTime <= 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.cache.Get(key); ok && lastRefTime <= prev {
		return true
	}
	d.cache.Add(key, lastRefTime)
	return false
}

// Forget drops the reference time of key
func (d *Deduplicator) Forget(key Key) {
	d.cache.Remove(key)
}

// Clear clears the deduplication cache
func (d *Deduplicator) Clear() {
	d.cache.Purge()
}

// Len returns the current cache size
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}

package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"namingpush/internal/payload"
)

// ErrEmptyServiceName is returned for payloads without a service name
var ErrEmptyServiceName = errors.New("service info has no name")

// cacheEntry represents a cached item with expiration
type cacheEntry struct {
	info      *payload.ServiceInfo
	expiresAt time.Time
}

// MemoryCache is an in-memory LRU cache of ServiceInfo with optional TTL
type MemoryCache struct {
	cache *lru.Cache[string, *cacheEntry]
	ttl   time.Duration
	clock clockwork.Clock
	mu    sync.Mutex

	onUpdate UpdateFunc

	stopChan  chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a new in-memory cache. A zero ttl keeps entries until evicted.
func NewMemoryCache(size int, ttl time.Duration, clock clockwork.Clock) (*MemoryCache, error) {
	cache, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	mc := &MemoryCache{
		cache:    cache,
		ttl:      ttl,
		clock:    clock,
		stopChan: make(chan struct{}),
	}

	if ttl > 0 {
		go mc.cleanupLoop()
	}

	return mc, nil
}

// SetOnUpdate registers a callback invoked after every stored update
func (mc *MemoryCache) SetOnUpdate(fn UpdateFunc) {
	mc.mu.Lock()
	mc.onUpdate = fn
	mc.mu.Unlock()
}

// Get retrieves a service info from the cache
func (mc *MemoryCache) Get(serviceName, clusters string) (*payload.ServiceInfo, bool) {
	key := payload.ServiceKey(serviceName, clusters)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, ok := mc.cache.Get(key)
	if !ok {
		return nil, false
	}
	if mc.expired(entry) {
		mc.cache.Remove(key)
		return nil, false
	}
	return entry.info, true
}

// UpdateServiceInfo decodes raw and stores it unless a newer info is cached
func (mc *MemoryCache) UpdateServiceInfo(raw string) error {
	var info payload.ServiceInfo
	if err := payload.Unmarshal([]byte(raw), &info); err != nil {
		return fmt.Errorf("failed to decode service info: %w", err)
	}
	if info.Name == "" {
		return ErrEmptyServiceName
	}
	mc.Put(&info)
	return nil
}

// Put stores info. Returns false if a newer info is already cached.
func (mc *MemoryCache) Put(info *payload.ServiceInfo) bool {
	key := info.Key()

	mc.mu.Lock()
	if prev, ok := mc.cache.Peek(key); ok && !mc.expired(prev) && prev.info.LastRefTime > info.LastRefTime {
		mc.mu.Unlock()
		return false
	}
	entry := &cacheEntry{info: info}
	if mc.ttl > 0 {
		entry.expiresAt = mc.clock.Now().Add(mc.ttl)
	}
	mc.cache.Add(key, entry)
	onUpdate := mc.onUpdate
	mc.mu.Unlock()

	if onUpdate != nil {
		onUpdate(info)
	}
	return true
}

// Keys returns the cached service keys, oldest first
func (mc *MemoryCache) Keys() []string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.cache.Keys()
}

// Len returns the number of cached entries
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.cache.Len()
}

// Close stops the cache cleanup goroutine
func (mc *MemoryCache) Close() {
	mc.closeOnce.Do(func() {
		close(mc.stopChan)
	})
}

func (mc *MemoryCache) expired(entry *cacheEntry) bool {
	return mc.ttl > 0 && mc.clock.Now().After(entry.expiresAt)
}

// cleanupLoop periodically removes expired entries
func (mc *MemoryCache) cleanupLoop() {
	ticker := mc.clock.NewTicker(mc.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-mc.stopChan:
			return
		case <-ticker.Chan():
			mc.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache
func (mc *MemoryCache) removeExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for _, key := range mc.cache.Keys() {
		entry, ok := mc.cache.Peek(key)
		if ok && mc.expired(entry) {
			mc.cache.Remove(key)
		}
	}
}

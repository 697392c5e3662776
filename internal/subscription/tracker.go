package subscription

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"namingpush/internal/payload"
)

type trackedEntry struct {
	meta         payload.SubscribeMetadata
	state        State
	pendingSince time.Time
	lastActivity time.Time
}

// Tracker follows the lifecycle of each subscription key:
// UNSUBSCRIBED -> SUBSCRIBE_PENDING -> SUBSCRIBED -> ZOMBIE -> removed
type Tracker struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[Key]*trackedEntry
}

// NewTracker creates a Tracker using clock for timestamps
func NewTracker(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		clock:   clock,
		entries: make(map[Key]*trackedEntry),
	}
}

// MarkPending records that a subscribe for meta was sent
func (t *Tracker) MarkPending(key Key, meta payload.SubscribeMetadata) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &trackedEntry{lastActivity: now}
		t.entries[key] = e
	}
	e.meta = meta
	e.state = StateSubscribePending
	e.pendingSince = now
}

// Touch records a push for key and moves it to SUBSCRIBED.
// Returns false if key is not tracked.
func (t *Tracker) Touch(key Key) bool {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.state == StateZombie {
		return false
	}
	e.state = StateSubscribed
	e.lastActivity = now
	return true
}

// TouchAll records stream-wide liveness for every live key
func (t *Tracker) TouchAll() {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.state != StateZombie {
			e.lastActivity = now
		}
	}
}

// Zombies moves SUBSCRIBED keys idle for longer than threshold to ZOMBIE and
// returns every key currently in ZOMBIE
func (t *Tracker) Zombies(threshold time.Duration) []Key {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []Key
	for k, e := range t.entries {
		if e.state == StateSubscribed && now.Sub(e.lastActivity) > threshold {
			e.state = StateZombie
		}
		if e.state == StateZombie {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys
}

// Pending returns the metadata of keys pending for at least olderThan
func (t *Tracker) Pending(olderThan time.Duration) []payload.SubscribeMetadata {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []payload.SubscribeMetadata
	for _, e := range t.entries {
		if e.state == StateSubscribePending && now.Sub(e.pendingSince) >= olderThan {
			out = append(out, e.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Snapshot returns the metadata of every live key
func (t *Tracker) Snapshot() []payload.SubscribeMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]payload.SubscribeMetadata, 0, len(t.entries))
	for _, e := range t.entries {
		if e.state != StateZombie {
			out = append(out, e.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// State returns the state of key, UNSUBSCRIBED if unknown
func (t *Tracker) State(key Key) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok {
		return e.state
	}
	return StateUnsubscribed
}

// Remove drops key
func (t *Tracker) Remove(key Key) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Len returns the number of tracked keys
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

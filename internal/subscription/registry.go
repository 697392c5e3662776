package subscription

import (
	"sync"
	"sync/atomic"
)

// Registry holds one "subscribe sent" flag per key and guarantees at most one
// in-flight non-forced subscribe per key across concurrent callers
type Registry struct {
	flags sync.Map // Key -> *atomic.Bool
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{}
}

// TryAcquire returns true if the caller must send the subscribe for key.
// A forced call always acquires and leaves the flag set.
func (r *Registry) TryAcquire(key Key, force bool) bool {
	flag := r.flag(key)
	if force {
		flag.Store(true)
		return true
	}
	return flag.CompareAndSwap(false, true)
}

// IsSent returns the current flag value for key
func (r *Registry) IsSent(key Key) bool {
	v, ok := r.flags.Load(key)
	return ok && v.(*atomic.Bool).Load()
}

// Remove drops the flag of key so a later call subscribes again
func (r *Registry) Remove(key Key) {
	r.flags.Delete(key)
}

// Reset clears every flag. Used when a new stream replaces the old one.
func (r *Registry) Reset() {
	r.flags.Range(func(k, v any) bool {
		v.(*atomic.Bool).Store(false)
		return true
	})
}

// Len returns the number of known keys
func (r *Registry) Len() int {
	n := 0
	r.flags.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) flag(key Key) *atomic.Bool {
	if v, ok := r.flags.Load(key); ok {
		return v.(*atomic.Bool)
	}
	v, _ := r.flags.LoadOrStore(key, new(atomic.Bool))
	return v.(*atomic.Bool)
}

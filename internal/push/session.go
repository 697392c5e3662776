package push

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"namingpush/internal/bistream"
	"namingpush/internal/payload"
	"namingpush/internal/subscription"
)

// ErrSessionClosed is returned when pushing to a closed session
var ErrSessionClosed = errors.New("session is closed")

// Session is one connected client stream and the services it subscribed to
type Session struct {
	id         string
	remoteAddr string
	mux        *bistream.Multiplexer
	maxSubs    int

	mu            sync.RWMutex
	subscriptions map[subscription.Key]payload.SubscribeMetadata

	lastActive atomic.Int64
	closed     atomic.Bool
}

func newSession(mux *bistream.Multiplexer, remoteAddr string, maxSubs int, now time.Time) *Session {
	s := &Session{
		id:            mux.ID(),
		remoteAddr:    remoteAddr,
		mux:           mux,
		maxSubs:       maxSubs,
		subscriptions: make(map[subscription.Key]payload.SubscribeMetadata),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the client address
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Subscribe records interest in meta's service. Returns false if it was
// already recorded.
func (s *Session) Subscribe(meta payload.SubscribeMetadata) (bool, error) {
	key := subscription.NewKey(meta.ServiceName, meta.Clusters)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[key]; ok {
		s.subscriptions[key] = meta
		return false, nil
	}
	if s.maxSubs > 0 && len(s.subscriptions) >= s.maxSubs {
		return false, fmt.Errorf("maximum subscriptions reached (%d)", s.maxSubs)
	}
	s.subscriptions[key] = meta
	return true, nil
}

// IsSubscribed returns true if the session subscribed to key
func (s *Session) IsSubscribed(key subscription.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[key]
	return ok
}

// Keys returns the subscribed keys, sorted
func (s *Session) Keys() []subscription.Key {
	s.mu.RLock()
	keys := make([]subscription.Key, 0, len(s.subscriptions))
	for k := range s.subscriptions {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// SubscriptionCount returns the number of subscribed services
func (s *Session) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// Touch records client activity
func (s *Session) Touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

// LastActive returns the time of the last inbound frame
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Push sends a packet on the subscribe sink without blocking
func (s *Session) Push(pkt payload.PushPacket) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.mux.SendJSON(payload.SinkSubscribe, pkt)
}

// Close closes the underlying stream
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.mux.Close()
	}
}

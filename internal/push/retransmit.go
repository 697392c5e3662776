package push

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"namingpush/internal/payload"
	"namingpush/internal/subscription"
)

// Pending is a service push awaiting its ack
type Pending struct {
	SessionID string
	Key       subscription.Key
	Packet    payload.PushPacket
	Attempts  int
	sentAt    time.Time
}

type pendingKey struct {
	session string
	key     subscription.Key
}

// Retransmitter tracks unacknowledged pushes per session and key.
// Only the latest push for a key is kept.
type Retransmitter struct {
	mu          sync.Mutex
	pending     map[pendingKey]*Pending
	maxAttempts int
	clock       clockwork.Clock
}

// NewRetransmitter creates a Retransmitter. A push is dropped after maxAttempts sends.
func NewRetransmitter(maxAttempts int, clock clockwork.Clock) *Retransmitter {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Retransmitter{
		pending:     make(map[pendingKey]*Pending),
		maxAttempts: maxAttempts,
		clock:       clock,
	}
}

// Track records a sent push
func (r *Retransmitter) Track(sessionID string, key subscription.Key, pkt payload.PushPacket) {
	r.mu.Lock()
	r.pending[pendingKey{sessionID, key}] = &Pending{
		SessionID: sessionID,
		Key:       key,
		Packet:    pkt,
		Attempts:  1,
		sentAt:    r.clock.Now(),
	}
	r.mu.Unlock()
}

// Ack clears the pending push for key if lastRefTime covers it
func (r *Retransmitter) Ack(sessionID string, key subscription.Key, lastRefTime int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	pk := pendingKey{sessionID, key}
	p, ok := r.pending[pk]
	if !ok || p.Packet.LastRefTime > lastRefTime {
		return false
	}
	delete(r.pending, pk)
	return true
}

// Due returns pushes unacked for at least timeout. Pushes with attempts left
// are returned in resend and counted as sent again; the rest are dropped.
func (r *Retransmitter) Due(timeout time.Duration) (resend, dropped []Pending) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for pk, p := range r.pending {
		if now.Sub(p.sentAt) < timeout {
			continue
		}
		if p.Attempts >= r.maxAttempts {
			delete(r.pending, pk)
			dropped = append(dropped, *p)
			continue
		}
		p.Attempts++
		p.sentAt = now
		resend = append(resend, *p)
	}
	sortPending(resend)
	sortPending(dropped)
	return resend, dropped
}

// ForgetSession drops every pending push of a session
func (r *Retransmitter) ForgetSession(sessionID string) {
	r.mu.Lock()
	for pk := range r.pending {
		if pk.session == sessionID {
			delete(r.pending, pk)
		}
	}
	r.mu.Unlock()
}

// Len returns the number of pending pushes
func (r *Retransmitter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func sortPending(p []Pending) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].SessionID != p[j].SessionID {
			return p[i].SessionID < p[j].SessionID
		}
		return p[i].Key < p[j].Key
	})
}

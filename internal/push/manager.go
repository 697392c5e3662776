package push

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"namingpush/internal/bistream"
	"namingpush/internal/metrics"
	"namingpush/internal/subscription"
)

// Manager manages all connected sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	maxSubs  int
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewManager creates a new session Manager
func NewManager(maxSubs int, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		maxSubs:  maxSubs,
		metrics:  m,
		logger:   logger.With().Str("component", "sessions").Logger(),
	}
}

// Add registers a session for mux
func (m *Manager) Add(mux *bistream.Multiplexer, remoteAddr string, now time.Time) *Session {
	session := newSession(mux, remoteAddr, m.maxSubs, now)

	m.mu.Lock()
	m.sessions[session.ID()] = session
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessions(n)
	m.logger.Debug().
		Str("session", session.ID()).
		Str("remoteAddr", remoteAddr).
		Msg("created new session")
	return session
}

// Get returns the session with the given id
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Remove removes and closes a session. Returns nil if it was not registered.
func (m *Manager) Remove(id string) *Session {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if session == nil {
		return nil
	}
	session.Close()
	m.metrics.SetSessions(n)
	m.logger.Debug().Str("session", id).Msg("removed session")
	return session
}

// Subscribers returns the sessions subscribed to key
func (m *Manager) Subscribers(key subscription.Key) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.IsSubscribed(key) {
			out = append(out, s)
		}
	}
	return out
}

// Idle returns the sessions with no activity for longer than threshold
func (m *Manager) Idle(threshold time.Duration, now time.Time) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastActive()) > threshold {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// All returns every session
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll closes all sessions
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	m.metrics.SetSessions(0)
	m.logger.Info().Int("sessions", len(sessions)).Msg("closed all sessions")
}

// Count returns the number of sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SubscriptionCount returns the total number of subscriptions across all sessions
func (m *Manager) SubscriptionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, s := range m.sessions {
		total += s.SubscriptionCount()
	}
	return total
}

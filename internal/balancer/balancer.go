package balancer

import (
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/rs/zerolog"

	"namingpush/internal/metrics"
	"namingpush/internal/upstream"
)

type activeChannel struct {
	ch upstream.Channel
}

// Selector picks a live channel from a server list with a random start and
// linear failover, and holds it as the active channel
type Selector struct {
	channels ChannelSource
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	intn     func(n int) int

	active atomic.Pointer[activeChannel]
}

// NewSelector creates a new Selector
func NewSelector(channels ChannelSource, m *metrics.Metrics, logger zerolog.Logger) *Selector {
	return &Selector{
		channels: channels,
		metrics:  m,
		logger:   logger.With().Str("component", "selector").Logger(),
		intn:     rand.Intn,
	}
}

// SetRandom replaces the start index source. Used by tests.
func (s *Selector) SetRandom(intn func(n int) int) {
	s.intn = intn
}

// Select scans servers once, starting at a random index and wrapping around,
// and activates the first channel not in failure state.
// Each channel is asked to connect before its state is read.
func (s *Selector) Select(servers []string) (upstream.Channel, error) {
	if len(servers) == 0 {
		s.metrics.ChannelSelected("error")
		return nil, ErrNoServers
	}

	start := s.intn(len(servers))
	for i := 0; i < len(servers); i++ {
		server := servers[(start+i)%len(servers)]

		ch, err := s.channels.GetOrCreate(server)
		if err != nil {
			s.metrics.ChannelSelected("error")
			return nil, fmt.Errorf("select channel: %w", err)
		}

		state := ch.State(true)
		if state == upstream.TransientFailure {
			s.logger.Debug().
				Str("server", server).
				Str("address", ch.Address()).
				Msg("channel in failure state, trying next")
			continue
		}

		s.active.Store(&activeChannel{ch: ch})
		s.metrics.ChannelSelected("selected")
		s.logger.Info().
			Str("server", server).
			Str("address", ch.Address()).
			Str("state", state.String()).
			Msg("channel selected")
		return ch, nil
	}

	s.active.Store(nil)
	s.metrics.ChannelSelected("no_live_server")
	tried := make([]string, len(servers))
	copy(tried, servers)
	s.logger.Error().Strs("servers", tried).Msg("no live server")
	return nil, &NoLiveServerError{Servers: tried}
}

// Active returns the active channel or nil
func (s *Selector) Active() upstream.Channel {
	a := s.active.Load()
	if a == nil {
		return nil
	}
	return a.ch
}

// Invalidate clears the active channel if it is still ch
func (s *Selector) Invalidate(ch upstream.Channel) bool {
	a := s.active.Load()
	if a == nil || a.ch != ch {
		return false
	}
	if s.active.CompareAndSwap(a, nil) {
		s.logger.Warn().Str("address", ch.Address()).Msg("active channel invalidated")
		return true
	}
	return false
}

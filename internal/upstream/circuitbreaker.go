package upstream

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// CircuitBreaker reports a channel as failed after consecutive dial failures
// until the recovery timeout lets one probe through
type CircuitBreaker struct {
	cfg           CircuitBreakerConfig
	clock         clockwork.Clock
	state         cbState
	failures      int
	lastFailureAt time.Time
	mu            sync.Mutex
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(cfg CircuitBreakerConfig, clock clockwork.Clock) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 10 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		cfg:   cfg,
		clock: clock,
		state: cbClosed,
	}
}

// Allow returns true if a dial may be attempted
func (cb *CircuitBreaker) Allow() bool {
	if !cb.cfg.Enabled {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbOpen:
		if cb.clock.Since(cb.lastFailureAt) >= cb.cfg.RecoveryTimeout {
			cb.state = cbHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// IsOpen returns true while dials are refused
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.cfg.Enabled {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == cbOpen && cb.clock.Since(cb.lastFailureAt) < cb.cfg.RecoveryTimeout
}

// RecordSuccess closes the breaker
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = cbClosed
	cb.failures = 0
}

// RecordFailure counts a failed dial
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureAt = cb.clock.Now()

	switch cb.state {
	case cbClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = cbOpen
		}
	case cbHalfOpen:
		cb.state = cbOpen
	}
}

package upstream

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// HealthMonitor periodically probes the active channel and reports failures
type HealthMonitor struct {
	active            func() Channel
	onFailure         func(ch Channel)
	checkInterval     time.Duration
	statusLogInterval time.Duration
	clock             clockwork.Clock
	logger            zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor creates a HealthMonitor. active returns the channel in use
// (nil when none); onFailure is invoked from the monitor goroutine.
func NewHealthMonitor(active func() Channel, onFailure func(ch Channel), checkInterval, statusLogInterval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthMonitor{
		active:            active,
		onFailure:         onFailure,
		checkInterval:     checkInterval,
		statusLogInterval: statusLogInterval,
		clock:             clock,
		logger:            logger.With().Str("component", "health").Logger(),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// Start starts the monitoring loops
func (hm *HealthMonitor) Start() {
	if hm.checkInterval > 0 {
		hm.wg.Add(1)
		go hm.checkLoop()
	}
	if hm.statusLogInterval > 0 {
		hm.wg.Add(1)
		go hm.statusLogLoop()
	}
}

// Stop stops the monitoring loops
func (hm *HealthMonitor) Stop() {
	hm.cancel()
	hm.wg.Wait()
}

// Check probes the active channel once. Returns false if it is in failure state.
func (hm *HealthMonitor) Check() bool {
	ch := hm.active()
	if ch == nil {
		return true
	}
	state := ch.State(true)
	if state != TransientFailure {
		return true
	}
	hm.logger.Warn().
		Str("address", ch.Address()).
		Str("state", state.String()).
		Msg("active channel failed")
	if hm.onFailure != nil {
		hm.onFailure(ch)
	}
	return false
}

func (hm *HealthMonitor) checkLoop() {
	defer hm.wg.Done()
	ticker := hm.clock.NewTicker(hm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.Chan():
			hm.Check()
		}
	}
}

func (hm *HealthMonitor) statusLogLoop() {
	defer hm.wg.Done()
	ticker := hm.clock.NewTicker(hm.statusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.Chan():
			hm.logCurrentStatus()
		}
	}
}

func (hm *HealthMonitor) logCurrentStatus() {
	ch := hm.active()
	if ch == nil {
		hm.logger.Info().Msg("channel status: no active channel")
		return
	}
	hm.logger.Info().
		Str("address", ch.Address()).
		Str("state", ch.State(false).String()).
		Msg("channel status")
}

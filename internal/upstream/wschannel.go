package upstream

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultWSPath is the server endpoint upgraded to a frame stream
const DefaultWSPath = "/stream"

const probeTimeout = 3 * time.Second

// WSChannel is a Channel that opens one WebSocket per stream.
// Its state comes from the last dial outcome and the circuit breaker.
type WSChannel struct {
	address string
	url     string
	dialer  *websocket.Dialer
	breaker *CircuitBreaker
	logger  zerolog.Logger

	state   atomic.Int32
	probing atomic.Bool
}

// NewWSFactory returns a Factory creating WebSocket channels
func NewWSFactory(path string, cbCfg CircuitBreakerConfig, logger zerolog.Logger) Factory {
	return func(address string) (Channel, error) {
		return NewWSChannel(address, path, NewCircuitBreaker(cbCfg, nil), logger)
	}
}

// NewWSChannel creates a WebSocket channel for address
func NewWSChannel(address, path string, breaker *CircuitBreaker, logger zerolog.Logger) (*WSChannel, error) {
	if path == "" {
		path = DefaultWSPath
	}
	u := url.URL{Scheme: "ws", Host: address, Path: path}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	c := &WSChannel{
		address: address,
		url:     u.String(),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		breaker: breaker,
		logger:  logger.With().Str("component", "ws-channel").Str("address", address).Logger(),
	}
	c.state.Store(int32(Idle))
	return c, nil
}

// Address implements Channel
func (c *WSChannel) Address() string {
	return c.address
}

// State implements Channel
func (c *WSChannel) State(tryConnect bool) ConnState {
	s := ConnState(c.state.Load())
	if s == Shutdown {
		return s
	}
	if c.breaker.IsOpen() {
		return TransientFailure
	}
	if tryConnect && (s == Idle || s == TransientFailure) && c.probing.CompareAndSwap(false, true) {
		go c.probe()
	}
	return s
}

// OpenStream implements Channel
func (c *WSChannel) OpenStream(ctx context.Context) (Stream, error) {
	if ConnState(c.state.Load()) == Shutdown {
		return nil, fmt.Errorf("channel %s is shut down", c.address)
	}
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("channel %s: circuit open", c.address)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Msg("WebSocket stream connected")
	return NewWSStream(conn, c.logger), nil
}

// Close implements Channel
func (c *WSChannel) Close() error {
	c.state.Store(int32(Shutdown))
	return nil
}

func (c *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	c.state.CompareAndSwap(int32(Idle), int32(Connecting))
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.breaker.RecordFailure()
		c.setState(TransientFailure)
		return nil, fmt.Errorf("failed to connect WebSocket %s: %w", c.url, err)
	}
	c.breaker.RecordSuccess()
	c.setState(Ready)
	return conn, nil
}

// probe dials once in the background to refresh the connectivity state
func (c *WSChannel) probe() {
	defer c.probing.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("probe failed")
		return
	}
	conn.Close()
}

func (c *WSChannel) setState(s ConnState) {
	for {
		cur := c.state.Load()
		if ConnState(cur) == Shutdown {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

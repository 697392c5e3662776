package upstream

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// DiscoveryAddress replaces the port of server with the fixed discovery port.
// A non-positive port keeps the server address unchanged.
func DiscoveryAddress(server string, port int) string {
	if port <= 0 {
		return server
	}
	host, _, err := net.SplitHostPort(server)
	if err != nil {
		host = server
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Directory caches one Channel per discovery address for the lifetime of its owner
type Directory struct {
	port    int
	factory Factory
	logger  zerolog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
}

// NewDirectory creates a Directory that dials channels on the given discovery port
func NewDirectory(port int, factory Factory, logger zerolog.Logger) *Directory {
	return &Directory{
		port:     port,
		factory:  factory,
		logger:   logger.With().Str("component", "directory").Logger(),
		channels: make(map[string]Channel),
	}
}

// GetOrCreate returns the cached channel for server or creates it.
// Concurrent callers for the same address converge on one channel.
func (d *Directory) GetOrCreate(server string) (Channel, error) {
	address := DiscoveryAddress(server, d.port)

	d.mu.RLock()
	ch, ok := d.channels[address]
	d.mu.RUnlock()
	if ok {
		return ch, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ch, ok := d.channels[address]; ok {
		return ch, nil
	}

	ch, err := d.factory(address)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel for %s: %w", address, err)
	}
	if ch == nil {
		return nil, fmt.Errorf("failed to create channel for %s: factory returned nil", address)
	}
	d.channels[address] = ch

	d.logger.Info().
		Str("server", server).
		Str("address", address).
		Msg("channel created")
	return ch, nil
}

// Len returns the number of cached channels
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels)
}

// Addresses returns the cached discovery addresses
func (d *Directory) Addresses() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.channels))
	for addr := range d.channels {
		out = append(out, addr)
	}
	return out
}

// Close closes every cached channel
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for addr, ch := range d.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(d.channels, addr)
	}
	return errors.Join(errs...)
}

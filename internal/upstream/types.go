package upstream

import (
	"context"

	"namingpush/internal/payload"
)

// ConnState is the connectivity state of a Channel
type ConnState int

const (
	Idle ConnState = iota
	Connecting
	Ready
	TransientFailure
	Shutdown
)

func (s ConnState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Ready:
		return "READY"
	case TransientFailure:
		return "TRANSIENT_FAILURE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Stream is a duplex frame stream. Send must not be called concurrently;
// Recv blocks until a frame arrives or the stream fails.
type Stream interface {
	Send(f *payload.Frame) error
	Recv() (*payload.Frame, error)
	Close() error
}

// Channel is a reusable connection to one server address
type Channel interface {
	Address() string
	// State returns the current connectivity state. With tryConnect an idle
	// or failed channel is asked to connect without waiting for the result.
	State(tryConnect bool) ConnState
	OpenStream(ctx context.Context) (Stream, error)
	Close() error
}

// Factory creates a Channel for a discovery address
type Factory func(address string) (Channel, error)

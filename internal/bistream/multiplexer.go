package bistream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"namingpush/internal/event"
	"namingpush/internal/metrics"
	"namingpush/internal/payload"
	"namingpush/internal/upstream"
)

// DefaultQueueSize is the outbound queue length used when none is configured
const DefaultQueueSize = 1024

var (
	// ErrClosed is returned when sending on a closed multiplexer
	ErrClosed = errors.New("bistream: multiplexer closed")
	// ErrSendQueueFull is returned when the outbound queue has no room
	ErrSendQueueFull = errors.New("bistream: send queue full")
)

// SendError reports a frame that could not be handed to the stream
type SendError struct {
	Sink string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send on sink %q: %v", e.Sink, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Reactor receives inbound events. Reactive must not block.
type Reactor interface {
	Reactive(ev *event.Event) bool
}

// Options configures a Multiplexer
type Options struct {
	QueueSize int
	// OnClose is called once when the stream fails. It is not called for Close.
	OnClose func(err error)
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Multiplexer binds one duplex stream to many sinks. Inbound frames are turned
// into events and handed to the reactor bound to their sink; outbound frames
// are serialized through a single writer.
type Multiplexer struct {
	id      string
	stream  upstream.Stream
	onClose func(err error)
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.RWMutex
	reactors map[string]Reactor

	sendChan  chan *payload.Frame
	closeChan chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	err       error
}

// New creates a Multiplexer over stream. Call Bind then Start.
func New(stream upstream.Stream, opts Options) *Multiplexer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	id := uuid.NewString()
	return &Multiplexer{
		id:        id,
		stream:    stream,
		onClose:   opts.OnClose,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With().Str("component", "bistream").Str("stream", id).Logger(),
		reactors:  make(map[string]Reactor),
		sendChan:  make(chan *payload.Frame, opts.QueueSize),
		closeChan: make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

// ID returns the unique id of this multiplexer
func (m *Multiplexer) ID() string {
	return m.id
}

// Bind routes inbound frames of sink to r
func (m *Multiplexer) Bind(sink string, r Reactor) {
	m.mu.Lock()
	m.reactors[sink] = r
	m.mu.Unlock()
}

// Start starts the receive and write goroutines
func (m *Multiplexer) Start() {
	m.startOnce.Do(func() {
		go m.recvLoop()
		go m.writeLoop()
	})
}

// Send enqueues a frame without blocking
func (m *Multiplexer) Send(sink string, data []byte) error {
	f := &payload.Frame{Sink: sink, Payload: data}
	select {
	case <-m.closeChan:
		m.metrics.SendFailed(sink)
		return &SendError{Sink: sink, Err: ErrClosed}
	default:
	}

	select {
	case m.sendChan <- f:
		return nil
	default:
		m.metrics.SendFailed(sink)
		return &SendError{Sink: sink, Err: ErrSendQueueFull}
	}
}

// SendJSON encodes v and enqueues it on sink
func (m *Multiplexer) SendJSON(sink string, v any) error {
	data, err := payload.Marshal(v)
	if err != nil {
		return &SendError{Sink: sink, Err: fmt.Errorf("encode: %w", err)}
	}
	return m.Send(sink, data)
}

// Done is closed when the multiplexer stops
func (m *Multiplexer) Done() <-chan struct{} {
	return m.closeChan
}

// Err returns the error that stopped the multiplexer, once Done is closed
func (m *Multiplexer) Err() error {
	select {
	case <-m.closeChan:
		return m.err
	default:
		return nil
	}
}

// Close stops the multiplexer and closes the stream
func (m *Multiplexer) Close() {
	m.shutdown(ErrClosed, false)
}

// WriterDone is closed once the write goroutine has returned and no longer
// touches the stream. Only meaningful after Start.
func (m *Multiplexer) WriterDone() <-chan struct{} {
	return m.writeDone
}

func (m *Multiplexer) shutdown(err error, notify bool) {
	m.closeOnce.Do(func() {
		m.err = err
		close(m.closeChan)
		if cerr := m.stream.Close(); cerr != nil {
			m.logger.Debug().Err(cerr).Msg("stream close error")
		}
		if notify {
			m.logger.Warn().Err(err).Msg("stream failed")
			if m.onClose != nil {
				m.onClose(err)
			}
		} else {
			m.logger.Debug().Msg("stream closed")
		}
	})
}

func (m *Multiplexer) recvLoop() {
	for {
		f, err := m.stream.Recv()
		if err != nil {
			m.shutdown(err, true)
			return
		}

		m.mu.RLock()
		r := m.reactors[f.Sink]
		m.mu.RUnlock()

		if r == nil {
			m.logger.Warn().Str("sink", f.Sink).Msg("frame for unbound sink dropped")
			continue
		}
		r.Reactive(event.NewEvent(m, f, f.Sink))
	}
}

func (m *Multiplexer) writeLoop() {
	defer close(m.writeDone)
	for {
		select {
		case <-m.closeChan:
			return
		case f := <-m.sendChan:
			if err := m.stream.Send(f); err != nil {
				m.metrics.SendFailed(f.Sink)
				m.shutdown(fmt.Errorf("write: %w", err), true)
				return
			}
		}
	}
}

package bistream

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"namingpush/internal/event"
	"namingpush/internal/payload"
)

type mockStream struct {
	inbound chan *payload.Frame
	sendErr error
	block   chan struct{}

	mu   sync.Mutex
	sent []*payload.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newMockStream() *mockStream {
	return &mockStream{
		inbound: make(chan *payload.Frame, 16),
		closed:  make(chan struct{}),
	}
}

func (s *mockStream) Send(f *payload.Frame) error {
	if s.block != nil {
		<-s.block
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	s.sent = append(s.sent, f)
	s.mu.Unlock()
	return nil
}

func (s *mockStream) Recv() (*payload.Frame, error) {
	select {
	case f, ok := <-s.inbound:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *mockStream) sentFrames() []*payload.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*payload.Frame, len(s.sent))
	copy(out, s.sent)
	return out
}

type mockReactor struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *mockReactor) Reactive(ev *event.Event) bool {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return true
}

func (r *mockReactor) received() []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestMultiplexer_DemuxBySink(t *testing.T) {
	stream := newMockStream()
	m := New(stream, Options{Logger: zerolog.Nop()})
	subscribe, ack := &mockReactor{}, &mockReactor{}
	m.Bind(payload.SinkSubscribe, subscribe)
	m.Bind(payload.SinkPushAck, ack)
	m.Start()
	defer m.Close()

	stream.inbound <- &payload.Frame{Sink: payload.SinkSubscribe, Payload: []byte("1")}
	stream.inbound <- &payload.Frame{Sink: "unknown", Payload: []byte("x")}
	stream.inbound <- &payload.Frame{Sink: payload.SinkPushAck, Payload: []byte("2")}
	stream.inbound <- &payload.Frame{Sink: payload.SinkSubscribe, Payload: []byte("3")}

	require.Eventually(t, func() bool {
		return len(subscribe.received()) == 2 && len(ack.received()) == 1
	}, time.Second, 5*time.Millisecond)

	evs := subscribe.received()
	assert.Equal(t, payload.SinkSubscribe, evs[0].Sink())
	assert.Same(t, m, evs[0].Source())
	assert.Equal(t, "1", string(evs[0].Value().(*payload.Frame).Payload))
	assert.Equal(t, "3", string(evs[1].Value().(*payload.Frame).Payload))
}

func TestMultiplexer_SendPreservesOrder(t *testing.T) {
	stream := newMockStream()
	m := New(stream, Options{Logger: zerolog.Nop()})
	m.Start()
	defer m.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, m.SendJSON(payload.SinkSubscribe, map[string]int{"i": i}))
	}

	require.Eventually(t, func() bool { return len(stream.sentFrames()) == 50 }, time.Second, 5*time.Millisecond)
	for i, f := range stream.sentFrames() {
		var v map[string]int
		require.NoError(t, payload.Unmarshal(f.Payload, &v))
		assert.Equal(t, i, v["i"])
	}
}

func TestMultiplexer_QueueFull(t *testing.T) {
	stream := newMockStream()
	stream.block = make(chan struct{})
	m := New(stream, Options{QueueSize: 1, Logger: zerolog.Nop()})
	m.Start()
	defer func() {
		close(stream.block)
		m.Close()
	}()

	// first frame is taken by the writer and blocks, second fills the queue
	require.NoError(t, m.Send("s", nil))
	require.Eventually(t, func() bool { return len(m.sendChan) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, m.Send("s", nil))

	err := m.Send("s", nil)
	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, "s", sendErr.Sink)
	assert.ErrorIs(t, err, ErrSendQueueFull)
}

func TestMultiplexer_OnCloseOnRecvError(t *testing.T) {
	stream := newMockStream()
	var calls int
	var mu sync.Mutex
	closed := make(chan error, 1)
	m := New(stream, Options{
		Logger: zerolog.Nop(),
		OnClose: func(err error) {
			mu.Lock()
			calls++
			mu.Unlock()
			closed <- err
		},
	})
	m.Start()

	close(stream.inbound)

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}
	<-m.WriterDone()

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	assert.ErrorIs(t, m.Err(), io.EOF)
	assert.ErrorIs(t, m.Send("s", nil), ErrClosed)
}

func TestMultiplexer_OnCloseOnWriteError(t *testing.T) {
	stream := newMockStream()
	stream.sendErr = errors.New("broken pipe")
	closed := make(chan error, 1)
	m := New(stream, Options{
		Logger:  zerolog.Nop(),
		OnClose: func(err error) { closed <- err },
	})
	m.Start()

	require.NoError(t, m.Send("s", []byte("x")))

	select {
	case err := <-closed:
		assert.ErrorContains(t, err, "broken pipe")
	case <-time.After(time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestMultiplexer_CloseDoesNotNotify(t *testing.T) {
	stream := newMockStream()
	m := New(stream, Options{
		Logger:  zerolog.Nop(),
		OnClose: func(error) { t.Error("OnClose called on explicit Close") },
	})
	m.Start()
	m.Close()
	<-m.WriterDone()

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, m.Err(), ErrClosed)
	assert.NotEmpty(t, m.ID())
}

func TestMultiplexer_WriterDoneWaitsForInflightSend(t *testing.T) {
	stream := newMockStream()
	stream.block = make(chan struct{})
	m := New(stream, Options{Logger: zerolog.Nop()})
	m.Start()

	require.NoError(t, m.Send("s", []byte("x")))
	require.Eventually(t, func() bool { return len(m.sendChan) == 0 }, time.Second, time.Millisecond)

	m.Close()
	assert.Never(t, func() bool {
		select {
		case <-m.WriterDone():
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "writer still inside Send")

	close(stream.block)
	select {
	case <-m.WriterDone():
	case <-time.After(time.Second):
		t.Fatal("writer did not finish after Send returned")
	}
	assert.Len(t, stream.sentFrames(), 1)
}

package push

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"namingpush/internal/bistream"
	"namingpush/internal/cache"
	"namingpush/internal/event"
	"namingpush/internal/payload"
	"namingpush/internal/subscription"
)

const waitFor = 2 * time.Second

type pipeEnd struct {
	in   <-chan *payload.Frame
	out  chan<- *payload.Frame
	done chan struct{}
	once *sync.Once
}

func newPipe() (client, server *pipeEnd) {
	c2s := make(chan *payload.Frame, 64)
	s2c := make(chan *payload.Frame, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	client = &pipeEnd{in: s2c, out: c2s, done: done, once: once}
	server = &pipeEnd{in: c2s, out: s2c, done: done, once: once}
	return client, server
}

func (p *pipeEnd) Send(f *payload.Frame) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	case p.out <- f:
		return nil
	}
}

func (p *pipeEnd) Recv() (*payload.Frame, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeEnd) sendJSON(t *testing.T, sink string, v any) {
	t.Helper()
	data, err := payload.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, p.Send(&payload.Frame{Sink: sink, Payload: data}))
}

// nextPacket returns the next push packet of type typ, skipping others
func (p *pipeEnd) nextPacket(t *testing.T, typ string) payload.PushPacket {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case f := <-p.in:
			require.Equal(t, payload.SinkSubscribe, f.Sink)
			pkt, err := payload.DecodePushPacket(f.Payload)
			require.NoError(t, err)
			if pkt.Type == typ {
				return *pkt
			}
		case <-timeout:
			t.Fatalf("no %s packet received", typ)
			return payload.PushPacket{}
		}
	}
}

type serviceHarness struct {
	svc   *Service
	clock clockwork.FakeClock
	store *cache.MemoryCache
}

func newServiceHarness(t *testing.T, mutate func(o *Options)) *serviceHarness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store, err := cache.NewMemoryCache(100, 0, clock)
	require.NoError(t, err)

	opts := Options{
		CheckInterval: time.Hour,
		Clock:         clock,
		Logger:        zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewService(store, opts)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() {
		svc.Close()
		store.Close()
	})
	return &serviceHarness{svc: svc, clock: clock, store: store}
}

// connect serves a new stream and returns the client end and the HandleStream result
func (h *serviceHarness) connect(t *testing.T) (*pipeEnd, <-chan error) {
	t.Helper()
	client, server := newPipe()
	result := make(chan error, 1)
	go func() {
		result <- h.svc.HandleStream(context.Background(), server, "10.0.0.1:5000")
	}()
	return client, result
}

func subscribe(t *testing.T, client *pipeEnd, serviceName, clusters string) payload.PushPacket {
	t.Helper()
	client.sendJSON(t, payload.SinkSubscribe, payload.SubscribeMetadata{
		NamespaceID: "public",
		ServiceName: serviceName,
		Clusters:    clusters,
		ClientIP:    "10.0.0.1",
	})
	return client.nextPacket(t, payload.PacketAck)
}

func TestService_SubscribeThenEmit(t *testing.T) {
	h := newServiceHarness(t, nil)
	client, _ := h.connect(t)

	ack := subscribe(t, client, "orderService", "DEFAULT")
	assert.Equal(t, "orderService@@DEFAULT", ack.ServiceKey)
	assert.Equal(t, 1, h.svc.Sessions().SubscriptionCount())

	n := h.svc.Emit(&payload.ServiceInfo{Name: "orderService", Clusters: "DEFAULT", LastRefTime: 42})
	assert.Equal(t, 1, n)

	pkt := client.nextPacket(t, payload.PacketService)
	assert.Equal(t, "orderService@@DEFAULT", pkt.ServiceKey)
	assert.Equal(t, int64(42), pkt.LastRefTime)

	var info payload.ServiceInfo
	require.NoError(t, payload.Unmarshal([]byte(pkt.Data), &info))
	assert.Equal(t, "orderService", info.Name)
	assert.Equal(t, 1, h.svc.retransmit.Len())

	client.sendJSON(t, payload.SinkPushAck, payload.PushAck{ServiceKey: pkt.ServiceKey, LastRefTime: 42})
	assert.Eventually(t, func() bool { return h.svc.retransmit.Len() == 0 }, waitFor, 10*time.Millisecond)
}

func TestService_SubscribePushesKnownInfo(t *testing.T) {
	h := newServiceHarness(t, nil)
	h.store.Put(&payload.ServiceInfo{Name: "svc", LastRefTime: 9})
	client, _ := h.connect(t)

	subscribe(t, client, "svc", "")
	pkt := client.nextPacket(t, payload.PacketService)
	assert.Equal(t, "svc", pkt.ServiceKey)
	assert.Equal(t, int64(9), pkt.LastRefTime)
}

func TestService_EmitOnlyToSubscribers(t *testing.T) {
	h := newServiceHarness(t, nil)
	a, _ := h.connect(t)
	b, _ := h.connect(t)

	subscribe(t, a, "svc", "")
	subscribe(t, b, "other", "")

	assert.Equal(t, 1, h.svc.Emit(&payload.ServiceInfo{Name: "svc", LastRefTime: 1}))
	assert.Equal(t, 0, h.svc.Emit(&payload.ServiceInfo{Name: "svc", LastRefTime: 0}), "stale info is not pushed")
	assert.Equal(t, 0, h.svc.Emit(nil))
	a.nextPacket(t, payload.PacketService)
}

func TestService_Retransmit(t *testing.T) {
	h := newServiceHarness(t, func(o *Options) { o.MaxRetransmits = 2 })
	client, _ := h.connect(t)
	subscribe(t, client, "svc", "")

	h.svc.Emit(&payload.ServiceInfo{Name: "svc", LastRefTime: 5})
	first := client.nextPacket(t, payload.PacketService)

	h.clock.Advance(DefaultRetransmitTimeout)
	h.svc.pipeline.Reactive(event.NewEvent(h.svc, nil, payload.SinkRetransmit))
	again := client.nextPacket(t, payload.PacketService)
	assert.Equal(t, first, again)

	h.clock.Advance(DefaultRetransmitTimeout)
	h.svc.pipeline.Reactive(event.NewEvent(h.svc, nil, payload.SinkRetransmit))
	assert.Eventually(t, func() bool { return h.svc.retransmit.Len() == 0 }, waitFor, 10*time.Millisecond)
}

func TestService_ZombieSessionRemoved(t *testing.T) {
	h := newServiceHarness(t, nil)
	client, result := h.connect(t)
	subscribe(t, client, "svc", "")
	require.Equal(t, 1, h.svc.Sessions().Count())

	h.clock.Advance(DefaultZombieThreshold + time.Second)
	h.svc.pipeline.Reactive(event.NewEvent(h.svc, nil, payload.SinkZombieCheck))

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("stream not closed")
	}
	assert.Equal(t, 0, h.svc.Sessions().Count())

	_, err := client.Recv()
	for err == nil {
		_, err = client.Recv()
	}
	assert.ErrorIs(t, err, io.EOF)
}

func TestService_ActivityKeepsSessionAlive(t *testing.T) {
	h := newServiceHarness(t, nil)
	client, _ := h.connect(t)
	subscribe(t, client, "svc", "")

	h.clock.Advance(60 * time.Second)
	client.sendJSON(t, payload.SinkHeartbeat, payload.Heartbeat{ClientIP: "10.0.0.1"})
	session := h.svc.Sessions().All()[0]
	require.Eventually(t, func() bool {
		return session.LastActive().Equal(h.clock.Now())
	}, waitFor, 10*time.Millisecond)

	h.clock.Advance(60 * time.Second)
	require.True(t, h.svc.pipeline.Reactive(event.NewEvent(h.svc, nil, payload.SinkZombieCheck)))
	assert.Never(t, func() bool { return h.svc.Sessions().Count() == 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestService_ClientCloseEndsStream(t *testing.T) {
	h := newServiceHarness(t, nil)
	client, result := h.connect(t)
	subscribe(t, client, "svc", "")

	require.NoError(t, client.Close())
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("stream not closed")
	}
	assert.Equal(t, 0, h.svc.Sessions().Count())
}

// gatedStream holds every Send until gate is closed
type gatedStream struct {
	*pipeEnd
	sending chan struct{}
	gate    chan struct{}
}

func (g *gatedStream) Send(f *payload.Frame) error {
	select {
	case g.sending <- struct{}{}:
	default:
	}
	<-g.gate
	return g.pipeEnd.Send(f)
}

func TestService_HandleStreamWaitsForWriter(t *testing.T) {
	h := newServiceHarness(t, nil)
	client, server := newPipe()
	stream := &gatedStream{pipeEnd: server, sending: make(chan struct{}, 1), gate: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- h.svc.HandleStream(ctx, stream, "10.0.0.1:5000")
	}()

	client.sendJSON(t, payload.SinkSubscribe, payload.SubscribeMetadata{ServiceName: "svc"})
	select {
	case <-stream.sending:
	case <-time.After(waitFor):
		t.Fatal("ack was never written")
	}

	cancel()
	assert.Never(t, func() bool { return len(result) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"handler returned while a write was in flight")

	close(stream.gate)
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("handler did not return")
	}
	assert.Equal(t, 0, h.svc.Sessions().Count())
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, Options{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestSession_MaxSubscriptions(t *testing.T) {
	_, server := newPipe()
	mux := bistream.New(server, bistream.Options{Logger: zerolog.Nop()})
	s := newSession(mux, "addr", 1, time.Now())

	added, err := s.Subscribe(payload.SubscribeMetadata{ServiceName: "a"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Subscribe(payload.SubscribeMetadata{ServiceName: "a"})
	require.NoError(t, err)
	assert.False(t, added)

	_, err = s.Subscribe(payload.SubscribeMetadata{ServiceName: "b"})
	assert.Error(t, err)
	assert.Equal(t, []subscription.Key{"a"}, s.Keys())

	s.Close()
	assert.ErrorIs(t, s.Push(payload.PushPacket{Type: payload.PacketHeartbeat}), ErrSessionClosed)
}

func TestRetransmitter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRetransmitter(2, clock)

	r.Track("s1", "svc", payload.PushPacket{Type: payload.PacketService, LastRefTime: 10})
	r.Track("s2", "svc", payload.PushPacket{Type: payload.PacketService, LastRefTime: 10})
	assert.Equal(t, 2, r.Len())

	assert.False(t, r.Ack("s1", "svc", 9), "older ack does not clear")
	assert.True(t, r.Ack("s1", "svc", 10))
	assert.False(t, r.Ack("s1", "svc", 10))

	resend, dropped := r.Due(time.Second)
	assert.Empty(t, resend)
	assert.Empty(t, dropped)

	clock.Advance(time.Second)
	resend, dropped = r.Due(time.Second)
	require.Len(t, resend, 1)
	assert.Equal(t, 2, resend[0].Attempts)
	assert.Empty(t, dropped)

	clock.Advance(time.Second)
	resend, dropped = r.Due(time.Second)
	assert.Empty(t, resend)
	require.Len(t, dropped, 1)
	assert.Equal(t, "s2", dropped[0].SessionID)
	assert.Equal(t, 0, r.Len())

	r.Track("s3", "a", payload.PushPacket{})
	r.Track("s3", "b", payload.PushPacket{})
	r.ForgetSession("s3")
	assert.Equal(t, 0, r.Len())
}

func TestManager_IdleAndSubscribers(t *testing.T) {
	m := NewManager(10, nil, zerolog.Nop())
	now := time.Now()

	_, s1 := newPipe()
	_, s2 := newPipe()
	a := m.Add(bistream.New(s1, bistream.Options{Logger: zerolog.Nop()}), "a", now.Add(-time.Minute))
	b := m.Add(bistream.New(s2, bistream.Options{Logger: zerolog.Nop()}), "b", now)
	_, err := b.Subscribe(payload.SubscribeMetadata{ServiceName: "svc"})
	require.NoError(t, err)

	idle := m.Idle(30*time.Second, now)
	require.Len(t, idle, 1)
	assert.Equal(t, a.ID(), idle[0].ID())

	subs := m.Subscribers("svc")
	require.Len(t, subs, 1)
	assert.Equal(t, b.ID(), subs[0].ID())

	assert.NotNil(t, m.Remove(a.ID()))
	assert.Nil(t, m.Remove(a.ID()))
	assert.Equal(t, 1, m.Count())

	m.CloseAll()
	assert.Equal(t, 0, m.Count())
}

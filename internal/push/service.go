package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"namingpush/internal/bistream"
	"namingpush/internal/event"
	"namingpush/internal/metrics"
	"namingpush/internal/payload"
	"namingpush/internal/subscription"
	"namingpush/internal/upstream"
)

const side = "server"

// Default option values
const (
	DefaultZombieThreshold   = 90 * time.Second
	DefaultCheckInterval     = 5 * time.Second
	DefaultRetransmitTimeout = 10 * time.Second
	DefaultMaxRetransmits    = 3
	DefaultMaxSubscriptions  = 1000
)

// Store holds the current service infos served to subscribers
type Store interface {
	Get(serviceName, clusters string) (*payload.ServiceInfo, bool)
	Put(info *payload.ServiceInfo) bool
}

// Options configures a Service
type Options struct {
	ZombieThreshold            time.Duration
	CheckInterval              time.Duration
	RetransmitTimeout          time.Duration
	MaxRetransmits             int
	MaxSubscriptionsPerSession int
	SendQueueSize              int
	PipelineWorkers            int

	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.ZombieThreshold <= 0 {
		o.ZombieThreshold = DefaultZombieThreshold
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.RetransmitTimeout <= 0 {
		o.RetransmitTimeout = DefaultRetransmitTimeout
	}
	if o.MaxRetransmits <= 0 {
		o.MaxRetransmits = DefaultMaxRetransmits
	}
	if o.MaxSubscriptionsPerSession <= 0 {
		o.MaxSubscriptionsPerSession = DefaultMaxSubscriptions
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Service is the server end of the push stream. It accepts client streams,
// records their subscriptions and pushes service changes to them.
type Service struct {
	opts       Options
	store      Store
	manager    *Manager
	retransmit *Retransmitter
	pipeline   *event.Reactive
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a Service serving infos from store
func NewService(store Store, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("service store is required")
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		opts:       opts,
		store:      store,
		manager:    NewManager(opts.MaxSubscriptionsPerSession, opts.Metrics, opts.Logger),
		retransmit: NewRetransmitter(opts.MaxRetransmits, opts.Clock),
		pipeline:   event.NewReactive("server", opts.PipelineWorkers, opts.Metrics, opts.Logger),
		metrics:    opts.Metrics,
		logger:     opts.Logger.With().Str("component", "push").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := s.pipeline.AddFilter(event.FilterFunc(s.recordActivity)); err != nil {
		cancel()
		return nil, err
	}
	listeners := []event.Listener{
		event.NewListener(s.onSubscribe, payload.SinkSubscribe),
		event.NewListener(s.onDuration, payload.SinkSubscribeDuration),
		event.NewListener(s.onPushAck, payload.SinkPushAck),
		event.NewListener(s.onHeartbeat, payload.SinkHeartbeat),
		event.NewListener(s.onZombieCheck, payload.SinkZombieCheck),
		event.NewListener(s.onRetransmit, payload.SinkRetransmit),
	}
	for _, l := range listeners {
		if err := s.pipeline.AddListener(l); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

// Start starts the pipeline and the heartbeat ticker
func (s *Service) Start() error {
	if err := s.pipeline.Start(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info().
		Dur("checkInterval", s.opts.CheckInterval).
		Dur("zombieThreshold", s.opts.ZombieThreshold).
		Msg("push service started")
	return nil
}

// HandleStream serves one client stream and blocks until it ends
func (s *Service) HandleStream(ctx context.Context, stream upstream.Stream, remoteAddr string) error {
	mux := bistream.New(stream, bistream.Options{
		QueueSize: s.opts.SendQueueSize,
		Metrics:   s.metrics,
		Logger:    s.opts.Logger,
	})
	for _, sink := range []string{
		payload.SinkSubscribe,
		payload.SinkSubscribeDuration,
		payload.SinkPushAck,
		payload.SinkHeartbeat,
	} {
		mux.Bind(sink, s.pipeline)
	}

	session := s.manager.Add(mux, remoteAddr, s.opts.Clock.Now())
	mux.Start()
	s.logger.Info().
		Str("session", session.ID()).
		Str("remoteAddr", remoteAddr).
		Msg("client stream opened")

	select {
	case <-ctx.Done():
	case <-mux.Done():
	case <-s.ctx.Done():
	}

	s.dropSession(session.ID())
	// the transport stream must not be written once this handler returns
	<-mux.WriterDone()

	err := mux.Err()
	s.logger.Info().
		Err(err).
		Str("session", session.ID()).
		Msg("client stream closed")
	if isNormalClose(err) {
		return nil
	}
	return err
}

// Emit stores info and pushes it to every subscribed session.
// Returns the number of sessions pushed to.
func (s *Service) Emit(info *payload.ServiceInfo) int {
	if info == nil || info.Name == "" {
		return 0
	}
	if !s.store.Put(info) {
		s.logger.Debug().
			Str("service", info.Key()).
			Int64("lastRefTime", info.LastRefTime).
			Msg("stale service info ignored")
		return 0
	}

	key := subscription.Key(info.Key())
	pushed := 0
	for _, session := range s.manager.Subscribers(key) {
		if s.pushTo(session, key, info) {
			pushed++
		}
	}
	s.logger.Debug().
		Str("service", string(key)).
		Int("sessions", pushed).
		Msg("service change emitted")
	return pushed
}

// Sessions returns the session manager
func (s *Service) Sessions() *Manager {
	return s.manager
}

// Close closes every session and stops the pipeline
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
	s.manager.CloseAll()
	s.pipeline.Close()
	s.logger.Info().Msg("push service stopped")
}

func (s *Service) dropSession(id string) {
	if s.manager.Remove(id) != nil {
		s.retransmit.ForgetSession(id)
	}
}

// pushTo sends info to session and tracks it for retransmission
func (s *Service) pushTo(session *Session, key subscription.Key, info *payload.ServiceInfo) bool {
	data, err := payload.Marshal(info)
	if err != nil {
		s.logger.Error().Err(err).Str("service", string(key)).Msg("failed to encode service info")
		return false
	}
	pkt := payload.PushPacket{
		Type:        payload.PacketService,
		LastRefTime: info.LastRefTime,
		ServiceKey:  string(key),
		Data:        string(data),
	}
	if err := session.Push(pkt); err != nil {
		s.logger.Warn().
			Err(err).
			Str("session", session.ID()).
			Str("service", string(key)).
			Msg("push failed")
		return false
	}
	s.retransmit.Track(session.ID(), key, pkt)
	return true
}

// sessionOf returns the session an inbound event arrived on
func (s *Service) sessionOf(ev *event.Event) *Session {
	mux, ok := ev.Source().(*bistream.Multiplexer)
	if !ok {
		return nil
	}
	return s.manager.Get(mux.ID())
}

func (s *Service) tickLoop() {
	defer s.wg.Done()
	ticker := s.opts.Clock.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			s.heartbeat()
			s.pipeline.Reactive(event.NewEvent(s, nil, payload.SinkZombieCheck))
			s.pipeline.Reactive(event.NewEvent(s, nil, payload.SinkRetransmit))
		}
	}
}

func (s *Service) heartbeat() {
	pkt := payload.PushPacket{
		Type:        payload.PacketHeartbeat,
		LastRefTime: s.opts.Clock.Now().UnixMilli(),
	}
	for _, session := range s.manager.All() {
		if err := session.Push(pkt); err != nil {
			s.logger.Debug().Err(err).Str("session", session.ID()).Msg("heartbeat not sent")
		}
	}
}

func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, bistream.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return status.Code(err) == codes.Canceled
}

func decodeFrame(ev *event.Event, v any) error {
	f, ok := ev.Value().(*payload.Frame)
	if !ok {
		return fmt.Errorf("unexpected %s value %T", ev.Sink(), ev.Value())
	}
	if err := payload.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", ev.Sink(), err)
	}
	return nil
}

package naming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"namingpush/internal/balancer"
	"namingpush/internal/bistream"
	"namingpush/internal/event"
	"namingpush/internal/metrics"
	"namingpush/internal/payload"
	"namingpush/internal/subscription"
	"namingpush/internal/upstream"
)

// session is one open push stream on one channel
type session struct {
	ch  upstream.Channel
	mux *bistream.Multiplexer
}

// Coordinator keeps a client subscribed to services over a single push stream.
// It owns the channel directory, the active channel, the subscription registry
// and the client event pipeline.
type Coordinator struct {
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger

	directory *upstream.Directory
	selector  *balancer.Selector
	registry  *subscription.Registry
	tracker   *subscription.Tracker
	dedup     *subscription.Deduplicator
	pipeline  *event.Reactive
	health    *upstream.HealthMonitor

	current      atomic.Pointer[session]
	reconnecting atomic.Bool
	started      atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Coordinator. Call Start to select a channel and open the stream.
func New(opts Options) (*Coordinator, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	dedup, err := subscription.NewDeduplicator(opts.PushDedupSize)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.With().Str("component", "coordinator").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	directory := upstream.NewDirectory(opts.DiscoveryPort, opts.Channels, opts.Logger)
	c := &Coordinator{
		opts:      opts,
		metrics:   opts.Metrics,
		logger:    logger,
		directory: directory,
		selector:  balancer.NewSelector(directory, opts.Metrics, opts.Logger),
		registry:  subscription.NewRegistry(),
		tracker:   subscription.NewTracker(opts.Clock),
		dedup:     dedup,
		pipeline:  event.NewReactive("client", opts.PipelineWorkers, opts.Metrics, opts.Logger),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.health = upstream.NewHealthMonitor(c.selector.Active, c.onChannelFailure,
		opts.CheckInterval, opts.StatusLogInterval, opts.Clock, opts.Logger)

	if err := c.registerPipeline(); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) registerPipeline() error {
	if err := c.pipeline.AddFilter(event.FilterFunc(c.remotingActive)); err != nil {
		return err
	}
	listeners := []event.Listener{
		event.NewListener(c.onPush, payload.SinkSubscribe),
		event.NewListener(c.onDuration, payload.SinkSubscribeDuration),
		event.NewListener(c.onZombieCheck, payload.SinkZombieCheck),
		event.NewListener(c.onRetransmit, payload.SinkRetransmit),
	}
	for _, l := range listeners {
		if err := c.pipeline.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Start selects a channel, opens the push stream and starts the background loops.
// A NoLiveServer error is returned to the caller; a stream that cannot be
// opened on the selected channel is retried in the background.
func (c *Coordinator) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already started")
	}
	if err := c.pipeline.Start(); err != nil {
		return err
	}
	if err := c.InitChannel(); err != nil {
		return fmt.Errorf("failed to initialize push channel: %w", err)
	}

	if err := c.openStream(); err != nil {
		c.logger.Warn().Err(err).Msg("failed to open push stream, reconnecting in background")
		c.scheduleReconnect(nil)
	}

	c.health.Start()
	c.wg.Add(1)
	go c.tickLoop()

	c.logger.Info().
		Strs("servers", c.opts.Servers.Servers()).
		Str("namespace", c.opts.Servers.NamespaceID()).
		Msg("push coordinator started")
	return nil
}

// InitChannel selects the active channel from the configured server list
func (c *Coordinator) InitChannel() error {
	_, err := c.selector.Select(c.opts.Servers.Servers())
	return err
}

// RequestServiceInfo returns the best locally known info for a service and
// makes sure a subscription for it exists. It never waits for the subscribe.
func (c *Coordinator) RequestServiceInfo(serviceName, clusters string) *payload.ServiceInfo {
	info, ok := c.opts.Cache.Get(serviceName, clusters)
	served := info
	if !ok || info == nil {
		served = &payload.ServiceInfo{Name: serviceName, Clusters: clusters}
	}

	meta := c.newMetadata(serviceName, clusters)
	c.EnsureSubscribed(meta, false)

	if meta.Success {
		report := &payload.DurationReport{
			ServiceKey:      meta.Key(),
			CacheTTLSeconds: served.CacheMillis / int64(time.Second/time.Millisecond),
		}
		if ok {
			report.Result = info
		}
		c.pipeline.Reactive(event.NewEvent(c, report, payload.SinkSubscribeDuration))
	}
	return served
}

// EnsureSubscribed sends a subscribe for meta unless one is already outstanding.
// meta.Success reports whether this call acquired the subscribe.
func (c *Coordinator) EnsureSubscribed(meta *payload.SubscribeMetadata, force bool) bool {
	key := subscription.NewKey(meta.ServiceName, meta.Clusters)
	if !c.registry.TryAcquire(key, force) {
		meta.Success = false
		c.metrics.SubscribeSkipped()
		return false
	}
	meta.Success = true
	c.tracker.MarkPending(key, *meta)

	s := c.current.Load()
	if s == nil {
		c.logger.Debug().
			Str("service", string(key)).
			Msg("no push stream, subscribe deferred until reconnect")
		return true
	}
	c.sendSubscribe(s, meta)
	return true
}

// UpdateServiceSync queries the servers directly and feeds a non-empty result
// through the same update path as pushes
func (c *Coordinator) UpdateServiceSync(ctx context.Context, serviceName, clusters string) error {
	if c.opts.Querier == nil {
		return errors.New("no service querier configured")
	}
	raw, err := c.opts.Querier.QueryList(ctx, serviceName, clusters)
	if err != nil {
		return fmt.Errorf("query %s: %w", payload.ServiceKey(serviceName, clusters), err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return c.applyUpdate(raw)
}

// SubscriptionState returns the lifecycle state of a service subscription
func (c *Coordinator) SubscriptionState(serviceName, clusters string) subscription.State {
	return c.tracker.State(subscription.NewKey(serviceName, clusters))
}

// ActiveChannel returns the selected channel or nil
func (c *Coordinator) ActiveChannel() upstream.Channel {
	return c.selector.Active()
}

// Connected returns true while a push stream is open
func (c *Coordinator) Connected() bool {
	return c.current.Load() != nil
}

// Close stops the coordinator and closes every channel it created
func (c *Coordinator) Close() error {
	c.cancel()
	c.health.Stop()
	if s := c.current.Swap(nil); s != nil {
		s.mux.Close()
	}
	c.wg.Wait()
	c.pipeline.Close()
	err := c.directory.Close()
	c.logger.Info().Msg("push coordinator stopped")
	return err
}

func (c *Coordinator) newMetadata(serviceName, clusters string) *payload.SubscribeMetadata {
	namespace := c.opts.Servers.NamespaceID()
	return &payload.SubscribeMetadata{
		NamespaceID:   namespace,
		ServiceName:   serviceName,
		Clusters:      clusters,
		ClientVersion: c.opts.ClientVersion,
		ClientIP:      c.opts.ClientIP,
		Timestamp:     c.opts.Clock.Now().UnixNano(),
		Tenant:        namespace,
		AppName:       c.opts.AppName,
	}
}

func (c *Coordinator) applyUpdate(raw string) error {
	return c.opts.Cache.UpdateServiceInfo(raw)
}

func (c *Coordinator) sendSubscribe(s *session, meta *payload.SubscribeMetadata) bool {
	if err := s.mux.SendJSON(payload.SinkSubscribe, meta); err != nil {
		c.handleSendFailure(s, err)
		return false
	}
	c.metrics.SubscribeSent()
	c.logger.Debug().
		Str("service", meta.ServiceName).
		Str("clusters", meta.Clusters).
		Msg("subscribe sent")
	return true
}

// resubscribeAll sends a forced subscribe for every live key on s
func (c *Coordinator) resubscribeAll(s *session) {
	metas := c.tracker.Snapshot()
	for i := range metas {
		meta := metas[i]
		key := subscription.NewKey(meta.ServiceName, meta.Clusters)
		c.registry.TryAcquire(key, true)
		meta.Timestamp = c.opts.Clock.Now().UnixNano()
		meta.Success = true
		c.tracker.MarkPending(key, meta)
		if !c.sendSubscribe(s, &meta) {
			// the rest are sent again by the next stream
			return
		}
	}
	if len(metas) > 0 {
		c.logger.Info().Int("subscriptions", len(metas)).Msg("resubscribed after stream open")
	}
}

func (c *Coordinator) openStream() error {
	ch := c.selector.Active()
	if ch == nil {
		return ErrNoActiveChannel
	}

	stream, err := ch.OpenStream(c.ctx)
	if err != nil {
		c.selector.Invalidate(ch)
		return err
	}

	s := &session{ch: ch}
	s.mux = bistream.New(stream, bistream.Options{
		QueueSize: c.opts.SendQueueSize,
		OnClose:   func(err error) { c.onStreamClosed(s, err) },
		Metrics:   c.metrics,
		Logger:    c.opts.Logger,
	})
	s.mux.Bind(payload.SinkSubscribe, c.pipeline)

	c.registry.Reset()
	c.dedup.Clear()
	c.current.Store(s)
	s.mux.Start()

	c.logger.Info().
		Str("address", ch.Address()).
		Str("stream", s.mux.ID()).
		Msg("push stream opened")

	c.resubscribeAll(s)
	return nil
}

// onStreamClosed runs on the stream receive goroutine and must not block
func (c *Coordinator) onStreamClosed(s *session, err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.logger.Warn().
		Err(err).
		Str("address", s.ch.Address()).
		Msg("push stream lost")
	c.scheduleReconnect(s)
}

func (c *Coordinator) onChannelFailure(ch upstream.Channel) {
	s := c.current.Load()
	if s == nil || s.ch != ch {
		return
	}
	c.scheduleReconnect(s)
}

func (c *Coordinator) handleSendFailure(s *session, err error) {
	c.logger.Warn().
		Err(err).
		Str("address", s.ch.Address()).
		Msg("send failed, reselecting channel")
	c.scheduleReconnect(s)
}

// scheduleReconnect retires s and starts the reconnect loop unless one is running
func (c *Coordinator) scheduleReconnect(s *session) {
	if s != nil {
		c.current.CompareAndSwap(s, nil)
		c.selector.Invalidate(s.ch)
		go s.mux.Close()
	}
	if c.ctx.Err() != nil {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnectLoop()
	}()
}

func (c *Coordinator) reconnectLoop() {
	for {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.opts.ReconnectInitialInterval
		b.MaxInterval = c.opts.ReconnectMaxInterval
		b.MaxElapsedTime = 0
		b.Reset()

		err := backoff.RetryNotify(c.reconnect, backoff.WithContext(b, c.ctx), func(err error, d time.Duration) {
			c.logger.Warn().
				Err(err).
				Dur("retryIn", d).
				Strs("channels", c.directory.Addresses()).
				Msg("reconnect failed")
		})
		c.reconnecting.Store(false)
		if err != nil {
			return
		}

		// the new stream may have failed before the flag was cleared
		if c.current.Load() != nil || c.ctx.Err() != nil {
			return
		}
		if !c.reconnecting.CompareAndSwap(false, true) {
			return
		}
	}
}

func (c *Coordinator) reconnect() error {
	if err := c.InitChannel(); err != nil {
		return err
	}
	return c.openStream()
}

func (c *Coordinator) tickLoop() {
	defer c.wg.Done()
	ticker := c.opts.Clock.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.Chan():
			c.tick()
		}
	}
}

func (c *Coordinator) tick() {
	c.pipeline.Reactive(event.NewEvent(c, nil, payload.SinkZombieCheck))
	c.pipeline.Reactive(event.NewEvent(c, nil, payload.SinkRetransmit))

	s := c.current.Load()
	if s == nil {
		return
	}
	hb := payload.Heartbeat{ClientIP: c.opts.ClientIP, Timestamp: c.opts.Clock.Now().UnixMilli()}
	if err := s.mux.SendJSON(payload.SinkHeartbeat, hb); err != nil {
		c.handleSendFailure(s, err)
	}
}

package naming

import (
	"fmt"

	"namingpush/internal/bistream"
	"namingpush/internal/event"
	"namingpush/internal/payload"
	"namingpush/internal/subscription"
)

const side = "client"

// remotingActive drops duration reports while no push stream is open
func (c *Coordinator) remotingActive(ev *event.Event) bool {
	if ev.Sink() != payload.SinkSubscribeDuration {
		return true
	}
	return c.current.Load() != nil
}

// onPush handles every inbound frame on the subscribe sink
func (c *Coordinator) onPush(ev *event.Event) error {
	f, ok := ev.Value().(*payload.Frame)
	if !ok {
		return fmt.Errorf("unexpected push value %T", ev.Value())
	}

	// any frame proves the server is alive
	c.tracker.TouchAll()

	pkt, err := payload.DecodePushPacket(f.Payload)
	if err != nil {
		c.metrics.DecodeFailed()
		c.logger.Warn().
			Err(err).
			Int("size", len(f.Payload)).
			Msg("push packet dropped")
		return nil
	}
	c.metrics.PushReceived(pkt.Type)

	switch pkt.Type {
	case payload.PacketService, payload.PacketDom:
		return c.handleServicePush(ev, pkt)
	case payload.PacketDump:
		c.logger.Debug().Int("size", len(pkt.Data)).Msg("dump received")
		if c.opts.OnDump != nil {
			c.opts.OnDump(pkt.Data)
		}
	case payload.PacketAck:
		if pkt.ServiceKey != "" {
			c.tracker.Touch(subscription.Key(pkt.ServiceKey))
		}
	default:
		c.logger.Debug().Str("type", pkt.Type).Msg("liveness packet")
	}
	return nil
}

func (c *Coordinator) handleServicePush(ev *event.Event, pkt *payload.PushPacket) error {
	key := pushKey(pkt)
	if key != "" {
		c.tracker.Touch(key)
		if c.dedup.IsDuplicate(key, pkt.LastRefTime) {
			c.logger.Debug().
				Str("service", string(key)).
				Int64("lastRefTime", pkt.LastRefTime).
				Msg("duplicate push ignored")
			c.ack(ev, key, pkt.LastRefTime)
			return nil
		}
	}

	if err := c.applyUpdate(pkt.Data); err != nil {
		if key != "" {
			c.dedup.Forget(key)
		}
		return fmt.Errorf("apply %s push: %w", pkt.Type, err)
	}

	if key != "" {
		c.ack(ev, key, pkt.LastRefTime)
	}
	return nil
}

// ack answers on the stream the push arrived on
func (c *Coordinator) ack(ev *event.Event, key subscription.Key, lastRefTime int64) {
	mux, ok := ev.Source().(*bistream.Multiplexer)
	if !ok {
		return
	}
	ack := payload.PushAck{ServiceKey: string(key), LastRefTime: lastRefTime}
	if err := mux.SendJSON(payload.SinkPushAck, ack); err != nil {
		c.logger.Debug().Err(err).Str("service", string(key)).Msg("push ack not sent")
	}
}

func (c *Coordinator) onDuration(ev *event.Event) error {
	report, ok := ev.Value().(*payload.DurationReport)
	if !ok {
		return fmt.Errorf("unexpected duration value %T", ev.Value())
	}
	s := c.current.Load()
	if s == nil {
		return nil
	}
	if err := s.mux.SendJSON(payload.SinkSubscribeDuration, report); err != nil {
		c.handleSendFailure(s, err)
	}
	return nil
}

func (c *Coordinator) onZombieCheck(*event.Event) error {
	for _, key := range c.tracker.Zombies(c.opts.ZombieThreshold) {
		c.tracker.Remove(key)
		c.registry.Remove(key)
		c.dedup.Forget(key)
		c.metrics.ZombieReaped(side)
		c.logger.Info().Str("service", string(key)).Msg("zombie subscription removed")
	}
	return nil
}

func (c *Coordinator) onRetransmit(*event.Event) error {
	if c.current.Load() == nil {
		return nil
	}
	pending := c.tracker.Pending(c.opts.RetransmitTimeout)
	for i := range pending {
		meta := pending[i]
		meta.Timestamp = c.opts.Clock.Now().UnixNano()
		c.EnsureSubscribed(&meta, true)
		c.metrics.Retransmitted(side)
	}
	if len(pending) > 0 {
		c.logger.Debug().Int("count", len(pending)).Msg("subscribes retransmitted")
	}
	return nil
}

// pushKey returns the subscription key a service push refers to
func pushKey(pkt *payload.PushPacket) subscription.Key {
	if pkt.ServiceKey != "" {
		return subscription.Key(pkt.ServiceKey)
	}
	var hdr struct {
		Name     string `json:"name"`
		Clusters string `json:"clusters"`
	}
	if err := payload.Unmarshal([]byte(pkt.Data), &hdr); err != nil || hdr.Name == "" {
		return ""
	}
	return subscription.NewKey(hdr.Name, hdr.Clusters)
}

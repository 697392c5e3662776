package push

import (
	"namingpush/internal/bistream"
	"namingpush/internal/event"
	"namingpush/internal/payload"
	"namingpush/internal/subscription"
)

// recordActivity refreshes the session an inbound frame arrived on and drops
// frames from sessions that are already gone
func (s *Service) recordActivity(ev *event.Event) bool {
	if _, ok := ev.Source().(*bistream.Multiplexer); !ok {
		return true
	}
	session := s.sessionOf(ev)
	if session == nil {
		return false
	}
	session.Touch(s.opts.Clock.Now())
	return true
}

func (s *Service) onSubscribe(ev *event.Event) error {
	session := s.sessionOf(ev)
	if session == nil {
		return nil
	}

	var meta payload.SubscribeMetadata
	if err := decodeFrame(ev, &meta); err != nil {
		return err
	}
	key := subscription.NewKey(meta.ServiceName, meta.Clusters)

	added, err := session.Subscribe(meta)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("session", session.ID()).
			Str("service", string(key)).
			Msg("subscribe rejected")
		return err
	}
	if added {
		s.logger.Debug().
			Str("session", session.ID()).
			Str("service", string(key)).
			Str("clientIp", meta.ClientIP).
			Str("app", meta.AppName).
			Msg("client subscribed")
	}

	ack := payload.PushPacket{
		Type:        payload.PacketAck,
		ServiceKey:  string(key),
		LastRefTime: s.opts.Clock.Now().UnixMilli(),
	}
	if err := session.Push(ack); err != nil {
		return err
	}

	if info, ok := s.store.Get(meta.ServiceName, meta.Clusters); ok {
		s.pushTo(session, key, info)
	}
	return nil
}

func (s *Service) onDuration(ev *event.Event) error {
	var report payload.DurationReport
	if err := decodeFrame(ev, &report); err != nil {
		return err
	}
	s.logger.Debug().
		Str("service", report.ServiceKey).
		Int64("cacheTtlSeconds", report.CacheTTLSeconds).
		Bool("cached", report.Result != nil).
		Msg("subscribe duration reported")
	return nil
}

func (s *Service) onPushAck(ev *event.Event) error {
	session := s.sessionOf(ev)
	if session == nil {
		return nil
	}
	var ack payload.PushAck
	if err := decodeFrame(ev, &ack); err != nil {
		return err
	}
	s.retransmit.Ack(session.ID(), subscription.Key(ack.ServiceKey), ack.LastRefTime)
	return nil
}

func (s *Service) onHeartbeat(ev *event.Event) error {
	var hb payload.Heartbeat
	if err := decodeFrame(ev, &hb); err != nil {
		return err
	}
	s.logger.Trace().Str("clientIp", hb.ClientIP).Msg("heartbeat")
	return nil
}

func (s *Service) onZombieCheck(*event.Event) error {
	for _, session := range s.manager.Idle(s.opts.ZombieThreshold, s.opts.Clock.Now()) {
		s.dropSession(session.ID())
		s.metrics.ZombieReaped(side)
		s.logger.Info().
			Str("session", session.ID()).
			Str("remoteAddr", session.RemoteAddr()).
			Time("lastActive", session.LastActive()).
			Msg("zombie session removed")
	}
	return nil
}

func (s *Service) onRetransmit(*event.Event) error {
	resend, dropped := s.retransmit.Due(s.opts.RetransmitTimeout)
	for _, p := range resend {
		session := s.manager.Get(p.SessionID)
		if session == nil {
			continue
		}
		if err := session.Push(p.Packet); err != nil {
			s.logger.Debug().Err(err).Str("session", p.SessionID).Msg("retransmit failed")
			continue
		}
		s.metrics.Retransmitted(side)
	}
	for _, p := range dropped {
		s.logger.Warn().
			Str("session", p.SessionID).
			Str("service", string(p.Key)).
			Int("attempts", p.Attempts).
			Msg("push never acknowledged, giving up")
	}
	return nil
}

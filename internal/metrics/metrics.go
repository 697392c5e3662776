package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "namingpush"

// Metrics holds the collectors shared by client and server.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	subscribeSent     prometheus.Counter
	subscribeSkipped  prometheus.Counter
	pushReceived      *prometheus.CounterVec
	decodeFailures    prometheus.Counter
	listenerFailures  *prometheus.CounterVec
	sendFailures      *prometheus.CounterVec
	channelSelections *prometheus.CounterVec
	zombiesReaped     *prometheus.CounterVec
	retransmits       *prometheus.CounterVec
	pipelineBacklog   *prometheus.GaugeVec
	sessions          prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		subscribeSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_sent_total",
			Help:      "Subscribe frames sent upstream",
		}),
		subscribeSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_skipped_total",
			Help:      "Subscribe attempts skipped because one was already outstanding",
		}),
		pushReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_received_total",
			Help:      "Push packets received by type",
		}, []string{"type"}),
		decodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_decode_failures_total",
			Help:      "Inbound push payloads that could not be decoded",
		}),
		listenerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_failures_total",
			Help:      "Listener invocations that returned an error or panicked",
		}, []string{"pipeline", "sink"}),
		sendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Frames that could not be handed to the stream",
		}, []string{"sink"}),
		channelSelections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_selections_total",
			Help:      "Channel selection attempts by outcome",
		}, []string{"outcome"}),
		zombiesReaped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zombies_reaped_total",
			Help:      "Subscriptions or sessions removed after prolonged inactivity",
		}, []string{"side"}),
		retransmits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Frames sent again after missing an answer",
		}, []string{"side"}),
		pipelineBacklog: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_backlog",
			Help:      "Events queued for listener dispatch",
		}, []string{"pipeline"}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_sessions",
			Help:      "Open push sessions on the server",
		}),
	}
}

func (m *Metrics) SubscribeSent() {
	if m == nil {
		return
	}
	m.subscribeSent.Inc()
}

func (m *Metrics) SubscribeSkipped() {
	if m == nil {
		return
	}
	m.subscribeSkipped.Inc()
}

func (m *Metrics) PushReceived(packetType string) {
	if m == nil {
		return
	}
	m.pushReceived.WithLabelValues(packetType).Inc()
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) ListenerFailed(pipeline, sink string) {
	if m == nil {
		return
	}
	m.listenerFailures.WithLabelValues(pipeline, sink).Inc()
}

func (m *Metrics) SendFailed(sink string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(sink).Inc()
}

// ChannelSelected records a selection outcome: "selected", "no_live_server" or "error"
func (m *Metrics) ChannelSelected(outcome string) {
	if m == nil {
		return
	}
	m.channelSelections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ZombieReaped(side string) {
	if m == nil {
		return
	}
	m.zombiesReaped.WithLabelValues(side).Inc()
}

func (m *Metrics) Retransmitted(side string) {
	if m == nil {
		return
	}
	m.retransmits.WithLabelValues(side).Inc()
}

func (m *Metrics) AddBacklog(pipeline string, delta float64) {
	if m == nil {
		return
	}
	m.pipelineBacklog.WithLabelValues(pipeline).Add(delta)
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

package naming

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"namingpush/internal/metrics"
	"namingpush/internal/payload"
	"namingpush/internal/upstream"
)

// ErrNoActiveChannel is returned when a stream is requested without a selected channel
var ErrNoActiveChannel = errors.New("no active channel")

// ServerListProvider supplies the server addresses and the client namespace
type ServerListProvider interface {
	Servers() []string
	NamespaceID() string
}

// ServiceCache is the local service-state store fed by pushes and queries
type ServiceCache interface {
	Get(serviceName, clusters string) (*payload.ServiceInfo, bool)
	UpdateServiceInfo(raw string) error
}

// ServiceQuerier performs the non-streaming instance list query
type ServiceQuerier interface {
	QueryList(ctx context.Context, serviceName, clusters string) (string, error)
}

// DumpHandler receives server-initiated full-state dumps
type DumpHandler func(data string)

// Options configures a Coordinator
type Options struct {
	Servers  ServerListProvider
	Channels upstream.Factory
	Cache    ServiceCache
	Querier  ServiceQuerier
	OnDump   DumpHandler

	DiscoveryPort int
	ClientVersion string
	ClientIP      string
	AppName       string

	ZombieThreshold          time.Duration
	CheckInterval            time.Duration
	StatusLogInterval        time.Duration
	RetransmitTimeout        time.Duration
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration

	SendQueueSize   int
	PipelineWorkers int
	PushDedupSize   int

	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Default option values
const (
	DefaultDiscoveryPort            = 28848
	DefaultZombieThreshold          = 90 * time.Second
	DefaultCheckInterval            = 10 * time.Second
	DefaultRetransmitTimeout        = 10 * time.Second
	DefaultReconnectInitialInterval = 500 * time.Millisecond
	DefaultReconnectMaxInterval     = 30 * time.Second
	DefaultPushDedupSize            = 1024
	DefaultClientVersion            = "namingpush-go"
)

func (o *Options) applyDefaults() {
	if o.DiscoveryPort == 0 {
		o.DiscoveryPort = DefaultDiscoveryPort
	}
	if o.ClientVersion == "" {
		o.ClientVersion = DefaultClientVersion
	}
	if o.ZombieThreshold <= 0 {
		o.ZombieThreshold = DefaultZombieThreshold
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.RetransmitTimeout <= 0 {
		o.RetransmitTimeout = DefaultRetransmitTimeout
	}
	if o.ReconnectInitialInterval <= 0 {
		o.ReconnectInitialInterval = DefaultReconnectInitialInterval
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = DefaultReconnectMaxInterval
	}
	if o.PushDedupSize <= 0 {
		o.PushDedupSize = DefaultPushDedupSize
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

func (o *Options) validate() error {
	if o.Servers == nil {
		return errors.New("server list provider is required")
	}
	if o.Channels == nil {
		return errors.New("channel factory is required")
	}
	if o.Cache == nil {
		return errors.New("service cache is required")
	}
	return nil
}

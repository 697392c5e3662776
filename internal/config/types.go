package config

import "time"

// Transport selects the push stream transport
type Transport string

const (
	TransportGRPC      Transport = "grpc"
	TransportWebSocket Transport = "websocket"
)

// Config represents the main configuration structure
type Config struct {
	LogLevel             string               `mapstructure:"logLevel"`
	ServerAddrs          []string             `mapstructure:"serverAddrs"`
	NamespaceID          string               `mapstructure:"namespaceId"`
	DiscoveryPort        int                  `mapstructure:"discoveryPort"` // push stream port, applied to every server address
	QueryPort            int                  `mapstructure:"queryPort"`
	Transport            Transport            `mapstructure:"transport"`
	ClientVersion        string               `mapstructure:"clientVersion"`
	ClientIP             string               `mapstructure:"clientIp"`
	AppName              string               `mapstructure:"appName"`
	ZombieThreshold      int                  `mapstructure:"zombieThreshold"`      // ms
	CheckInterval        int                  `mapstructure:"checkInterval"`        // ms
	StatusLogInterval    int                  `mapstructure:"statusLogInterval"`    // ms
	RetransmitTimeout    int                  `mapstructure:"retransmitTimeout"`    // ms
	ReconnectMaxInterval int                  `mapstructure:"reconnectMaxInterval"` // ms
	RequestTimeout       int                  `mapstructure:"requestTimeout"`       // ms
	PushDedupSize        int                  `mapstructure:"pushDedupSize"`
	SendQueueSize        int                  `mapstructure:"sendQueueSize"`
	PipelineWorkers      int                  `mapstructure:"pipelineWorkers"`
	CacheSize            int                  `mapstructure:"cacheSize"`
	CircuitBreaker       CircuitBreakerConfig `mapstructure:"circuitBreaker"`
	MetricsAddr          string               `mapstructure:"metricsAddr"`
	Server               ServerConfig         `mapstructure:"server"`
}

// CircuitBreakerConfig configures the websocket dial circuit breaker
type CircuitBreakerConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	FailureThreshold int  `mapstructure:"failureThreshold"`
	RecoveryTimeout  int  `mapstructure:"recoveryTimeout"` // ms
}

// ServerConfig represents the push server section
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	GRPCPort          int    `mapstructure:"grpcPort"`
	WSPort            int    `mapstructure:"wsPort"`
	HTTPPort          int    `mapstructure:"httpPort"`
	ZombieThreshold   int    `mapstructure:"zombieThreshold"`   // ms
	HeartbeatInterval int    `mapstructure:"heartbeatInterval"` // ms
	RetransmitTimeout int    `mapstructure:"retransmitTimeout"` // ms
	MaxRetransmits    int    `mapstructure:"maxRetransmits"`
	MaxSubscriptions  int    `mapstructure:"maxSubscriptionsPerClient"`
	CacheSize         int    `mapstructure:"cacheSize"`
	Services          string `mapstructure:"services"` // path to a JSON array of seed service infos
}

// Default values
const (
	DefaultLogLevel             = "info"
	DefaultDiscoveryPort        = 28848
	DefaultQueryPort            = 8848
	DefaultTransport            = TransportGRPC
	DefaultClientVersion        = "namingpush-go"
	DefaultZombieThreshold      = 90000 // ms
	DefaultCheckInterval        = 10000 // ms
	DefaultStatusLogInterval    = 60000 // ms
	DefaultRetransmitTimeout    = 10000 // ms
	DefaultReconnectMaxInterval = 30000 // ms
	DefaultRequestTimeout       = 5000  // ms
	DefaultPushDedupSize        = 1024
	DefaultSendQueueSize        = 1024
	DefaultPipelineWorkers      = 1
	DefaultCacheSize            = 10000
	DefaultFailureThreshold     = 3
	DefaultRecoveryTimeout      = 10000 // ms

	DefaultServerHost        = "0.0.0.0"
	DefaultGRPCPort          = 28848
	DefaultWSPort            = 28849
	DefaultHTTPPort          = 8848
	DefaultHeartbeatInterval = 5000 // ms
	DefaultMaxRetransmits    = 3
	DefaultMaxSubscriptions  = 1000
)

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// GetZombieThresholdDuration returns the zombie threshold as time.Duration
func (c *Config) GetZombieThresholdDuration() time.Duration {
	return ms(c.ZombieThreshold)
}

// GetCheckIntervalDuration returns the check interval as time.Duration
func (c *Config) GetCheckIntervalDuration() time.Duration {
	return ms(c.CheckInterval)
}

// GetStatusLogIntervalDuration returns status log interval as time.Duration
func (c *Config) GetStatusLogIntervalDuration() time.Duration {
	return ms(c.StatusLogInterval)
}

// GetRetransmitTimeoutDuration returns the re-transmit timeout as time.Duration
func (c *Config) GetRetransmitTimeoutDuration() time.Duration {
	return ms(c.RetransmitTimeout)
}

// GetReconnectMaxIntervalDuration returns the reconnect backoff cap as time.Duration
func (c *Config) GetReconnectMaxIntervalDuration() time.Duration {
	return ms(c.ReconnectMaxInterval)
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return ms(c.RequestTimeout)
}

// GetRecoveryTimeoutDuration returns the breaker recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return ms(c.RecoveryTimeout)
}

// GetZombieThresholdDuration returns the session zombie threshold as time.Duration
func (c *ServerConfig) GetZombieThresholdDuration() time.Duration {
	return ms(c.ZombieThreshold)
}

// GetHeartbeatIntervalDuration returns the heartbeat interval as time.Duration
func (c *ServerConfig) GetHeartbeatIntervalDuration() time.Duration {
	return ms(c.HeartbeatInterval)
}

// GetRetransmitTimeoutDuration returns the push re-transmit timeout as time.Duration
func (c *ServerConfig) GetRetransmitTimeoutDuration() time.Duration {
	return ms(c.RetransmitTimeout)
}

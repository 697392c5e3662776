package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"namingpush/internal/netutil"
)

// EnvPrefix prefixes every environment override, e.g. NAMINGPUSH_SERVERADDRS
const EnvPrefix = "namingpush"

// flagKeys maps command line flags to config keys
var flagKeys = map[string]string{
	"log-level":      "logLevel",
	"server-addrs":   "serverAddrs",
	"namespace":      "namespaceId",
	"transport":      "transport",
	"metrics-addr":   "metricsAddr",
	"discovery-port": "discoveryPort",
	"grpc-port":      "server.grpcPort",
	"ws-port":        "server.wsPort",
	"http-port":      "server.httpPort",
	"services":       "server.services",
}

// LoadClient reads the client configuration. path may be empty, in which
// case only defaults, environment and flags apply.
func LoadClient(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg, err := load(path, flags)
	if err != nil {
		return nil, err
	}
	if err := validateClient(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadServer reads the configuration of the push server
func LoadServer(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg, err := load(path, flags)
	if err != nil {
		return nil, err
	}
	if err := validateServer(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for flag, key := range flagKeys {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", DefaultLogLevel)
	v.SetDefault("serverAddrs", []string{})
	v.SetDefault("namespaceId", "")
	v.SetDefault("discoveryPort", DefaultDiscoveryPort)
	v.SetDefault("queryPort", DefaultQueryPort)
	v.SetDefault("transport", string(DefaultTransport))
	v.SetDefault("clientVersion", DefaultClientVersion)
	v.SetDefault("clientIp", "")
	v.SetDefault("appName", "")
	v.SetDefault("zombieThreshold", DefaultZombieThreshold)
	v.SetDefault("checkInterval", DefaultCheckInterval)
	v.SetDefault("statusLogInterval", DefaultStatusLogInterval)
	v.SetDefault("retransmitTimeout", DefaultRetransmitTimeout)
	v.SetDefault("reconnectMaxInterval", DefaultReconnectMaxInterval)
	v.SetDefault("requestTimeout", DefaultRequestTimeout)
	v.SetDefault("pushDedupSize", DefaultPushDedupSize)
	v.SetDefault("sendQueueSize", DefaultSendQueueSize)
	v.SetDefault("pipelineWorkers", DefaultPipelineWorkers)
	v.SetDefault("cacheSize", DefaultCacheSize)
	v.SetDefault("circuitBreaker.enabled", false)
	v.SetDefault("circuitBreaker.failureThreshold", DefaultFailureThreshold)
	v.SetDefault("circuitBreaker.recoveryTimeout", DefaultRecoveryTimeout)
	v.SetDefault("metricsAddr", "")

	v.SetDefault("server.host", DefaultServerHost)
	v.SetDefault("server.grpcPort", DefaultGRPCPort)
	v.SetDefault("server.wsPort", DefaultWSPort)
	v.SetDefault("server.httpPort", DefaultHTTPPort)
	v.SetDefault("server.zombieThreshold", DefaultZombieThreshold)
	v.SetDefault("server.heartbeatInterval", DefaultHeartbeatInterval)
	v.SetDefault("server.retransmitTimeout", DefaultRetransmitTimeout)
	v.SetDefault("server.maxRetransmits", DefaultMaxRetransmits)
	v.SetDefault("server.maxSubscriptionsPerClient", DefaultMaxSubscriptions)
	v.SetDefault("server.cacheSize", DefaultCacheSize)
	v.SetDefault("server.services", "")
}

// applyDefaults fills values that cannot be expressed as static defaults
func applyDefaults(cfg *Config) {
	if cfg.ClientIP == "" {
		cfg.ClientIP = netutil.LocalIP("127.0.0.1")
	}
	cfg.Transport = Transport(strings.ToLower(string(cfg.Transport)))
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
}

func validateCommon(cfg *Config) error {
	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: trace, debug, info, warn, error")
	}
	if cfg.ZombieThreshold <= 0 {
		return errors.New("zombieThreshold must be positive")
	}
	if cfg.CheckInterval <= 0 {
		return errors.New("checkInterval must be positive")
	}
	if cfg.RetransmitTimeout <= 0 {
		return errors.New("retransmitTimeout must be positive")
	}
	if cfg.SendQueueSize <= 0 {
		return errors.New("sendQueueSize must be positive")
	}
	if cfg.PipelineWorkers <= 0 {
		return errors.New("pipelineWorkers must be positive")
	}
	if cfg.CacheSize <= 0 {
		return errors.New("cacheSize must be positive")
	}
	return nil
}

// validateClient checks the client configuration for errors
func validateClient(cfg *Config) error {
	if err := validateCommon(cfg); err != nil {
		return err
	}

	if len(cfg.ServerAddrs) == 0 {
		return errors.New("at least one server address is required")
	}
	for i, addr := range cfg.ServerAddrs {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("serverAddrs[%d]: address is empty", i)
		}
	}

	if cfg.DiscoveryPort < 1 || cfg.DiscoveryPort > 65535 {
		return fmt.Errorf("discoveryPort must be between 1 and 65535")
	}
	if cfg.QueryPort < 1 || cfg.QueryPort > 65535 {
		return fmt.Errorf("queryPort must be between 1 and 65535")
	}
	if cfg.Transport != TransportGRPC && cfg.Transport != TransportWebSocket {
		return fmt.Errorf("transport must be 'grpc' or 'websocket'")
	}
	if cfg.PushDedupSize <= 0 {
		return errors.New("pushDedupSize must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("requestTimeout must be positive")
	}
	if cfg.ReconnectMaxInterval <= 0 {
		return errors.New("reconnectMaxInterval must be positive")
	}
	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.FailureThreshold <= 0 {
			return errors.New("circuitBreaker.failureThreshold must be positive when enabled")
		}
		if cfg.CircuitBreaker.RecoveryTimeout <= 0 {
			return errors.New("circuitBreaker.recoveryTimeout must be positive when enabled")
		}
	}
	return nil
}

// validateServer checks the server section for errors
func validateServer(cfg *Config) error {
	if err := validateCommon(cfg); err != nil {
		return err
	}

	s := cfg.Server
	for name, port := range map[string]int{"grpcPort": s.GRPCPort, "wsPort": s.WSPort, "httpPort": s.HTTPPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("server.%s must be between 1 and 65535", name)
		}
	}
	if s.GRPCPort == s.WSPort || s.GRPCPort == s.HTTPPort || s.WSPort == s.HTTPPort {
		return errors.New("server ports must be distinct")
	}
	if s.ZombieThreshold <= 0 {
		return errors.New("server.zombieThreshold must be positive")
	}
	if s.HeartbeatInterval <= 0 {
		return errors.New("server.heartbeatInterval must be positive")
	}
	if s.HeartbeatInterval >= s.ZombieThreshold {
		return errors.New("server.heartbeatInterval must be shorter than server.zombieThreshold")
	}
	if s.RetransmitTimeout <= 0 {
		return errors.New("server.retransmitTimeout must be positive")
	}
	if s.MaxRetransmits < 0 {
		return errors.New("server.maxRetransmits must be non-negative")
	}
	if s.MaxSubscriptions < 0 {
		return errors.New("server.maxSubscriptionsPerClient must be non-negative")
	}
	if s.CacheSize <= 0 {
		return errors.New("server.cacheSize must be positive")
	}
	return nil
}

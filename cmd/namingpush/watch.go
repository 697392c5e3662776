package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"namingpush/internal/cache"
	"namingpush/internal/config"
	"namingpush/internal/metrics"
	"namingpush/internal/naming"
	"namingpush/internal/payload"
	"namingpush/internal/proxy"
	"namingpush/internal/upstream"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Subscribe to a service and log every pushed change",
	RunE:  runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.String("service", "", "the service name to watch")
	f.String("clusters", "", "comma separated cluster list")
	f.StringSlice("server-addrs", nil, "naming server addresses (host[:port])")
	f.String("namespace", "", "the namespace id")
	f.String("transport", "", "push stream transport: grpc or websocket")
	f.Int("discovery-port", 0, "the push stream port")
	f.String("metrics-addr", "", "address to serve prometheus metrics on")
	_ = watchCmd.MarkFlagRequired("service")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadClient(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	serviceName, _ := cmd.Flags().GetString("service")
	clusters, _ := cmd.Flags().GetString("clusters")

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Strs("servers", cfg.ServerAddrs).
		Str("namespace", cfg.NamespaceID).
		Str("transport", string(cfg.Transport)).
		Str("service", serviceName).
		Str("clusters", clusters).
		Msg("starting watch")

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	metricsServer := serveMetrics(cfg.MetricsAddr, registry, logger)

	store, err := cache.NewMemoryCache(cfg.CacheSize, 0, nil)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	defer store.Close()
	store.SetOnUpdate(func(info *payload.ServiceInfo) {
		logger.Info().
			Str("service", info.Key()).
			Int64("lastRefTime", info.LastRefTime).
			Int("hosts", len(info.Hosts)).
			Msg("service updated")
	})

	servers := proxy.NewStaticServerList(cfg.ServerAddrs, cfg.NamespaceID)
	coordinator, err := naming.New(naming.Options{
		Servers:              servers,
		Channels:             channelFactory(cfg, logger),
		Cache:                store,
		Querier:              proxy.NewQueryClient(servers, cfg.QueryPort, cfg.GetRequestTimeoutDuration(), logger),
		OnDump:               func(data string) { logger.Info().Int("size", len(data)).Msg("dump received") },
		DiscoveryPort:        cfg.DiscoveryPort,
		ClientVersion:        cfg.ClientVersion,
		ClientIP:             cfg.ClientIP,
		AppName:              cfg.AppName,
		ZombieThreshold:      cfg.GetZombieThresholdDuration(),
		CheckInterval:        cfg.GetCheckIntervalDuration(),
		StatusLogInterval:    cfg.GetStatusLogIntervalDuration(),
		RetransmitTimeout:    cfg.GetRetransmitTimeoutDuration(),
		ReconnectMaxInterval: cfg.GetReconnectMaxIntervalDuration(),
		SendQueueSize:        cfg.SendQueueSize,
		PipelineWorkers:      cfg.PipelineWorkers,
		PushDedupSize:        cfg.PushDedupSize,
		Metrics:              m,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	defer coordinator.Close()

	if err := coordinator.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queryCtx, cancel := context.WithTimeout(ctx, cfg.GetRequestTimeoutDuration())
	if err := coordinator.UpdateServiceSync(queryCtx, serviceName, clusters); err != nil {
		logger.Warn().Err(err).Msg("initial query failed, waiting for push")
	}
	cancel()

	coordinator.RequestServiceInfo(serviceName, clusters)

	ticker := time.NewTicker(cfg.GetCheckIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("received shutdown signal")
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsServer.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		case <-ticker.C:
			info := coordinator.RequestServiceInfo(serviceName, clusters)
			logger.Debug().
				Str("service", info.Key()).
				Int("hosts", len(info.Hosts)).
				Str("state", coordinator.SubscriptionState(serviceName, clusters).String()).
				Bool("connected", coordinator.Connected()).
				Msg("service status")
		}
	}
}

func channelFactory(cfg *config.Config, logger zerolog.Logger) upstream.Factory {
	if cfg.Transport == config.TransportWebSocket {
		return upstream.NewWSFactory(upstream.DefaultWSPath, upstream.CircuitBreakerConfig{
			Enabled:          cfg.CircuitBreaker.Enabled,
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  cfg.CircuitBreaker.GetRecoveryTimeoutDuration(),
		}, logger)
	}
	return upstream.NewGRPCFactory(logger)
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info().Str("addr", addr).Msg("starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server error")
			os.Exit(1)
		}
	}()
	return srv
}

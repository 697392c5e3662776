package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"namingpush/internal/cache"
	"namingpush/internal/config"
	"namingpush/internal/metrics"
	"namingpush/internal/payload"
	"namingpush/internal/push"
	"namingpush/internal/upstream"
	"namingpush/internal/ws"
)

// Server represents the push server: the gRPC and WebSocket stream endpoints
// plus the HTTP query and publish API
type Server struct {
	cfg        *config.Config
	store      *cache.MemoryCache
	push       *push.Service
	registry   *prometheus.Registry
	grpcServer *grpc.Server
	health     *health.Server
	wsServer   *http.Server
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	store, err := cache.NewMemoryCache(cfg.Server.CacheSize, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service store: %w", err)
	}

	svc, err := push.NewService(store, push.Options{
		ZombieThreshold:            cfg.Server.GetZombieThresholdDuration(),
		CheckInterval:              cfg.Server.GetHeartbeatIntervalDuration(),
		RetransmitTimeout:          cfg.Server.GetRetransmitTimeoutDuration(),
		MaxRetransmits:             cfg.Server.MaxRetransmits,
		MaxSubscriptionsPerSession: cfg.Server.MaxSubscriptions,
		SendQueueSize:              cfg.SendQueueSize,
		PipelineWorkers:            cfg.PipelineWorkers,
		Metrics:                    m,
		Logger:                     logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create push service: %w", err)
	}

	recoveryHandler := func(p any) (err error) {
		logger.Error().Interface("panic", p).Msg("a panic has been triggered")
		return status.Errorf(codes.Internal, "An internal error occurred.")
	}

	grpcServer := grpc.NewServer(
		grpc.ChainStreamInterceptor(recovery.StreamServerInterceptor(
			recovery.WithRecoveryHandler(recoveryHandler),
		)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	RegisterBiStreamServer(grpcServer, svc)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(payload.BiStreamServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Server{
		cfg:        cfg,
		store:      store,
		push:       svc,
		registry:   registry,
		grpcServer: grpcServer,
		health:     healthServer,
		logger:     logger,
	}, nil
}

// LoadServices emits every service info of a JSON array file
func (s *Server) LoadServices(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read services file: %w", err)
	}
	var infos []*payload.ServiceInfo
	if err := payload.Unmarshal(data, &infos); err != nil {
		return 0, fmt.Errorf("failed to parse services file: %w", err)
	}

	n := 0
	for _, info := range infos {
		if info == nil || info.Name == "" {
			continue
		}
		s.push.Emit(info)
		n++
	}
	s.logger.Info().Int("services", n).Str("path", path).Msg("seed services loaded")
	return n, nil
}

// Start starts the push service and every listener
func (s *Server) Start() error {
	if err := s.push.Start(); err != nil {
		return err
	}

	host := s.cfg.Server.Host
	grpcAddr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.GRPCPort))
	wsAddr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.WSPort))
	httpAddr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Server.HTTPPort))

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}
	go func() {
		s.logger.Info().
			Str("addr", grpcAddr).
			Msg("starting gRPC server")
		if err := s.ServeGRPC(lis); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	s.wsServer = &http.Server{
		Addr:              wsAddr,
		Handler:           s.WSHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info().
			Str("addr", wsAddr).
			Str("path", upstream.DefaultWSPath).
			Msg("starting WebSocket server")
		if err := s.wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("WebSocket server error")
		}
	}()

	s.httpServer = &http.Server{
		Addr:         httpAddr,
		Handler:      s.HTTPHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		s.logger.Info().
			Str("addr", httpAddr).
			Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// ServeGRPC serves the push stream service on lis until Stop
func (s *Server) ServeGRPC(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// WSHandler returns the WebSocket stream endpoint
func (s *Server) WSHandler() http.Handler {
	return ws.NewHandler(upstream.DefaultWSPath, s.push, s.logger)
}

// HTTPHandler returns the query and publish API
func (s *Server) HTTPHandler() http.Handler {
	return NewHTTPHandler(s.store, s.push, s.registry, s.logger)
}

// Emit stores info and pushes it to subscribed clients
func (s *Server) Emit(info *payload.ServiceInfo) int {
	return s.push.Emit(info)
}

// Push returns the push service
func (s *Server) Push() *push.Service {
	return s.push
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")
	s.health.Shutdown()

	// ends every open stream so GracefulStop can return
	s.push.Close()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	var wsErr, httpErr error
	if s.wsServer != nil {
		wsErr = s.wsServer.Shutdown(ctx)
	}
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}
	s.store.Close()

	if wsErr != nil {
		return fmt.Errorf("WebSocket server shutdown error: %w", wsErr)
	}
	if httpErr != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", httpErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

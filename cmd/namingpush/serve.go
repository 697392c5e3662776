package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"namingpush/internal/config"
	"namingpush/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the push server",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.Int("grpc-port", 0, "the gRPC push stream port")
	f.Int("ws-port", 0, "the WebSocket push stream port")
	f.Int("http-port", 0, "the HTTP query and publish port")
	f.String("services", "", "path to a JSON array of seed service infos")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadServer(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", cfgFile).
		Str("host", cfg.Server.Host).
		Int("grpcPort", cfg.Server.GRPCPort).
		Int("wsPort", cfg.Server.WSPort).
		Int("httpPort", cfg.Server.HTTPPort).
		Msg("starting namingpush server")

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create server")
		return err
	}

	if cfg.Server.Services != "" {
		if _, err := srv.LoadServices(cfg.Server.Services); err != nil {
			return err
		}
	}

	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start server")
		return err
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		return err
	}
	return nil
}

/*
Package main runs the tick ingestion and candle resampling pipeline.

The daemon connects to one exchange trade feed, persists every trade as a raw
tick, and closes OHLCV candles for each configured symbol and timeframe. It
exposes Prometheus metrics over HTTP and a gRPC health service that reports
SERVING while the feed connection is up.

Usage:

	go run ./cmd/server -config=config.yaml

Every setting can be overridden with a TICKBARS_* environment variable, for
example TICKBARS_STORE_DRIVER=postgres.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"tickbars/internal/config"
	"tickbars/internal/ingest"
	"tickbars/internal/metrics"
	"tickbars/internal/resample"
	"tickbars/internal/service"
	"tickbars/internal/websocket"
)

// healthService is the name the pipeline reports under besides the server-wide "".
const healthService = "tickbars.Pipeline"

var configPath = flag.String("config", "", "Path to a YAML config file (default ./config.yaml if present)")

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := service.OpenStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate store")
	}

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	app, err := service.Build(cfg, st, func(_, to websocket.State) {
		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if to == websocket.StateConnected {
			status = grpc_health_v1.HealthCheckResponse_SERVING
		}
		healthServer.SetServingStatus("", status)
		healthServer.SetServingStatus(healthService, status)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer app.Close()

	reg, err := metrics.NewRegistry(metrics.Sources{
		Stream:   app.Stream.Stats,
		Ingest:   func() ingest.Stats { return app.Pipeline.Stats().Ingest },
		Resample: func() resample.Stats { return app.Pipeline.Stats().Resample },
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	if err := app.Pipeline.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start pipeline")
	}

	// Health checks are served on their own gRPC server; the keepalive
	// settings keep long-lived probe connections from piling up.
	lis, err := net.Listen("tcp", cfg.Server.HealthAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	go func() {
		if err := s.Serve(lis); err != nil {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("exchange", cfg.Exchange.Name).
		Strs("symbols", cfg.Symbols).
		Strs("timeframes", cfg.Timeframes).
		Str("store", cfg.Store.Driver).
		Str("health_addr", cfg.Server.HealthAddr).
		Str("metrics_addr", cfg.Server.MetricsAddr).
		Msg("server started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("initiating graceful shutdown")

	healthServer.Shutdown()
	if err := app.Pipeline.Stop(); err != nil {
		log.Error().Err(err).Msg("pipeline stopped with errors")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop metrics server")
	}
	s.GracefulStop()

	stats := app.Pipeline.Stats()
	log.Info().
		Int64("ticks_inserted", stats.Ingest.Inserted).
		Int64("candles_created", stats.Resample.CandlesCreated).
		Int64("reconnects", stats.Stream.ReconnectAttempts).
		Msg("shutdown complete")
}

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	grpcapi "ai-scribe-gateway/internal/api/grpc"
	"ai-scribe-gateway/internal/app"
	"ai-scribe-gateway/internal/config"
	httpapi "ai-scribe-gateway/internal/http"
	"ai-scribe-gateway/internal/observability"
	"ai-scribe-gateway/internal/service/audio"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	newGateway := func(connID string, out audio.Emitter) httpapi.Gateway {
		return application.NewGateway(connID, out)
	}
	transcribe := httpapi.NewTranscribeHandler(newGateway, application.Metrics, cfg.Gateway.AllowedOrigins)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(application, transcribe),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsServer := observability.NewServer(":"+cfg.Service.MetricsPort, application.Gatherer, application.Ready)
	grpcServer := grpcapi.New(application.Metrics)

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen for gRPC")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("Starting gateway HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(metricsServer.ListenAndServe)
	g.Go(func() error { return grpcServer.Serve(lis) })

	if err := application.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start application")
		stop()
	} else {
		grpcServer.SetServing(true)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		application.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		grpcServer.Stop(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Gateway HTTP server shutdown error")
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}

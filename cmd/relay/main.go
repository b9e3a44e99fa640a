package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/microshop/eventcore/internal/bootstrap"
	"github.com/microshop/eventcore/internal/domain/event"
	infraKafka "github.com/microshop/eventcore/internal/infrastructure/kafka"
	"github.com/microshop/eventcore/internal/ops"
	"github.com/microshop/eventcore/internal/relay"
	"github.com/microshop/eventcore/internal/repository/postgres"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "eventcore-relay", "eventcore")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	// --- Outbox and bus ---
	outboxRepo := postgres.NewOutboxRepository(app.Pool)
	codec := event.NewCodec(app.Config.Producer)
	writer := infraKafka.NewWriter(&app.Config.Kafka)
	defer writer.Close()
	publisher := infraKafka.NewPublisher(writer, &app.Config.Kafka, app.Metrics)

	rly := relay.New(
		outboxRepo,
		codec,
		publisher,
		app.Config.Relay,
		app.Config.InstanceID,
		app.Logger,
		app.Metrics,
	)

	// --- Ops server: health, metrics, lag, failed-record requeue ---
	router := ops.NewRouter(ops.RouterDeps{
		Pool:         app.Pool,
		RedisClient:  app.Redis,
		OutboxRepo:   outboxRepo,
		Metrics:      app.Metrics,
		OpsConfig:    app.Config.Ops,
		LagThreshold: app.Config.Relay.LagThreshold,
	})
	addr := fmt.Sprintf(":%d", app.Config.Ops.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  app.Config.Ops.ReadTimeout,
		WriteTimeout: app.Config.Ops.WriteTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Relay loop: claim pending outbox records and publish them.
	g.Go(func() error {
		return rly.Run(gCtx)
	})

	// 2. Pending-lag gauge refresh.
	g.Go(func() error {
		return rly.RunLagMonitor(gCtx)
	})

	// 3. Ops HTTP server.
	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting ops server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	// 4. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down relay...")
			cancel()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.Config.Ops.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.Logger.Error().Err(err).Msg("Ops server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		app.Logger.Error().Err(err).Msg("Relay error")
	}
	app.Logger.Info().Msg("Relay exited")
}

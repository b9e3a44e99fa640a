// Package bootstrap assembles the infrastructure a binary needs before it can
// do real work: config, logging, tracing, metrics and the Postgres and Redis
// clients.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/microshop/eventcore/internal/infrastructure/config"
	"github.com/microshop/eventcore/internal/infrastructure/observability"
	infraRedis "github.com/microshop/eventcore/internal/infrastructure/redis"
	"github.com/microshop/eventcore/internal/repository/postgres"
)

// App holds the wired dependencies of one process.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics

	tracer *sdktrace.TracerProvider
}

// New loads config and connects to the backing services. Postgres or Redis
// being unreachable fails startup; an unreachable tracing collector only logs
// a warning, the relay runs fine without traces.
func New(ctx context.Context, serviceName, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info().Str("service", serviceName).Msg("Starting")

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(metricsNamespace, nil),
	}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint)
		if err != nil {
			logger.Warn().Err(err).Msg("Tracing disabled, exporter could not be created")
		} else {
			app.tracer = tp
			logger.Info().Msg("Tracing enabled")
		}
	}

	app.Pool, err = postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info().Str("host", cfg.Database.Host).Msg("Connected to PostgreSQL")

	app.Redis, err = infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		app.Pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Redis.RedisAddr()).Msg("Connected to Redis")

	return app, nil
}

// Close releases everything New opened. The tracer flush gets a bounded wait
// so shutdown cannot hang on a dead collector.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := observability.Shutdown(ctx, a.tracer); err != nil {
		a.Logger.Warn().Err(err).Msg("Tracer shutdown failed")
	}

	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

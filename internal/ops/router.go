package ops

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/microshop/eventcore/internal/domain/outbox"
	"github.com/microshop/eventcore/internal/infrastructure/config"
	"github.com/microshop/eventcore/internal/infrastructure/observability"
)

type RouterDeps struct {
	Pool         *pgxpool.Pool
	RedisClient  *redis.Client
	OutboxRepo   outbox.Repository
	Metrics      *observability.Metrics
	OpsConfig    config.OpsConfig
	LagThreshold time.Duration
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.OpsConfig.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: deps.OpsConfig.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(requestMetrics(deps.Metrics))

	healthH := NewHealthController(deps.Pool, deps.RedisClient)
	outboxH := NewOutboxController(deps.OutboxRepo, deps.LagThreshold)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/outbox", func(r chi.Router) {
		r.Use(rateLimit(deps.OpsConfig.RateLimitPerMinute))

		r.Get("/lag", outboxH.Lag)
		r.Get("/failed", outboxH.ListFailed)
		r.Post("/{id}/requeue", outboxH.Requeue)
	})

	return r
}

package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/iago/leave-bot/internal/http/handlers"
	"github.com/iago/leave-bot/internal/http/middleware"
	"github.com/iago/leave-bot/internal/telemetry"
	"go.uber.org/zap"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *zap.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	}))
	r.Use(middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst))
	r.Use(middleware.Auth(deps.AuthToken))

	r.Get("/healthz", deps.API.Health)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/webhooks/whatsapp", func(r chi.Router) {
		r.Post("/messages", deps.API.InboundMessage)
		r.Post("/status", deps.API.DeliveryStatus)
	})
	r.Get("/v1/jobs/{id}", deps.API.JobStatus)

	return r
}

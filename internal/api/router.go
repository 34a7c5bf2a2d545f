package api

import (
	"net/http"

	"github.com/Rrens/session-telemetry/internal/api/handler"
	customMiddleware "github.com/Rrens/session-telemetry/internal/api/middleware"
	"github.com/Rrens/session-telemetry/internal/config"
	"github.com/Rrens/session-telemetry/internal/domain"
	"github.com/Rrens/session-telemetry/internal/repository/sqldb"
	"github.com/Rrens/session-telemetry/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Dependencies are the constructed components the router serves
type Dependencies struct {
	DB          *sqldb.DB
	Sessions    domain.SessionRepository
	Cache       *service.SessionCache
	Mirror      service.SessionMirror
	Recorder    *service.InteractionRecorder
	Retrievals  *service.RetrievalLog
	Invocations *service.InvocationLog
	Evaluations *service.EvaluationLog
	Writer      *service.TelemetryWriter
	Turns       *service.TurnService
	Metrics     handler.CounterSource

	// Limiter throttles write endpoints when set
	Limiter customMiddleware.Limiter
}

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.Server.WriteTimeout > 0 {
		r.Use(middleware.Timeout(cfg.Server.WriteTimeout))
	}
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "session-telemetry")
	})

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	sessionHandler := handler.NewSessionHandler(deps.Cache, deps.Sessions, deps.Recorder)
	interactionHandler := handler.NewInteractionHandler(deps.Recorder, deps.Retrievals, deps.Invocations, deps.Evaluations)
	turnHandler := handler.NewTurnHandler(deps.Turns)
	statsHandler := handler.NewStatsHandler(deps.Cache, deps.Writer, deps.DB.Pool, deps.Metrics)

	ingest := chi.Middlewares{}
	if deps.Limiter != nil {
		ingest = append(ingest, customMiddleware.RateLimit(deps.Limiter))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handler.HealthCheck)
		r.Get("/ready", handler.ReadyCheck(deps.DB, deps.Mirror))
		r.Get("/stats", statsHandler.Get)

		r.With(ingest...).Post("/turns", turnHandler.Record)

		r.Route("/sessions", func(r chi.Router) {
			r.With(ingest...).Post("/", sessionHandler.Create)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Delete("/", sessionHandler.Close)
				r.Get("/interactions", sessionHandler.Interactions)
			})
		})

		r.Get("/users/{userID}/sessions", sessionHandler.ListByUser)

		r.Route("/interactions", func(r chi.Router) {
			r.With(ingest...).Post("/", interactionHandler.Create)

			r.Route("/{interactionID}", func(r chi.Router) {
				r.Get("/", interactionHandler.Get)
				r.Patch("/", interactionHandler.Update)
				r.With(ingest...).Post("/retrievals", interactionHandler.AddRetrieval)
				r.With(ingest...).Post("/invocations", interactionHandler.AddInvocation)
				r.With(ingest...).Post("/evaluations", interactionHandler.AddEvaluation)
			})
		})
	})

	return r
}

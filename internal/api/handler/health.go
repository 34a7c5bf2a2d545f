package handler

import (
	"context"
	"net/http"

	"github.com/Rrens/session-telemetry/internal/api/response"
	"github.com/Rrens/session-telemetry/internal/repository/sqldb"
	"github.com/Rrens/session-telemetry/internal/service"
	"github.com/rs/zerolog/log"
)

// Pinger is anything whose liveness can be probed
type Pinger interface {
	Ping(ctx context.Context) error
}

// CounterSource exposes collected metric counters
type CounterSource interface {
	Counters(ctx context.Context) (map[string]int64, error)
}

// HealthCheck returns a simple health check response
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{
		"status": "ok",
	})
}

// ReadyCheck returns readiness status including store connectivity. The
// session mirror is optional, so it is reported but never fails readiness.
func ReadyCheck(db Pinger, mirror service.SessionMirror) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Readiness check failed")
			response.ServiceUnavailable(w, "database not ready")
			return
		}

		mirrorStatus := "disabled"
		if mirror != nil {
			mirrorStatus = "down"
			if mirror.Available() {
				mirrorStatus = "up"
			}
		}

		response.OK(w, map[string]string{
			"status": "ready",
			"mirror": mirrorStatus,
		})
	}
}

// StatsHandler reports cache, pool and telemetry counters
type StatsHandler struct {
	cache   *service.SessionCache
	writer  *service.TelemetryWriter
	pool    *sqldb.Pool
	metrics CounterSource
}

// NewStatsHandler creates a new stats handler. metrics may be nil.
func NewStatsHandler(cache *service.SessionCache, writer *service.TelemetryWriter, pool *sqldb.Pool, metrics CounterSource) *StatsHandler {
	return &StatsHandler{cache: cache, writer: writer, pool: pool, metrics: metrics}
}

// Get returns a snapshot of runtime statistics
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"cache":     h.cache.Stats(),
		"telemetry": h.writer.Stats(),
		"pool":      h.pool.Stats(),
	}

	if h.metrics != nil {
		counters, err := h.metrics.Counters(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("Failed to collect metric counters")
		} else {
			stats["counters"] = counters
		}
	}

	response.OK(w, stats)
}

package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/amerfu/genmediator/internal/config"
	"github.com/amerfu/genmediator/internal/middleware"
	"github.com/amerfu/genmediator/internal/services/budget"
	"github.com/amerfu/genmediator/internal/services/orchestrator"
)

// StatusSource reports the state of the mediation layer.
type StatusSource interface {
	Status(ctx context.Context) orchestrator.Status
}

// Estimator projects episode costs.
type Estimator interface {
	EstimateEpisodeCost(panelCount int) budget.EpisodeEstimate
}

// NewMonitoringRouter serves health, Prometheus metrics and a read-only view
// of limiter, batch and budget state.
func NewMonitoringRouter(cfg *config.Config, logger *zap.Logger, status StatusSource, estimator Estimator) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"service": cfg.Monitoring.ServiceName,
		})
	})

	if cfg.Monitoring.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, status.Status(r.Context()))
		})

		r.Get("/estimate", func(w http.ResponseWriter, r *http.Request) {
			panels, err := strconv.Atoi(r.URL.Query().Get("panels"))
			if err != nil || panels < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error": "panels must be a non-negative integer",
				})
				return
			}
			writeJSON(w, http.StatusOK, estimator.EstimateEpisodeCost(panels))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

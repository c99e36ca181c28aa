// Package api assembles the claims HTTP server.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/api/handlers"
	"github.com/justdick/hms-sub020/internal/api/middleware"
	"github.com/justdick/hms-sub020/internal/domain/batch"
	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/domain/coverage"
)

type Deps struct {
	Calculator *coverage.Calculator
	Claims     *claim.Service
	Batches    *batch.Service
	APIKeys    map[string]string
	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready   func(ctx context.Context) error
	Metrics http.Handler
	Logger  *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("claims-api"))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"claims-api"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ready"))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Mount("/coverage", handlers.NewCoverageHandler(d.Calculator, logger).Routes())
		r.Mount("/claims", handlers.NewClaimHandler(d.Claims, logger).Routes())
		r.Mount("/batches", handlers.NewBatchHandler(d.Batches, logger).Routes())
	})
	return r
}

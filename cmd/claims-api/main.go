// Package main provides the claims API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/api"
	"github.com/justdick/hms-sub020/internal/api/middleware"
	"github.com/justdick/hms-sub020/internal/app"
)

func main() {
	ctx := context.Background()

	a, err := app.New(ctx, "claims-api")
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("startup failed", zap.Error(err))
	}
	logger := a.Logger

	apiKeys := middleware.ParseAPIKeys(a.Config.APIKeys)
	if len(apiKeys) == 0 {
		logger.Warn("API_KEYS empty, authentication disabled")
	}

	router := api.NewRouter(api.Deps{
		Calculator: a.Calculator,
		Claims:     a.Claims,
		Batches:    a.Batches,
		APIKeys:    apiKeys,
		Ready:      a.Ready,
		Metrics:    a.MetricsHandler(),
		Logger:     logger,
	})

	server := &http.Server{
		Addr:         ":" + a.Config.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting claims API",
		zap.String("port", a.Config.Port),
		zap.Bool("postgres", a.Pool != nil),
		zap.Bool("redis", a.Redis != nil))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Close(closeCtx)
	logger.Info("server stopped")
}

// Package app wires the claims services from configuration. Every binary
// builds one App and takes what it needs from it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/config"
	"github.com/justdick/hms-sub020/internal/domain/batch"
	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/domain/coverage"
	"github.com/justdick/hms-sub020/internal/infrastructure/postgres"
	"github.com/justdick/hms-sub020/internal/infrastructure/redis"
	"github.com/justdick/hms-sub020/internal/observability/metrics"
	"github.com/justdick/hms-sub020/internal/observability/tracing"
	"github.com/justdick/hms-sub020/pkg/circuitbreaker"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Tracing  *tracing.Provider
	Breakers *circuitbreaker.Registry

	// Pool is nil when the services run on in-memory stores.
	Pool  *pgxpool.Pool
	Redis *goredis.Client

	Catalog    coverage.Catalog
	Calculator *coverage.Calculator
	Claims     *claim.Service
	Batches    *batch.Service
}

// New loads configuration and connects the backing stores. Without a
// DATABASE_URL (development only) claims and batches live in memory and
// batches are fed directly from claim events.
func New(ctx context.Context, service string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", service))
	return Build(ctx, cfg, service, logger, prometheus.DefaultRegisterer)
}

// Build assembles an App from an already loaded config.
func Build(ctx context.Context, cfg *config.Config, service string, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics.New(reg),
		Breakers: circuitbreaker.NewRegistry(logger),
	}

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    service,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.Tracing = tp

	if cfg.DatabaseURL != "" {
		a.Pool, err = postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		logger.Info("connected to database")
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	if cfg.RedisAddress != "" {
		a.Redis, err = redis.NewClient(ctx, cfg.RedisAddress)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		logger.Info("connected to redis", zap.String("address", cfg.RedisAddress))
	}

	if err := a.wire(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	var catalog coverage.Catalog = coverage.NewStaticCatalog()
	if a.Pool != nil {
		catalog = postgres.NewCatalog(a.Pool)
	}
	if a.Redis != nil {
		breaker, err := a.Breakers.GetOrCreate("catalog-cache", circuitbreaker.DefaultConfig(""))
		if err != nil {
			return err
		}
		catalog = redis.NewCachedCatalog(catalog, redis.NewStore(a.Redis), breaker, a.Config.CatalogCacheTTL, a.Logger)
	}
	a.Catalog = catalog
	a.Calculator = coverage.NewCalculator(catalog)

	opts := []claim.Option{claim.WithRecorder(a.Metrics)}
	if a.Redis != nil {
		opts = append(opts, claim.WithLocker(redis.NewClaimLocker(a.Redis, a.Config.ClaimLockTTL, a.Logger)))
	}

	if a.Pool != nil {
		a.Claims = claim.NewService(claim.NewPGRepository(a.Pool, a.Logger), a.Metrics.Pricer(a.Calculator), a.Logger, opts...)
		a.Batches = batch.NewService(batch.NewPGRepository(a.Pool, a.Logger), a.Claims, a.Logger, batch.WithRecorder(a.Metrics))
		return nil
	}

	claims := claim.NewMemoryRepository(a.Logger)
	a.Claims = claim.NewService(claims, a.Metrics.Pricer(a.Calculator), a.Logger, opts...)
	a.Batches = batch.NewService(batch.NewMemoryRepository(), a.Claims, a.Logger, batch.WithRecorder(a.Metrics))
	claims.Subscribe(a.Batches.Sink())
	return nil
}

// Ready pings the backing stores.
func (a *App) Ready(ctx context.Context) error {
	if a.Pool != nil {
		if err := a.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// MetricsHandler refreshes breaker states on every scrape.
func (a *App) MetricsHandler() http.Handler {
	h := a.Metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.Metrics.ObserveBreakers(a.Breakers)
		h.ServeHTTP(w, r)
	})
}

// OpsServer serves /metrics and /health for the background workers.
func (a *App) OpsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.MetricsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// Wait serves the ops endpoints on METRICS_PORT until SIGINT or SIGTERM, then
// runs stop and closes the app.
func (a *App) Wait(stop func()) {
	ops := a.OpsServer(":" + a.Config.MetricsPort)
	go func() {
		if err := ops.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("ops server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	a.Logger.Info("shutting down")

	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ops.Shutdown(ctx)
	a.Close(ctx)
}

func (a *App) Close(ctx context.Context) {
	if a.Tracing != nil {
		if err := a.Tracing.Shutdown(ctx); err != nil {
			a.Logger.Warn("tracing shutdown", zap.Error(err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	_ = a.Logger.Sync()
}

// Package main relays committed outbox entries to Redpanda.
// Implements the Transactional Outbox pattern relay.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/app"
	"github.com/justdick/hms-sub020/internal/infrastructure/postgres"
	"github.com/justdick/hms-sub020/internal/infrastructure/redpanda"
)

func main() {
	a, err := app.New(context.Background(), "outbox-relay")
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("startup failed", zap.Error(err))
	}
	logger := a.Logger
	if a.Pool == nil {
		logger.Fatal("outbox relay needs DATABASE_URL")
	}
	if err := a.Config.RequireKafka(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = a.Config.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	logger.Info("connected to Redpanda", zap.Strings("brokers", a.Config.KafkaBrokers))

	outbox := postgres.NewOutbox(a.Pool, producer, postgres.DefaultOutboxConfig(), logger).WithGauge(a.Metrics)
	outbox.Start()

	// Entries that exhausted their retries are parked hourly.
	stopSweep := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stopSweep:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				moved, err := outbox.MoveToDeadLetter(ctx)
				if err != nil {
					logger.Error("dead letter sweep failed", zap.Error(err))
				} else if moved > 0 {
					logger.Warn("outbox entries moved to dead letter", zap.Int64("count", moved))
				}
				if n, err := outbox.CleanupProcessed(ctx, 7*24*time.Hour); err == nil && n > 0 {
					logger.Info("processed outbox entries removed", zap.Int64("count", n))
				}
				cancel()
			}
		}
	}()
	logger.Info("outbox relay started")

	a.Wait(func() {
		close(stopSweep)
		outbox.Stop()
		if err := producer.Close(); err != nil {
			logger.Error("producer close", zap.Error(err))
		}
		logger.Info("outbox relay stopped")
	})
}

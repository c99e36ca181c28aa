// Package main adds newly submitted claims to the draft batch of their
// submission month. It consumes the claim event stream the outbox relay
// publishes.
package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/app"
	"github.com/justdick/hms-sub020/internal/infrastructure/redpanda"
	"github.com/justdick/hms-sub020/internal/intake"
)

func main() {
	a, err := app.New(context.Background(), "claims-batcher")
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("startup failed", zap.Error(err))
	}
	logger := a.Logger
	cfg := a.Config
	if a.Pool == nil {
		logger.Fatal("claims batcher needs DATABASE_URL; in-memory services batch in process")
	}
	if err := cfg.RequireKafka(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	handler := intake.NewClaimEvents(a.Batches.OnClaimEvents, a.Metrics, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.BatcherGroupID
	consumerCfg.Topics = []string{cfg.ClaimEvents}
	// auto-batching is idempotent, so only undecodable events are dead-lettered
	consumerCfg.MaxAttempts = 0

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, logger,
		redpanda.WithDeadLetter(redpanda.DeadLetterTo(producer)))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("claims batcher started",
		zap.String("topic", cfg.ClaimEvents),
		zap.String("group", cfg.BatcherGroupID))

	a.Wait(func() {
		if err := consumer.Stop(); err != nil {
			logger.Error("consumer stop", zap.Error(err))
		}
		if err := producer.Close(); err != nil {
			logger.Error("producer close", zap.Error(err))
		}
		logger.Info("claims batcher stopped")
	})
}

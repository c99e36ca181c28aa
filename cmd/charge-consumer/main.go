// Package main consumes billing charge events and applies them to the claim
// ledger. Each event is applied at most once through the idempotency inbox.
package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/app"
	"github.com/justdick/hms-sub020/internal/infrastructure/redpanda"
	"github.com/justdick/hms-sub020/internal/intake"
	"github.com/justdick/hms-sub020/pkg/idempotency"
)

func main() {
	a, err := app.New(context.Background(), "charge-consumer")
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("startup failed", zap.Error(err))
	}
	logger := a.Logger
	cfg := a.Config
	if err := cfg.RequireKafka(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	var store idempotency.Store = idempotency.NewMemoryStore()
	if a.Pool != nil {
		store = idempotency.NewPGStore(a.Pool)
	} else {
		logger.Warn("inbox is in memory, redelivered events after a restart are applied again")
	}
	inbox := idempotency.NewInbox(store, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}

	handler := intake.NewCharges(inbox, a.Claims, a.Metrics, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.KafkaGroupID
	consumerCfg.Topics = []string{cfg.ChargeTopic}
	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, logger,
		redpanda.WithDeadLetter(redpanda.DeadLetterTo(producer)))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("charge consumer started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.ChargeTopic),
		zap.String("group", cfg.KafkaGroupID))

	a.Wait(func() {
		if err := consumer.Stop(); err != nil {
			logger.Error("consumer stop", zap.Error(err))
		}
		inbox.Stop()
		if err := producer.Close(); err != nil {
			logger.Error("producer close", zap.Error(err))
		}
		stats := consumer.Stats()
		logger.Info("charge consumer stopped",
			zap.Int64("messages_read", stats.MessagesRead),
			zap.Int64("errors", stats.ErrorCount),
			zap.Int64("dead_lettered", stats.DeadLettered))
	})
}

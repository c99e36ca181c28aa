package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeoutMS is the group session timeout
	SessionTimeoutMS    int64
	HeartbeatIntervalMS int64
	FetchMaxBytes       int32
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
	// MaxAttempts bounds handler retries for one record. Zero retries forever.
	MaxAttempts int
	// RetryBackoff is the base delay between attempts, doubled each time.
	RetryBackoff time.Duration
}

// DefaultConsumerConfig reads charge events from the start of the topic.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "claims-charge-consumer",
		Topics:              []string{TopicCharges},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       52428800, // 50MB
		StartOffset:         "earliest",
		MaxAttempts:         5,
		RetryBackoff:        200 * time.Millisecond,
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Permanent marks a handler error that retrying cannot fix. The consumer
// skips the remaining attempts and goes straight to the dead letter.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DeadLetterFunc parks a message whose handler kept failing. When it returns
// an error the record is not committed and the consumer keeps retrying it.
type DeadLetterFunc func(ctx context.Context, msg *ConsumedMessage, cause error) error

type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer handles records one at a time in partition order. A record's
// offset is committed only after its handler (or the dead letter) succeeded,
// so nothing after a failing record is committed ahead of it.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	handler    MessageHandler
	deadLetter DeadLetterFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	messagesRead int64
	errorCount   int64
	deadLettered int64
}

type ConsumerOption func(*Consumer)

func WithDeadLetter(fn DeadLetterFunc) ConsumerOption {
	return func(c *Consumer) { c.deadLetter = fn }
}

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	switch cfg.StartOffset {
	case "earliest":
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c := newConsumer(cfg, handler, logger, opts...)
	c.client = client
	return c, nil
}

func newConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop waits for the record in flight and closes the client. Records not yet
// handled are redelivered to the next group member.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			c.client.AllowRebalance()
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.incrementErrorCount()
		})

		var done []*kgo.Record
		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			if err := c.process(c.ctx, record); err != nil {
				break
			}
			done = append(done, record)
		}

		if len(done) > 0 {
			if err := c.client.CommitRecords(context.Background(), done...); err != nil {
				c.logger.Error("failed to commit offsets", zap.Int("records", len(done)), zap.Error(err))
			}
		}
		c.client.AllowRebalance()
	}
}

// process runs the handler with backoff and falls back to the dead letter. It
// only returns an error when the consumer is shutting down.
func (c *Consumer) process(ctx context.Context, record *kgo.Record) error {
	ctx = extractTraceContext(ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := toMessage(record)
	for {
		err := c.attempt(ctx, msg)
		if err == nil {
			c.mu.Lock()
			c.messagesRead++
			c.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		if c.deadLetter == nil {
			// keep the partition blocked rather than skip past the record
			if werr := c.wait(ctx, c.config.RetryBackoff*8); werr != nil {
				return werr
			}
			continue
		}
		if dlErr := c.deadLetter(ctx, msg, err); dlErr != nil {
			c.logger.Error("dead letter failed", zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset), zap.Error(dlErr))
			if werr := c.wait(ctx, c.config.RetryBackoff*8); werr != nil {
				return werr
			}
			continue
		}
		c.mu.Lock()
		c.deadLettered++
		c.mu.Unlock()
		c.logger.Warn("message dead-lettered",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
}

// attempt calls the handler up to MaxAttempts times.
func (c *Consumer) attempt(ctx context.Context, msg *ConsumedMessage) error {
	backoff := c.config.RetryBackoff
	var err error
	for n := 1; ; n++ {
		if err = c.handler(ctx, msg); err == nil {
			return nil
		}
		c.incrementErrorCount()
		c.logger.Warn("message handler failed",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", n),
			zap.Error(err))
		if isPermanent(err) || (c.config.MaxAttempts > 0 && n >= c.config.MaxAttempts) {
			return err
		}
		if werr := c.wait(ctx, backoff); werr != nil {
			return werr
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Consumer) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// DeadLetterTo republishes failed messages to TopicDeadLetter with the origin
// and failure recorded in headers.
func DeadLetterTo(p *Producer) DeadLetterFunc {
	return func(ctx context.Context, msg *ConsumedMessage, cause error) error {
		headers := map[string]string{
			"x-origin-topic":     msg.Topic,
			"x-origin-partition": strconv.Itoa(int(msg.Partition)),
			"x-origin-offset":    strconv.FormatInt(msg.Offset, 10),
			"x-error":            cause.Error(),
		}
		return p.PublishWithHeaders(ctx, TopicDeadLetter, string(msg.Key), msg.Value, headers)
	}
}

type ConsumerStats struct {
	MessagesRead int64
	ErrorCount   int64
	DeadLettered int64
}

func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsumerStats{MessagesRead: c.messagesRead, ErrorCount: c.errorCount, DeadLettered: c.deadLettered}
}

func (c *Consumer) incrementErrorCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}

package redpanda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func TestTraceHeaders_RoundTrip(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "x-charge-id", Value: []byte("ch-1")}}}
	injectTraceHeaders(ctx, record)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headerCarrier{record}.Get("traceparent"))

	// injecting twice overwrites instead of duplicating
	injectTraceHeaders(ctx, record)
	assert.Len(t, record.Headers, 2)

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, got.TraceID())
	assert.True(t, got.IsRemote())
}

func TestDefaultTopicConfigs(t *testing.T) {
	configs := DefaultTopicConfigs(0)
	names := make([]string, 0, len(configs))
	for _, c := range configs {
		names = append(names, c.Name)
		assert.Equal(t, int16(1), c.ReplicationFactor)
	}
	assert.Equal(t, []string{TopicCharges, TopicClaimEvents, TopicBatchEvents, TopicDeadLetter}, names)
}

func testConfig() ConsumerConfig {
	cfg := DefaultConsumerConfig()
	cfg.MaxAttempts = 3
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestConsumer_RetriesUntilHandlerSucceeds(t *testing.T) {
	calls := 0
	c := newConsumer(testConfig(), func(context.Context, *ConsumedMessage) error {
		calls++
		if calls < 3 {
			return errors.New("db unavailable")
		}
		return nil
	}, zap.NewNop())

	require.NoError(t, c.process(context.Background(), &kgo.Record{Topic: TopicCharges, Offset: 7}))
	assert.Equal(t, 3, calls)
	assert.Equal(t, ConsumerStats{MessagesRead: 1, ErrorCount: 2}, c.Stats())
}

func TestConsumer_DeadLettersAfterMaxAttempts(t *testing.T) {
	var parked *ConsumedMessage
	c := newConsumer(testConfig(), func(context.Context, *ConsumedMessage) error {
		return errors.New("malformed payload")
	}, zap.NewNop(), WithDeadLetter(func(_ context.Context, msg *ConsumedMessage, cause error) error {
		parked = msg
		assert.EqualError(t, cause, "malformed payload")
		return nil
	}))

	require.NoError(t, c.process(context.Background(), &kgo.Record{Topic: TopicCharges, Key: []byte("visit-1"), Offset: 9}))
	require.NotNil(t, parked)
	assert.Equal(t, int64(9), parked.Offset)
	assert.Equal(t, int64(1), c.Stats().DeadLettered)
}

func TestConsumer_WithoutDeadLetterBlocksUntilShutdown(t *testing.T) {
	c := newConsumer(testConfig(), func(context.Context, *ConsumedMessage) error {
		return errors.New("still failing")
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.process(ctx, &kgo.Record{Topic: TopicCharges})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Stats().MessagesRead)
}

func TestConsumer_PermanentErrorSkipsRetries(t *testing.T) {
	calls := 0
	var parked bool
	c := newConsumer(testConfig(), func(context.Context, *ConsumedMessage) error {
		calls++
		return Permanent(errors.New("unknown charge type"))
	}, zap.NewNop(), WithDeadLetter(func(context.Context, *ConsumedMessage, error) error {
		parked = true
		return nil
	}))

	require.NoError(t, c.process(context.Background(), &kgo.Record{Topic: TopicCharges}))
	assert.Equal(t, 1, calls)
	assert.True(t, parked)
}

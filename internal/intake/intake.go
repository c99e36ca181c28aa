// Package intake turns Kafka records into claim and batch operations.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/infrastructure/redpanda"
	"github.com/justdick/hms-sub020/pkg/idempotency"
)

// Dispatcher applies charge commands. *claim.Service satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd claim.Command) (*claim.Claim, error)
}

// Observer is told the outcome of every record.
type Observer interface {
	KafkaConsumed(topic string, err error)
}

type nopObserver struct{}

func (nopObserver) KafkaConsumed(string, error) {}

const chargeHandler = "claims.charge-dispatch"

// Charges dispatches charge events exactly once through the inbox.
type Charges struct {
	inbox    *idempotency.Inbox
	claims   Dispatcher
	observer Observer
	logger   *zap.Logger
}

func NewCharges(inbox *idempotency.Inbox, claims Dispatcher, observer Observer, logger *zap.Logger) *Charges {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Charges{inbox: inbox, claims: claims, observer: observer, logger: logger}
}

type dispatchResult struct {
	ClaimID string `json:"claim_id,omitempty"`
	Version int    `json:"version,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Handle is a redpanda.MessageHandler. Undecodable and terminally failed
// events come back as permanent errors so the consumer dead-letters them;
// anything else is retried.
func (h *Charges) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	err := h.handle(ctx, msg)
	h.observer.KafkaConsumed(msg.Topic, err)
	return err
}

func (h *Charges) handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ev, cmd, err := claim.DecodeChargeEvent(msg.Value)
	if err != nil {
		return redpanda.Permanent(fmt.Errorf("decode charge event at offset %d: %w", msg.Offset, err))
	}

	key := idempotency.ChargeKey(ev.EventID, ev.Charge.ID, ev.Type)
	res, err := h.inbox.Process(ctx, key, chargeHandler, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		c, err := h.claims.Dispatch(ctx, cmd)
		if err != nil {
			return nil, err
		}
		out := dispatchResult{Skipped: c == nil}
		if c != nil {
			out.ClaimID, out.Version = c.ID(), c.Version()
		}
		return json.Marshal(out)
	})
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrPreviouslyFailed), idempotency.IsTerminalError(err):
		return redpanda.Permanent(err)
	default:
		return err
	}

	if !res.IsNew && !res.WasRecovered {
		h.logger.Debug("duplicate charge event ignored",
			zap.String("event_id", ev.EventID),
			zap.String("charge_id", ev.Charge.ID))
		return nil
	}
	h.logger.Info("charge event applied",
		zap.String("event_id", ev.EventID),
		zap.String("type", ev.Type),
		zap.String("charge_id", ev.Charge.ID),
		zap.ByteString("result", res.Result))
	return nil
}

// ClaimEventSink receives published claim events. batch.Service.OnClaimEvents satisfies it.
type ClaimEventSink func(ctx context.Context, events []*claim.Event) error

// ClaimEvents feeds the claims.events stream into a sink, which auto-batches
// submitted claims.
type ClaimEvents struct {
	sink     ClaimEventSink
	observer Observer
	logger   *zap.Logger
}

func NewClaimEvents(sink ClaimEventSink, observer Observer, logger *zap.Logger) *ClaimEvents {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &ClaimEvents{sink: sink, observer: observer, logger: logger}
}

func (h *ClaimEvents) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var e claim.Event
	err := json.Unmarshal(msg.Value, &e)
	if err != nil {
		err = redpanda.Permanent(fmt.Errorf("decode claim event at offset %d: %w", msg.Offset, err))
	} else if err = h.sink(ctx, []*claim.Event{&e}); idempotency.IsTerminalError(err) {
		err = redpanda.Permanent(err)
	}
	h.observer.KafkaConsumed(msg.Topic, err)
	return err
}

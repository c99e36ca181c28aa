package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// Claims is the claim workflow the batch drives. *claim.Service satisfies it.
type Claims interface {
	Get(ctx context.Context, id string) (*claim.Claim, error)
	Submit(ctx context.Context, id, actor string) (*claim.Claim, error)
	MarkApproved(ctx context.Context, id string, amount decimal.Decimal, actor string) (*claim.Claim, error)
	MarkRejected(ctx context.Context, id, reason, actor string) (*claim.Claim, error)
	MarkPaid(ctx context.Context, id string, amount decimal.Decimal, date time.Time, actor string) (*claim.Claim, error)
}

const createAttempts = 5

// Recorder receives batch measurements.
type Recorder interface {
	BatchOperation(op, outcome string)
	BatchTotals(status string, totals Totals)
}

type nopRecorder struct{}

func (nopRecorder) BatchOperation(string, string) {}
func (nopRecorder) BatchTotals(string, Totals)    {}

type Option func(*Service)

func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

// Service runs batch operations addressed by id.
type Service struct {
	repo     Repository
	claims   Claims
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService creates a batch service.
func NewService(repo Repository, claims Claims, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{repo: repo, claims: claims, recorder: nopRecorder{}, logger: logger, tracer: otel.Tracer("batch-service")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens an empty draft batch for the period.
func (s *Service) Create(ctx context.Context, name string, period time.Time, actor string) (*Batch, error) {
	ctx, span := s.tracer.Start(ctx, "batch.create")
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		seq, err := s.repo.NextSequence(ctx, period)
		if err != nil {
			return nil, err
		}
		b, err := New(Number(period, seq), name, period, actor)
		if err != nil {
			return nil, err
		}
		err = s.repo.Create(ctx, b)
		if err == nil {
			s.recorder.BatchOperation("create", "ok")
			s.logger.Info("batch created",
				zap.String("batch_id", b.ID()),
				zap.String("number", b.Number()))
			return b, nil
		}
		if !errors.Is(err, errs.ErrConflict) {
			return nil, err
		}
		if _, derr := s.repo.FindDraft(ctx, period); derr == nil {
			return nil, err
		}
		lastErr = err
	}
	span.RecordError(lastErr)
	return nil, lastErr
}

func (s *Service) Get(ctx context.Context, id string) (*Batch, error) {
	return s.repo.Get(ctx, id)
}

// FindByClaim returns the batch holding the claim.
func (s *Service) FindByClaim(ctx context.Context, claimID string) (*Batch, error) {
	return s.repo.FindByClaim(ctx, claimID)
}

func (s *Service) History(ctx context.Context, id string) ([]StatusChange, error) {
	events, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return HistoryFrom(events), nil
}

// AddClaim snapshots a claim into a draft batch. A claim belongs to at most one batch.
func (s *Service) AddClaim(ctx context.Context, batchID, claimID string) (*Batch, error) {
	c, err := s.claims.Get(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if other, err := s.repo.FindByClaim(ctx, claimID); err == nil {
		return nil, errs.Conflict("claim %s is already in batch %s", claimID, other.Number())
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	return s.update(ctx, "add_claim", batchID, func(b *Batch) error {
		_, err := b.AddClaim(c)
		return err
	})
}

func (s *Service) RemoveClaim(ctx context.Context, batchID, claimID string) (*Batch, error) {
	return s.update(ctx, "remove_claim", batchID, func(b *Batch) error { return b.RemoveClaim(claimID) })
}

func (s *Service) Finalize(ctx context.Context, batchID, actor string) (*Batch, error) {
	return s.update(ctx, "finalize", batchID, func(b *Batch) error { return b.Finalize(actor) })
}

// Submit marks the batch submitted and submits any member claim still in vetted.
func (s *Service) Submit(ctx context.Context, batchID, actor string) (*Batch, error) {
	b, err := s.update(ctx, "submit", batchID, func(b *Batch) error { return b.MarkSubmitted(actor) })
	if err != nil {
		return nil, err
	}
	var failed []error
	for _, it := range b.Items() {
		c, err := s.claims.Get(ctx, it.ClaimID)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		if c.Status() != claim.StatusVetted {
			continue
		}
		if _, err := s.claims.Submit(ctx, it.ClaimID, actor); err != nil {
			failed = append(failed, fmt.Errorf("submit claim %s: %w", it.ClaimID, err))
		}
	}
	if len(failed) > 0 {
		s.logger.Error("batch submitted but some claims were not",
			zap.String("batch_id", batchID),
			zap.Errors("errors", failed))
		return b, errors.Join(failed...)
	}
	return b, nil
}

// RecordResponse applies a payer response to the batch and to the claim.
// The batch is validated first so a response the batch would refuse never
// reaches the claim.
func (s *Service) RecordResponse(ctx context.Context, batchID string, r Response, actor string) (*Batch, error) {
	current, err := s.repo.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := current.CheckResponse(r); err != nil {
		return nil, err
	}

	applied, err := s.responseApplied(ctx, current, r)
	if err != nil {
		return nil, err
	}
	switch {
	case applied:
		s.logger.Info("claim already reflects response, completing batch side",
			zap.String("batch_id", batchID),
			zap.String("claim_id", r.ClaimID),
			zap.String("outcome", string(r.Outcome)))
	case r.Outcome == OutcomeApproved:
		_, err = s.claims.MarkApproved(ctx, r.ClaimID, r.Amount, actor)
	case r.Outcome == OutcomeRejected:
		_, err = s.claims.MarkRejected(ctx, r.ClaimID, r.Reason, actor)
	case r.Outcome == OutcomePaid:
		_, err = s.claims.MarkPaid(ctx, r.ClaimID, r.Amount, r.Date, actor)
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s response to claim %s: %w", r.Outcome, r.ClaimID, err)
	}
	return s.update(ctx, "record_response", batchID, func(b *Batch) error { return b.RecordResponse(r, actor) })
}

// responseApplied reports whether the claim already moved for a response the
// batch has not recorded yet, which happens when the batch write failed after
// the claim write.
func (s *Service) responseApplied(ctx context.Context, b *Batch, r Response) (bool, error) {
	c, err := s.claims.Get(ctx, r.ClaimID)
	if err != nil {
		return false, err
	}
	it := b.itemByClaim(r.ClaimID)
	switch r.Outcome {
	case OutcomeApproved:
		return c.Status() == claim.StatusApproved, nil
	case OutcomeRejected:
		return c.Status() == claim.StatusRejected, nil
	case OutcomePaid:
		paid := c.Status() == claim.StatusPaid || c.Status() == claim.StatusPartial
		return paid && it.Status != ItemPaid, nil
	}
	return false, nil
}

func (s *Service) MarkPaid(ctx context.Context, batchID string, amount decimal.Decimal, date time.Time, actor string) (*Batch, error) {
	return s.update(ctx, "mark_paid", batchID, func(b *Batch) error { return b.MarkPaid(amount, date, actor) })
}

// OnClaimEvents adds every newly submitted claim to the draft batch of its
// submission month, creating that batch when needed. Claims already in a
// batch are skipped, so redelivered events are harmless.
func (s *Service) OnClaimEvents(ctx context.Context, events []*claim.Event) error {
	var failed []error
	for _, e := range events {
		if e.EventType != claim.EventClaimSubmitted {
			continue
		}
		if err := s.autoBatch(ctx, e.AggregateID, e.Timestamp); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

func (s *Service) autoBatch(ctx context.Context, claimID string, at time.Time) error {
	if _, err := s.repo.FindByClaim(ctx, claimID); err == nil {
		return nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		return err
	}

	b, err := s.repo.FindDraft(ctx, at)
	if errors.Is(err, errs.ErrNotFound) {
		b, err = s.Create(ctx, "", at, "system")
		if errors.Is(err, errs.ErrConflict) {
			b, err = s.repo.FindDraft(ctx, at)
		}
	}
	if err != nil {
		return fmt.Errorf("draft batch for %s: %w", PeriodOf(at).Format("2006-01"), err)
	}

	if _, err := s.AddClaim(ctx, b.ID(), claimID); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return nil
		}
		return err
	}
	s.logger.Info("claim auto-batched",
		zap.String("claim_id", claimID),
		zap.String("batch", b.Number()))
	return nil
}

// Sink adapts OnClaimEvents to claim.EventSink for in-process wiring.
func (s *Service) Sink() claim.EventSink {
	return func(ctx context.Context, events []*claim.Event) {
		if err := s.OnClaimEvents(ctx, events); err != nil {
			s.logger.Error("auto-batching failed", zap.Error(err))
		}
	}
}

func (s *Service) update(ctx context.Context, op, id string, fn func(*Batch) error) (*Batch, error) {
	ctx, span := s.tracer.Start(ctx, "batch."+op, trace.WithAttributes(attribute.String("batch_id", id)))
	defer span.End()

	b, err := s.repo.Update(ctx, id, fn)
	s.recorder.BatchOperation(op, errs.Code(err))
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("batch operation failed",
			zap.String("op", op),
			zap.String("batch_id", id),
			zap.Error(err))
		return nil, err
	}
	s.recorder.BatchTotals(string(b.Status()), b.Totals())
	s.logger.Debug("batch updated",
		zap.String("op", op),
		zap.String("batch_id", id),
		zap.String("status", string(b.Status())))
	return b, nil
}

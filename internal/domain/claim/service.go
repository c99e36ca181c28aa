package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/coverage"
	"github.com/justdick/hms-sub020/internal/domain/errs"
	"github.com/justdick/hms-sub020/pkg/workerpool"
)

// Pricer computes coverage for one item.
type Pricer interface {
	Compute(ctx context.Context, req coverage.Request) (coverage.Result, error)
}

// Locker serializes work on one claim across processes. The returned func
// releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(context.Context) error, error)
}

// Recorder receives operational measurements.
type Recorder interface {
	LedgerOperation(op, outcome string, d time.Duration)
	ClaimTransition(status string)
	LedgerDrift()
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

type nopRecorder struct{}

func (nopRecorder) LedgerOperation(string, string, time.Duration) {}
func (nopRecorder) ClaimTransition(string) {}
func (nopRecorder) LedgerDrift() {}

// Option configures a Service.
type Option func(*Service)

// WithLocker adds a cross-process lock around every claim mutation.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

// Service is the single dispatch point for charge commands and the entry point
// for workflow actions addressed by claim id.
type Service struct {
	repo     Repository
	pricer   Pricer
	locker   Locker
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService creates a claim service.
func NewService(repo Repository, pricer Pricer, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:     repo,
		pricer:   pricer,
		locker:   nopLocker{},
		recorder: nopRecorder{},
		logger:   logger,
		tracer:   otel.Tracer("claim-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dispatch applies a charge command to the owning claim. It returns a nil
// claim when the charge is uninsured or a void refers to nothing. Every other
// failure is returned so the caller can retry the event.
func (s *Service) Dispatch(ctx context.Context, cmd Command) (*Claim, error) {
	ch := cmd.Source()
	ctx, span := s.tracer.Start(ctx, "claim.dispatch", trace.WithAttributes(
		attribute.String("command", cmd.Name()),
		attribute.String("charge_id", ch.ID),
		attribute.String("visit_id", ch.VisitID),
	))
	defer span.End()

	if _, void := cmd.(ChargeVoided); !void {
		if err := ValidateCharge(ch); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	target, err := s.resolve(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if target == nil {
		s.logger.Debug("charge has no claim, skipping",
			zap.String("command", cmd.Name()),
			zap.String("charge_id", ch.ID),
			zap.String("visit_id", ch.VisitID))
		return nil, nil
	}

	if _, void := cmd.(ChargeVoided); void {
		return s.mutate(ctx, cmd.Name(), target.ID(), func(c *Claim) error {
			if _, ok := c.LineItemForCharge(ch.ID); !ok {
				return nil
			}
			_, err := c.RemoveLineItem(ch.ID)
			return err
		})
	}

	res, err := s.pricer.Compute(ctx, coverage.Request{
		PlanID:       target.PlanID(),
		Item:         ch.Item,
		BilledAmount: ch.BilledAmount,
		Quantity:     ch.Quantity,
		At:           ch.ChargedAt,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("compute coverage for charge %s: %w", ch.ID, err)
	}
	return s.mutate(ctx, cmd.Name(), target.ID(), func(c *Claim) error {
		if _, ok := c.LineItemForCharge(ch.ID); ok {
			_, err := c.AmendLineItem(ch, res)
			return err
		}
		_, err := c.AddLineItem(ch, res)
		return err
	})
}

// resolve finds the claim a charge belongs to, opening one for an insured
// visit on its first charge.
func (s *Service) resolve(ctx context.Context, cmd Command) (*Claim, error) {
	ch := cmd.Source()
	if ch.ClaimID != "" {
		return s.repo.Get(ctx, ch.ClaimID)
	}

	c, err := s.repo.FindByVisit(ctx, ch.VisitID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	if _, void := cmd.(ChargeVoided); void || ch.PlanID == "" {
		return nil, nil
	}

	c, err = Open(ch.VisitID, ch.PatientID, ch.PlanID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, c); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			return s.repo.FindByVisit(ctx, ch.VisitID)
		}
		return nil, err
	}
	s.logger.Info("claim opened",
		zap.String("claim_id", c.ID()),
		zap.String("visit_id", ch.VisitID),
		zap.String("plan_id", ch.PlanID))
	return c, nil
}

// Get returns a claim by id.
func (s *Service) Get(ctx context.Context, id string) (*Claim, error) {
	return s.repo.Get(ctx, id)
}

// History returns the claim's status history.
func (s *Service) History(ctx context.Context, id string) ([]StatusChange, error) {
	events, err := s.repo.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return HistoryFrom(events), nil
}

func (s *Service) RequestVetting(ctx context.Context, id, actor string) (*Claim, error) {
	return s.transition(ctx, "request_vetting", id, func(c *Claim) error { return c.RequestVetting(actor) })
}

func (s *Service) Vet(ctx context.Context, id string, d VetDecision) (*Claim, error) {
	return s.transition(ctx, "vet", id, func(c *Claim) error { return c.Vet(d) })
}

func (s *Service) Submit(ctx context.Context, id, actor string) (*Claim, error) {
	return s.transition(ctx, "submit", id, func(c *Claim) error { return c.Submit(actor) })
}

func (s *Service) MarkApproved(ctx context.Context, id string, amount decimal.Decimal, actor string) (*Claim, error) {
	return s.transition(ctx, "approve", id, func(c *Claim) error { return c.MarkApproved(amount, actor) })
}

func (s *Service) MarkRejected(ctx context.Context, id, reason, actor string) (*Claim, error) {
	return s.transition(ctx, "reject", id, func(c *Claim) error { return c.MarkRejected(reason, actor) })
}

func (s *Service) MarkPaid(ctx context.Context, id string, amount decimal.Decimal, date time.Time, actor string) (*Claim, error) {
	return s.transition(ctx, "pay", id, func(c *Claim) error { return c.MarkPaid(amount, date, actor) })
}

func (s *Service) Resubmit(ctx context.Context, id, actor, note string) (*Claim, error) {
	return s.transition(ctx, "resubmit", id, func(c *Claim) error { return c.Resubmit(actor, note) })
}

func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (*Claim, error) {
	return s.transition(ctx, "cancel", id, func(c *Claim) error { return c.Cancel(reason, actor) })
}

// AuditResult is the outcome of one reconciliation audit.
type AuditResult struct {
	ClaimID string       `json:"claim_id"`
	Drifts  []errs.Drift `json:"drifts,omitempty"`
	Flagged bool         `json:"flagged"`
}

// Audit reconciles a claim and, on drift, holds it for manual review. It never
// corrects the aggregates.
func (s *Service) Audit(ctx context.Context, id string) (AuditResult, error) {
	out := AuditResult{ClaimID: id}
	_, err := s.mutate(ctx, "audit", id, func(c *Claim) error {
		err := c.Reconcile()
		var inc *errs.LedgerInconsistencyError
		if !errors.As(err, &inc) {
			return err
		}
		out.Drifts = inc.Drifts
		out.Flagged = true
		return c.Flag("reconciliation audit found drift", inc.Drifts)
	})
	if err != nil {
		return out, err
	}
	if out.Flagged {
		s.recorder.LedgerDrift()
		s.logger.Error("claim ledger drift detected, held for review",
			zap.String("claim_id", id),
			zap.Any("drifts", out.Drifts))
	}
	return out, nil
}

// AuditReport summarizes a sweep.
type AuditReport struct {
	Checked int               `json:"checked"`
	Flagged []string          `json:"flagged"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// AuditAll audits every claim matching the filter on a bounded worker pool.
func (s *Service) AuditAll(ctx context.Context, filter ListFilter, workers int) (AuditReport, error) {
	ids, err := s.repo.ListIDs(ctx, filter)
	if err != nil {
		return AuditReport{}, err
	}
	cfg := workerpool.DefaultConfig()
	cfg.Workers = workers
	cfg.MaxRetries = 1
	// only lock contention is worth a second attempt
	cfg.Retryable = func(err error) bool { return errors.Is(err, errs.ErrConflict) }
	results, err := workerpool.Run[AuditResult](ctx, cfg, ids, s.Audit, s.logger)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{Failed: make(map[string]string)}
	for _, r := range results {
		report.Checked++
		if r.Err != nil {
			report.Failed[r.ID] = r.Err.Error()
			continue
		}
		if r.Value.Flagged {
			report.Flagged = append(report.Flagged, r.ID)
		}
	}
	return report, nil
}

// Repair re-sums a claim's aggregates from its line items and releases the
// review hold.
func (s *Service) Repair(ctx context.Context, id, actor string) (before, after Totals, err error) {
	_, err = s.mutate(ctx, "repair", id, func(c *Claim) error {
		var rerr error
		before, after, rerr = c.Repair(actor)
		return rerr
	})
	if err == nil {
		s.logger.Warn("claim ledger repaired",
			zap.String("claim_id", id),
			zap.String("actor", actor),
			zap.String("total_before", before.TotalClaimAmount.StringFixed(2)),
			zap.String("total_after", after.TotalClaimAmount.StringFixed(2)))
	}
	return before, after, err
}

func (s *Service) transition(ctx context.Context, op, id string, fn func(*Claim) error) (*Claim, error) {
	c, err := s.mutate(ctx, op, id, fn)
	if err != nil {
		return nil, err
	}
	s.recorder.ClaimTransition(string(c.Status()))
	s.logger.Info("claim transitioned",
		zap.String("claim_id", id),
		zap.String("op", op),
		zap.String("status", string(c.Status())))
	return c, nil
}

// mutate is the atomic read-modify-write unit for one claim.
func (s *Service) mutate(ctx context.Context, op, id string, fn func(*Claim) error) (*Claim, error) {
	ctx, span := s.tracer.Start(ctx, "claim."+op, trace.WithAttributes(attribute.String("claim_id", id)))
	defer span.End()
	start := time.Now()

	unlock, err := s.locker.Lock(ctx, "claim:"+id)
	if err != nil {
		s.recorder.LedgerOperation(op, "lock_failed", time.Since(start))
		span.RecordError(err)
		return nil, fmt.Errorf("lock claim %s: %w", id, err)
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			s.logger.Warn("failed to release claim lock", zap.String("claim_id", id), zap.Error(err))
		}
	}()

	c, err := s.repo.Update(ctx, id, fn)
	s.recorder.LedgerOperation(op, errs.Code(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("claim operation failed",
			zap.String("op", op),
			zap.String("claim_id", id),
			zap.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("status", string(c.Status())), attribute.Int("version", c.Version()))
	return c, nil
}

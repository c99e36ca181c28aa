package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/errs"
	"github.com/justdick/hms-sub020/internal/infrastructure/postgres"
)

// PGRepository stores claim state, line items, the event history and outbox
// entries in one transaction per operation.
type PGRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGRepository creates a new repository
func NewPGRepository(pool *pgxpool.Pool, logger *zap.Logger) *PGRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGRepository{pool: pool, logger: logger}
}

const claimColumns = `
	id, visit_id, patient_id, plan_id, status,
	total_claim_amount, insurance_covered_amount, patient_copay_amount, approved_amount,
	payer_approved_amount, paid_amount, payment_date,
	vetted_by, vetted_at, submitted_by, submitted_at,
	rejection_reason, resubmission_count, items_reviewed, needs_review, review_reason, notes,
	version, created_at, updated_at`

const lineItemColumns = `
	id, claim_id, charge_id, item_date, item_type, code, description, quantity,
	billed_amount, unit_tariff, subtotal, covered_subtotal, coverage_percentage,
	calculated_insurance_pays, insurance_pays, patient_pays, is_covered,
	requires_preauthorization, coverage_miss, approval, rejection_reason, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, c *Claim) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	s := c.Snapshot()
	_, err = tx.Exec(ctx, `INSERT INTO claims (`+claimColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		claimArgs(s)...)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("visit %s already has a claim", s.VisitID)
		}
		return fmt.Errorf("insert claim: %w", err)
	}
	if err := r.persistItems(ctx, tx, s); err != nil {
		return err
	}
	if err := r.appendEvents(ctx, tx, c.Changes()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	c.ClearChanges()
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (*Claim, error) {
	s, err := r.load(ctx, r.pool, `SELECT `+claimColumns+` FROM claims WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return Restore(s), nil
}

func (r *PGRepository) FindByVisit(ctx context.Context, visitID string) (*Claim, error) {
	s, err := r.load(ctx, r.pool, `SELECT `+claimColumns+` FROM claims WHERE visit_id = $1`, visitID)
	if err != nil {
		return nil, err
	}
	return Restore(s), nil
}

// Update locks the claim row, runs fn and persists the result guarded by the
// version the row had when it was read.
func (r *PGRepository) Update(ctx context.Context, id string, fn func(*Claim) error) (*Claim, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, err := r.load(ctx, tx, `SELECT `+claimColumns+` FROM claims WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	c := Restore(stored)
	if err := fn(c); err != nil {
		return nil, err
	}
	events := c.Changes()
	if len(events) == 0 {
		return c, nil
	}

	s := c.Snapshot()
	args := append(claimArgs(s), stored.Version)
	tag, err := tx.Exec(ctx, `UPDATE claims SET
		visit_id=$2, patient_id=$3, plan_id=$4, status=$5,
		total_claim_amount=$6, insurance_covered_amount=$7, patient_copay_amount=$8, approved_amount=$9,
		payer_approved_amount=$10, paid_amount=$11, payment_date=$12,
		vetted_by=$13, vetted_at=$14, submitted_by=$15, submitted_at=$16,
		rejection_reason=$17, resubmission_count=$18, items_reviewed=$19, needs_review=$20,
		review_reason=$21, notes=$22, version=$23, created_at=$24, updated_at=$25
		WHERE id=$1 AND version=$26`, args...)
	if err != nil {
		return nil, fmt.Errorf("update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.Conflict("claim %s was modified concurrently", id)
	}
	if err := r.persistItems(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := r.appendEvents(ctx, tx, events); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("claim persisted",
		zap.String("claim_id", id),
		zap.Int("version", s.Version),
		zap.Int("events", len(events)))
	c.ClearChanges()
	return c, nil
}

// History returns every event of a claim in version order.
func (r *PGRepository) History(ctx context.Context, id string) ([]*Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp,
		       actor, previous_status, new_status, note, correlation_id
		FROM claim_events
		WHERE aggregate_id = $1
		ORDER BY version ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.EventData,
			&e.Version, &e.Timestamp, &e.Actor, &e.PreviousStatus, &e.NewStatus, &e.Note, &e.CorrelationID); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errs.NotFound("claim", id)
	}
	return events, nil
}

func (r *PGRepository) ListIDs(ctx context.Context, filter ListFilter) ([]string, error) {
	query := `SELECT id FROM claims WHERE ($1::text[] IS NULL OR status = ANY($1)) AND ($2::boolean IS NULL OR needs_review = $2) ORDER BY id`
	var statuses []string
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}
	args := []interface{}{statuses, filter.NeedsReview}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func (r *PGRepository) load(ctx context.Context, q querier, query string, arg string) (Snapshot, error) {
	var (
		s        Snapshot
		approved decimal.NullDecimal
	)
	err := q.QueryRow(ctx, query, arg).Scan(
		&s.ID, &s.VisitID, &s.PatientID, &s.PlanID, &s.Status,
		&s.TotalClaimAmount, &s.InsuranceCoveredAmount, &s.PatientCopayAmount, &s.ApprovedAmount,
		&approved, &s.PaidAmount, &s.PaymentDate,
		&s.VettedBy, &s.VettedAt, &s.SubmittedBy, &s.SubmittedAt,
		&s.RejectionReason, &s.ResubmissionCount, &s.ItemsReviewed, &s.NeedsReview, &s.ReviewReason, &s.Notes,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, errs.NotFound("claim", arg)
	}
	if err != nil {
		return s, fmt.Errorf("load claim: %w", err)
	}
	if approved.Valid {
		s.PayerApprovedAmount = &approved.Decimal
	}

	rows, err := q.Query(ctx, `SELECT `+lineItemColumns+` FROM claim_line_items WHERE claim_id = $1 ORDER BY created_at, id`, s.ID)
	if err != nil {
		return s, fmt.Errorf("load line items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var li LineItem
		if err := rows.Scan(
			&li.ID, &li.ClaimID, &li.ChargeID, &li.ItemDate, &li.ItemType, &li.Code, &li.Description, &li.Quantity,
			&li.BilledAmount, &li.UnitTariff, &li.Subtotal, &li.CoveredSubtotal, &li.CoveragePercentage,
			&li.CalculatedInsurancePays, &li.InsurancePays, &li.PatientPays, &li.IsCovered,
			&li.RequiresPreauthorization, &li.CoverageMiss, &li.Approval, &li.RejectionReason, &li.CreatedAt, &li.UpdatedAt,
		); err != nil {
			return s, fmt.Errorf("scan line item: %w", err)
		}
		s.LineItems = append(s.LineItems, li)
	}
	return s, rows.Err()
}

func (r *PGRepository) persistItems(ctx context.Context, tx pgx.Tx, s Snapshot) error {
	live := make([]string, 0, len(s.LineItems))
	for _, li := range s.LineItems {
		live = append(live, li.ID)
		_, err := tx.Exec(ctx, `INSERT INTO claim_line_items (`+lineItemColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
			ON CONFLICT (id) DO UPDATE SET
				description=EXCLUDED.description, quantity=EXCLUDED.quantity,
				billed_amount=EXCLUDED.billed_amount, unit_tariff=EXCLUDED.unit_tariff,
				subtotal=EXCLUDED.subtotal, covered_subtotal=EXCLUDED.covered_subtotal,
				coverage_percentage=EXCLUDED.coverage_percentage,
				calculated_insurance_pays=EXCLUDED.calculated_insurance_pays,
				insurance_pays=EXCLUDED.insurance_pays, patient_pays=EXCLUDED.patient_pays,
				is_covered=EXCLUDED.is_covered, requires_preauthorization=EXCLUDED.requires_preauthorization,
				coverage_miss=EXCLUDED.coverage_miss, approval=EXCLUDED.approval,
				rejection_reason=EXCLUDED.rejection_reason, updated_at=EXCLUDED.updated_at`,
			li.ID, s.ID, li.ChargeID, li.ItemDate, li.ItemType, li.Code, li.Description, li.Quantity,
			li.BilledAmount, li.UnitTariff, li.Subtotal, li.CoveredSubtotal, li.CoveragePercentage,
			li.CalculatedInsurancePays, li.InsurancePays, li.PatientPays, li.IsCovered,
			li.RequiresPreauthorization, li.CoverageMiss, li.Approval, li.RejectionReason, li.CreatedAt, li.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert line item %s: %w", li.ID, err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM claim_line_items WHERE claim_id = $1 AND NOT (id = ANY($2))`, s.ID, live); err != nil {
		return fmt.Errorf("delete removed line items: %w", err)
	}
	return nil
}

// appendEvents writes the event history and, for events other services
// consume, an outbox entry in the same transaction.
func (r *PGRepository) appendEvents(ctx context.Context, tx pgx.Tx, events []*Event) error {
	for _, e := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO claim_events
			(id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp,
			 actor, previous_status, new_status, note, correlation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ID, e.AggregateID, e.AggregateType, e.EventType, e.EventData, e.Version, e.Timestamp,
			e.Actor, e.PreviousStatus, e.NewStatus, e.Note, e.CorrelationID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errs.Conflict("claim %s version %d already written", e.AggregateID, e.Version)
			}
			return fmt.Errorf("insert event: %w", err)
		}
		if !e.EventType.Published() {
			continue
		}
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     string(e.EventType),
			Payload:       payload,
			KafkaTopic:    OutboxTopic,
			KafkaKey:      e.AggregateID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func claimArgs(s Snapshot) []interface{} {
	var approved decimal.NullDecimal
	if s.PayerApprovedAmount != nil {
		approved = decimal.NewNullDecimal(*s.PayerApprovedAmount)
	}
	return []interface{}{
		s.ID, s.VisitID, s.PatientID, s.PlanID, s.Status,
		s.TotalClaimAmount, s.InsuranceCoveredAmount, s.PatientCopayAmount, s.ApprovedAmount,
		approved, s.PaidAmount, s.PaymentDate,
		s.VettedBy, s.VettedAt, s.SubmittedBy, s.SubmittedAt,
		s.RejectionReason, s.ResubmissionCount, s.ItemsReviewed, s.NeedsReview, s.ReviewReason, s.Notes,
		s.Version, s.CreatedAt, s.UpdatedAt,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

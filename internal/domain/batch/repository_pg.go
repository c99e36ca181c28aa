package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/errs"
	"github.com/justdick/hms-sub020/internal/infrastructure/postgres"
)

// PGRepository stores batches, their items, history and outbox entries.
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

const batchColumns = `
	id, number, name, period, status, total_claims, total_amount, approved_amount, paid_amount,
	remitted_amount, payment_date, created_by, finalized_at, submitted_at, version, created_at, updated_at`

const itemColumns = `
	id, batch_id, claim_id, visit_id, claim_amount, approved_amount, paid_amount,
	status, rejection_reason, added_at, responded_at`

func (r *PGRepository) Create(ctx context.Context, b *Batch) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	s := b.Snapshot()
	if _, err := tx.Exec(ctx, `INSERT INTO claim_batches (`+batchColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`, batchArgs(s)...); err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("batch %s or a draft for %s already exists", s.Number, s.Period.Format("2006-01"))
		}
		return fmt.Errorf("insert batch: %w", err)
	}
	if err := r.persistItems(ctx, tx, s); err != nil {
		return err
	}
	if err := r.appendEvents(ctx, tx, b.Changes()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	b.ClearChanges()
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (*Batch, error) {
	s, err := r.load(ctx, r.pool, `SELECT `+batchColumns+` FROM claim_batches WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return Restore(s), nil
}

func (r *PGRepository) Update(ctx context.Context, id string, fn func(*Batch) error) (*Batch, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, err := r.load(ctx, tx, `SELECT `+batchColumns+` FROM claim_batches WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	b := Restore(stored)
	if err := fn(b); err != nil {
		return nil, err
	}
	if len(b.Changes()) == 0 {
		return b, nil
	}

	s := b.Snapshot()
	tag, err := tx.Exec(ctx, `UPDATE claim_batches SET
		number=$2, name=$3, period=$4, status=$5, total_claims=$6, total_amount=$7,
		approved_amount=$8, paid_amount=$9, remitted_amount=$10, payment_date=$11,
		created_by=$12, finalized_at=$13, submitted_at=$14, version=$15, created_at=$16, updated_at=$17
		WHERE id=$1 AND version=$18`, append(batchArgs(s), stored.Version)...)
	if err != nil {
		return nil, fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.Conflict("batch %s was modified concurrently", id)
	}
	if err := r.persistItems(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := r.appendEvents(ctx, tx, b.Changes()); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	b.ClearChanges()
	return b, nil
}

func (r *PGRepository) History(ctx context.Context, id string) ([]*Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp,
		       actor, previous_status, new_status, note
		FROM claim_batch_events
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
			&e.Version, &e.Timestamp, &e.Actor, &e.PreviousStatus, &e.NewStatus, &e.Note); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errs.NotFound("batch", id)
	}
	return events, nil
}

func (r *PGRepository) FindDraft(ctx context.Context, period time.Time) (*Batch, error) {
	s, err := r.load(ctx, r.pool, `SELECT `+batchColumns+` FROM claim_batches WHERE status = 'draft' AND period = $1`, PeriodOf(period))
	if err != nil {
		return nil, err
	}
	return Restore(s), nil
}

func (r *PGRepository) FindByClaim(ctx context.Context, claimID string) (*Batch, error) {
	s, err := r.load(ctx, r.pool, `SELECT `+batchColumns+` FROM claim_batches
		WHERE id = (SELECT batch_id FROM claim_batch_items WHERE claim_id = $1 ORDER BY added_at DESC LIMIT 1)`, claimID)
	if err != nil {
		return nil, err
	}
	return Restore(s), nil
}

func (r *PGRepository) NextSequence(ctx context.Context, period time.Time) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM claim_batches WHERE period = $1`, PeriodOf(period)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return n + 1, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func (r *PGRepository) load(ctx context.Context, q querier, query string, arg interface{}) (Snapshot, error) {
	var (
		s        Snapshot
		remitted decimal.NullDecimal
	)
	err := q.QueryRow(ctx, query, arg).Scan(
		&s.ID, &s.Number, &s.Name, &s.Period, &s.Status, &s.TotalClaims, &s.TotalAmount, &s.ApprovedAmount, &s.PaidAmount,
		&remitted, &s.PaymentDate, &s.CreatedBy, &s.FinalizedAt, &s.SubmittedAt, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, errs.NotFound("batch", fmt.Sprint(arg))
	}
	if err != nil {
		return s, fmt.Errorf("load batch: %w", err)
	}
	if remitted.Valid {
		s.RemittedAmount = &remitted.Decimal
	}
	s.Period = s.Period.UTC()

	rows, err := q.Query(ctx, `SELECT `+itemColumns+` FROM claim_batch_items WHERE batch_id = $1 ORDER BY added_at, id`, s.ID)
	if err != nil {
		return s, fmt.Errorf("load batch items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.BatchID, &it.ClaimID, &it.VisitID, &it.ClaimAmount, &it.ApprovedAmount,
			&it.PaidAmount, &it.Status, &it.RejectionReason, &it.AddedAt, &it.RespondedAt); err != nil {
			return s, fmt.Errorf("scan batch item: %w", err)
		}
		s.Items = append(s.Items, it)
	}
	return s, rows.Err()
}

func (r *PGRepository) persistItems(ctx context.Context, tx pgx.Tx, s Snapshot) error {
	live := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		live = append(live, it.ID)
		if _, err := tx.Exec(ctx, `INSERT INTO claim_batch_items (`+itemColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (id) DO UPDATE SET
				approved_amount=EXCLUDED.approved_amount, paid_amount=EXCLUDED.paid_amount,
				status=EXCLUDED.status, rejection_reason=EXCLUDED.rejection_reason,
				responded_at=EXCLUDED.responded_at`,
			it.ID, s.ID, it.ClaimID, it.VisitID, it.ClaimAmount, it.ApprovedAmount, it.PaidAmount,
			it.Status, it.RejectionReason, it.AddedAt, it.RespondedAt,
		); err != nil {
			return fmt.Errorf("upsert batch item %s: %w", it.ID, err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM claim_batch_items WHERE batch_id = $1 AND NOT (id = ANY($2))`, s.ID, live); err != nil {
		return fmt.Errorf("delete removed batch items: %w", err)
	}
	return nil
}

func (r *PGRepository) appendEvents(ctx context.Context, tx pgx.Tx, events []*Event) error {
	for _, e := range events {
		if _, err := tx.Exec(ctx, `
			INSERT INTO claim_batch_events
			(id, aggregate_id, aggregate_type, event_type, event_data, version, timestamp,
			 actor, previous_status, new_status, note)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.AggregateID, e.AggregateType, e.EventType, e.EventData, e.Version, e.Timestamp,
			e.Actor, e.PreviousStatus, e.NewStatus, e.Note,
		); err != nil {
			return fmt.Errorf("insert batch event: %w", err)
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

func batchArgs(s Snapshot) []interface{} {
	var remitted decimal.NullDecimal
	if s.RemittedAmount != nil {
		remitted = decimal.NewNullDecimal(*s.RemittedAmount)
	}
	return []interface{}{
		s.ID, s.Number, s.Name, s.Period, s.Status, s.TotalClaims, s.TotalAmount, s.ApprovedAmount, s.PaidAmount,
		remitted, s.PaymentDate, s.CreatedBy, s.FinalizedAt, s.SubmittedAt, s.Version, s.CreatedAt, s.UpdatedAt,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

package batch

import (
	"context"
	"sync"
	"time"

	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// OutboxTopic is the topic batch events are relayed to.
const OutboxTopic = "claim-batches.events"

// Repository persists batches. At most one draft batch exists per period.
type Repository interface {
	Create(ctx context.Context, b *Batch) error
	Get(ctx context.Context, id string) (*Batch, error)
	Update(ctx context.Context, id string, fn func(*Batch) error) (*Batch, error)
	History(ctx context.Context, id string) ([]*Event, error)
	FindDraft(ctx context.Context, period time.Time) (*Batch, error)
	FindByClaim(ctx context.Context, claimID string) (*Batch, error)
	NextSequence(ctx context.Context, period time.Time) (int, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu      sync.Mutex
	batches map[string]Snapshot
	events  map[string][]*Event
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		batches: make(map[string]Snapshot),
		events:  make(map[string][]*Event),
	}
}

func (r *MemoryRepository) Create(_ context.Context, b *Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.batches {
		if s.Number == b.Number() {
			return errs.Conflict("batch number %s already used", b.Number())
		}
		if s.Status == StatusDraft && b.Status() == StatusDraft && s.Period.Equal(b.Period()) {
			return errs.Conflict("period %s already has a draft batch", b.Period().Format("2006-01"))
		}
	}
	r.batches[b.ID()] = b.Snapshot()
	r.events[b.ID()] = append([]*Event(nil), b.Changes()...)
	b.ClearChanges()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.batches[id]
	if !ok {
		return nil, errs.NotFound("batch", id)
	}
	return Restore(s), nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, fn func(*Batch) error) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.batches[id]
	if !ok {
		return nil, errs.NotFound("batch", id)
	}
	b := Restore(s)
	if err := fn(b); err != nil {
		return nil, err
	}
	if len(b.Changes()) == 0 {
		return b, nil
	}
	next := b.Snapshot()
	for _, it := range next.Items {
		if other, ok := r.batchHolding(it.ClaimID, id); ok {
			return nil, errs.Conflict("claim %s is already in batch %s", it.ClaimID, other.Number)
		}
	}
	r.batches[id] = next
	history := make([]*Event, 0, len(r.events[id])+len(b.Changes()))
	history = append(history, r.events[id]...)
	r.events[id] = append(history, b.Changes()...)
	b.ClearChanges()
	return b, nil
}

func (r *MemoryRepository) History(_ context.Context, id string) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events, ok := r.events[id]
	if !ok {
		return nil, errs.NotFound("batch", id)
	}
	return append([]*Event(nil), events...), nil
}

func (r *MemoryRepository) FindDraft(_ context.Context, period time.Time) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	period = PeriodOf(period)
	for _, s := range r.batches {
		if s.Status == StatusDraft && s.Period.Equal(period) {
			return Restore(s), nil
		}
	}
	return nil, errs.NotFound("draft batch for period", period.Format("2006-01"))
}

func (r *MemoryRepository) FindByClaim(_ context.Context, claimID string) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.batchHolding(claimID, ""); ok {
		return Restore(s), nil
	}
	return nil, errs.NotFound("batch for claim", claimID)
}

// batchHolding finds a batch other than except that holds the claim. Callers hold r.mu.
func (r *MemoryRepository) batchHolding(claimID, except string) (Snapshot, bool) {
	for id, s := range r.batches {
		if id == except {
			continue
		}
		for _, it := range s.Items {
			if it.ClaimID == claimID {
				return s, true
			}
		}
	}
	return Snapshot{}, false
}

func (r *MemoryRepository) NextSequence(_ context.Context, period time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	period = PeriodOf(period)
	n := 0
	for _, s := range r.batches {
		if s.Period.Equal(period) {
			n++
		}
	}
	return n + 1, nil
}

package claim

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// OutboxTopic is the topic published claim events are relayed to.
const OutboxTopic = "claims.events"

// ListFilter narrows ListIDs. Zero values match everything.
type ListFilter struct {
	Statuses    []Status
	NeedsReview *bool
	Limit       int
}

func (f ListFilter) matches(s Snapshot) bool {
	if f.NeedsReview != nil && s.NeedsReview != *f.NeedsReview {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if st == s.Status {
			return true
		}
	}
	return false
}

// Repository persists claims. Update is the atomic read-modify-write unit: fn
// runs against the current state and its events are stored together with the
// new state, or not at all.
type Repository interface {
	Create(ctx context.Context, c *Claim) error
	Get(ctx context.Context, id string) (*Claim, error)
	FindByVisit(ctx context.Context, visitID string) (*Claim, error)
	Update(ctx context.Context, id string, fn func(*Claim) error) (*Claim, error)
	History(ctx context.Context, id string) ([]*Event, error)
	ListIDs(ctx context.Context, filter ListFilter) ([]string, error)
}

// EventSink receives committed events. It runs outside the claim's lock.
type EventSink func(ctx context.Context, events []*Event)

// MemoryRepository is an in-process Repository. Each claim has its own mutex,
// so different claims proceed in parallel.
type MemoryRepository struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	claims  map[string]Snapshot
	byVisit map[string]string
	events  map[string][]*Event
	sinks   []EventSink
	logger  *zap.Logger
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository(logger *zap.Logger) *MemoryRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryRepository{
		locks:   make(map[string]*sync.Mutex),
		claims:  make(map[string]Snapshot),
		byVisit: make(map[string]string),
		events:  make(map[string][]*Event),
		logger:  logger,
	}
}

// Subscribe registers a sink for committed events.
func (r *MemoryRepository) Subscribe(sink EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

func (r *MemoryRepository) Create(ctx context.Context, c *Claim) error {
	r.mu.Lock()
	if _, ok := r.byVisit[c.VisitID()]; ok {
		r.mu.Unlock()
		return errs.Conflict("visit %s already has a claim", c.VisitID())
	}
	if _, ok := r.claims[c.ID()]; ok {
		r.mu.Unlock()
		return errs.Conflict("claim %s already exists", c.ID())
	}
	events := c.Changes()
	r.claims[c.ID()] = c.Snapshot()
	r.byVisit[c.VisitID()] = c.ID()
	r.locks[c.ID()] = &sync.Mutex{}
	r.events[c.ID()] = append([]*Event(nil), events...)
	sinks := r.sinks
	r.mu.Unlock()

	c.ClearChanges()
	r.publish(ctx, sinks, events)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.claims[id]
	if !ok {
		return nil, errs.NotFound("claim", id)
	}
	return Restore(s), nil
}

func (r *MemoryRepository) FindByVisit(ctx context.Context, visitID string) (*Claim, error) {
	r.mu.Lock()
	id, ok := r.byVisit[visitID]
	r.mu.Unlock()
	if !ok {
		return nil, errs.NotFound("claim for visit", visitID)
	}
	return r.Get(ctx, id)
}

func (r *MemoryRepository) Update(ctx context.Context, id string, fn func(*Claim) error) (*Claim, error) {
	r.mu.Lock()
	lock, ok := r.locks[id]
	r.mu.Unlock()
	if !ok {
		return nil, errs.NotFound("claim", id)
	}

	lock.Lock()
	r.mu.Lock()
	stored := r.claims[id]
	r.mu.Unlock()

	c := Restore(stored)
	if err := fn(c); err != nil {
		lock.Unlock()
		return nil, err
	}
	events := c.Changes()
	if len(events) == 0 {
		lock.Unlock()
		return c, nil
	}

	r.mu.Lock()
	if r.claims[id].Version != c.Version()-len(events) {
		r.mu.Unlock()
		lock.Unlock()
		return nil, errs.Conflict("claim %s was modified concurrently", id)
	}
	r.claims[id] = c.Snapshot()
	history := make([]*Event, 0, len(r.events[id])+len(events))
	history = append(history, r.events[id]...)
	r.events[id] = append(history, events...)
	sinks := r.sinks
	r.mu.Unlock()
	lock.Unlock()

	c.ClearChanges()
	r.publish(ctx, sinks, events)
	return c, nil
}

func (r *MemoryRepository) History(_ context.Context, id string) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events, ok := r.events[id]
	if !ok {
		return nil, errs.NotFound("claim", id)
	}
	return append([]*Event(nil), events...), nil
}

func (r *MemoryRepository) ListIDs(_ context.Context, filter ListFilter) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.claims))
	for id, s := range r.claims {
		if filter.matches(s) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[:filter.Limit]
	}
	return ids, nil
}

func (r *MemoryRepository) publish(ctx context.Context, sinks []EventSink, events []*Event) {
	for _, sink := range sinks {
		sink(ctx, events)
	}
	r.logger.Debug("claim events committed", zap.Int("count", len(events)))
}

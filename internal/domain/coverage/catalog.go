package coverage

import (
	"context"
	"sync"

	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// Catalog is the read-only view of plans, rules and tariffs the calculator depends on.
// Implementations return every candidate; effective-window filtering is done by the
// calculator so that results can be cached independent of the service date.
type Catalog interface {
	// Plan returns errs.ErrNotFound when the plan does not exist.
	Plan(ctx context.Context, planID string) (*Plan, error)
	Rules(ctx context.Context, planID string, category Category) ([]CoverageRule, error)
	Tariffs(ctx context.Context, planID string, itemType ItemType, itemCode string) ([]TariffEntry, error)
	// ReferenceTariffs resolves the item's national scheme mapping. Unmapped items
	// return no entries and no error.
	ReferenceTariffs(ctx context.Context, item ItemRef) ([]ReferenceTariff, error)
}

// StaticCatalog is an in-memory Catalog for fixed rule sets and estimation.
type StaticCatalog struct {
	mu        sync.RWMutex
	plans     map[string]*Plan
	rules     map[string][]CoverageRule
	tariffs   map[string][]TariffEntry
	mappings  map[string]string
	reference map[string][]ReferenceTariff
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{
		plans:     make(map[string]*Plan),
		rules:     make(map[string][]CoverageRule),
		tariffs:   make(map[string][]TariffEntry),
		mappings:  make(map[string]string),
		reference: make(map[string][]ReferenceTariff),
	}
}

func (s *StaticCatalog) AddPlan(p Plan) *StaticCatalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = &p
	return s
}

func (s *StaticCatalog) AddRule(r CoverageRule) *StaticCatalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.PlanID + "|" + string(r.Category)
	s.rules[key] = append(s.rules[key], r)
	return s
}

func (s *StaticCatalog) AddTariff(e TariffEntry) *StaticCatalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tariffKey(e.PlanID, e.ItemType, e.ItemCode)
	s.tariffs[key] = append(s.tariffs[key], e)
	return s
}

// MapItem maps an item type and code to a national scheme code.
func (s *StaticCatalog) MapItem(itemType ItemType, itemCode, schemeCode string) *StaticCatalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[string(itemType.Category())+"|"+itemCode] = schemeCode
	return s
}

func (s *StaticCatalog) AddReferenceTariff(r ReferenceTariff) *StaticCatalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reference[r.Code] = append(s.reference[r.Code], r)
	return s
}

func (s *StaticCatalog) Plan(_ context.Context, planID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planID]
	if !ok {
		return nil, errs.NotFound("plan", planID)
	}
	cp := *p
	return &cp, nil
}

func (s *StaticCatalog) Rules(_ context.Context, planID string, category Category) ([]CoverageRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CoverageRule(nil), s.rules[planID+"|"+string(category)]...), nil
}

func (s *StaticCatalog) Tariffs(_ context.Context, planID string, itemType ItemType, itemCode string) ([]TariffEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TariffEntry(nil), s.tariffs[tariffKey(planID, itemType, itemCode)]...), nil
}

func (s *StaticCatalog) ReferenceTariffs(_ context.Context, item ItemRef) ([]ReferenceTariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code := item.ExternalID
	if code == "" {
		code = s.mappings[string(item.Type.Category())+"|"+item.Code]
	}
	if code == "" {
		return nil, nil
	}
	return append([]ReferenceTariff(nil), s.reference[code]...), nil
}

func tariffKey(planID string, itemType ItemType, itemCode string) string {
	return planID + "|" + string(itemType.Category()) + "|" + itemCode
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justdick/hms-sub020/internal/domain/batch"
	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/domain/coverage"
)

type testServer struct {
	handler http.Handler
	claims  *claim.Service
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	catalog := coverage.NewStaticCatalog().
		AddPlan(coverage.Plan{ID: "plan-1", Name: "Gold", IsActive: true}).
		AddRule(coverage.CoverageRule{
			ID: "rule-lab", PlanID: "plan-1", Category: coverage.Category(coverage.ItemLab),
			IsCovered: true, CoverageType: coverage.CoveragePercentage,
			CoverageValue: decimal.NewFromInt(90), IsActive: true,
		})
	calc := coverage.NewCalculator(catalog)
	claims := claim.NewService(claim.NewMemoryRepository(nil), calc, nil)
	batches := batch.NewService(batch.NewMemoryRepository(), claims, nil)
	return &testServer{
		handler: NewRouter(Deps{
			Calculator: calc,
			Claims:     claims,
			Batches:    batches,
			APIKeys:    map[string]string{"desk-key": "claims-desk"},
		}),
		claims: claims,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", "desk-key")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) openClaim(t *testing.T, visit string) *claim.Claim {
	t.Helper()
	c, err := s.claims.Dispatch(context.Background(), claim.ChargeCreated{Charge: claim.Charge{
		ID: "ch-" + visit, VisitID: visit, PlanID: "plan-1",
		Item:         coverage.ItemRef{Type: coverage.ItemLab, Code: "FBC"},
		BilledAmount: decimal.NewFromInt(100), Quantity: 1,
		ChargedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)
	return c
}

type claimView struct {
	ID                     string          `json:"id"`
	Status                 string          `json:"status"`
	TotalClaimAmount       decimal.Decimal `json:"total_claim_amount"`
	InsuranceCoveredAmount decimal.Decimal `json:"insurance_covered_amount"`
	ApprovedAmount         decimal.Decimal `json:"approved_amount"`
	LineItems              []struct {
		ID string `json:"id"`
	} `json:"line_items"`
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRouter_RequiresAPIKey(t *testing.T) {
	s := newServer(t)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/claims/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCoverageEstimate(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/coverage/estimate", map[string]any{
		"items": []map[string]any{
			{"plan_id": "plan-1", "item": map[string]string{"type": "lab", "code": "FBC"}, "billed_amount": "200", "quantity": 1},
			{"plan_id": "plan-1", "item": map[string]string{"type": "drug", "code": "PCM"}, "billed_amount": "15", "quantity": 1},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	est := decodeInto[coverage.Estimate](t, rec)
	require.Len(t, est.Items, 2)
	assert.True(t, decimal.NewFromInt(180).Equal(est.InsurancePays), est.InsurancePays.String())
	assert.True(t, decimal.NewFromInt(35).Equal(est.PatientPays), est.PatientPays.String())
	assert.Equal(t, 1, est.Uncovered)

	rec = s.do(t, http.MethodPost, "/api/v1/coverage/estimate", map[string]any{"items": []any{}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestClaimWorkflowOverHTTP(t *testing.T) {
	s := newServer(t)
	c := s.openClaim(t, "v1")
	base := "/api/v1/claims/" + c.ID()

	rec := s.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeInto[claimView](t, rec)
	assert.Equal(t, "draft", view.Status)
	require.Len(t, view.LineItems, 1)

	rec = s.do(t, http.MethodPost, base+"/submit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "draft claims cannot be submitted")

	rec = s.do(t, http.MethodPost, base+"/vet", map[string]any{
		"decision": "approve",
		"items":    []map[string]any{{"line_item_id": view.LineItems[0].ID, "approved": true}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view = decodeInto[claimView](t, rec)
	assert.Equal(t, "vetted", view.Status)
	assert.True(t, decimal.NewFromInt(90).Equal(view.ApprovedAmount))

	rec = s.do(t, http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, base+"/vet", map[string]any{"decision": "approve"})
	assert.Equal(t, http.StatusConflict, rec.Code, "submitted claims cannot be re-vetted")

	rec = s.do(t, http.MethodPost, base+"/approve", map[string]any{"amount": "85"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decodeInto[claimView](t, rec).Status)

	rec = s.do(t, http.MethodGet, base+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeInto[[]claim.StatusChange](t, rec)
	require.Len(t, history, 3)
	assert.Equal(t, "claims-desk", history[2].Actor)

	rec = s.do(t, http.MethodPost, base+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeInto[claim.AuditResult](t, rec).Flagged)
}

func TestClaimErrors(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/claims/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	c := s.openClaim(t, "v2")
	rec = s.do(t, http.MethodPost, "/api/v1/claims/"+c.ID()+"/vet", map[string]any{"decision": "maybe"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeInto[map[string]string](t, rec)
	assert.Equal(t, "invalid", body["code"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/claims/"+c.ID()+"/cancel", bytes.NewBufferString("{"))
	req.Header.Set("X-API-Key", "desk-key")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestBatchesOverHTTP(t *testing.T) {
	s := newServer(t)
	c := s.openClaim(t, "v3")
	li, _ := c.LineItemForCharge("ch-v3")
	_, err := s.claims.Vet(context.Background(), c.ID(), claim.VetDecision{
		Decision: claim.DecisionApprove,
		Items:    []claim.ItemDecision{{LineItemID: li.ID, Approved: true}},
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/v1/batches", map[string]any{"period": "2026-03"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeInto[batch.Snapshot](t, rec)
	assert.Equal(t, "BATCH-202603-0001", created.Number)
	base := "/api/v1/batches/" + created.ID

	rec = s.do(t, http.MethodPost, "/api/v1/batches", map[string]any{"period": "March"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/claims", map[string]any{"claim_id": c.ID()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decodeInto[batch.Snapshot](t, rec).Items, 1)

	rec = s.do(t, http.MethodPost, base+"/claims", map[string]any{"claim_id": c.ID()})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/batches?claim_id="+c.ID(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, created.ID, decodeInto[batch.Snapshot](t, rec).ID)
	rec = s.do(t, http.MethodGet, "/api/v1/batches", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/finalize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodDelete, base+"/claims/"+c.ID(), nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "finalized batches are sealed")

	rec = s.do(t, http.MethodPost, base+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err := s.claims.Get(context.Background(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, claim.StatusSubmitted, got.Status())

	rec = s.do(t, http.MethodPost, base+"/responses", map[string]any{
		"claim_id": c.ID(), "outcome": "paid", "amount": "90",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, base+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeInto[[]batch.StatusChange](t, rec))
}

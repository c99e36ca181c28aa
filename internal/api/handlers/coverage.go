package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/coverage"
)

// CoverageHandler prices items before they are charged.
type CoverageHandler struct {
	calc   *coverage.Calculator
	logger *zap.Logger
}

func NewCoverageHandler(calc *coverage.Calculator, logger *zap.Logger) *CoverageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoverageHandler{calc: calc, logger: logger}
}

func (h *CoverageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/estimate", h.Estimate)
	return r
}

type EstimateRequest struct {
	Items []coverage.Request `json:"items" validate:"required,min=1,max=200,dive"`
}

// Estimate handles POST /coverage/estimate. Items without a date are priced as of now.
func (h *CoverageHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	now := time.Now().UTC()
	for i := range req.Items {
		if req.Items[i].At.IsZero() {
			req.Items[i].At = now
		}
	}
	est, err := h.calc.EstimateBatch(r.Context(), req.Items)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

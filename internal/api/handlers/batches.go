package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/batch"
	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// BatchHandler exposes claim batch submission.
type BatchHandler struct {
	svc    *batch.Service
	logger *zap.Logger
}

func NewBatchHandler(svc *batch.Service, logger *zap.Logger) *BatchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchHandler{svc: svc, logger: logger}
}

func (h *BatchHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.FindByClaim)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/history", h.History)
	r.Post("/{id}/claims", h.AddClaim)
	r.Delete("/{id}/claims/{claimID}", h.RemoveClaim)
	r.Post("/{id}/finalize", h.Finalize)
	r.Post("/{id}/submit", h.Submit)
	r.Post("/{id}/responses", h.RecordResponse)
	r.Post("/{id}/pay", h.Pay)
	return r
}

type CreateBatchRequest struct {
	Name string `json:"name,omitempty"`
	// Period is the submission month, YYYY-MM. Defaults to the current month.
	Period string `json:"period,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

type AddClaimRequest struct {
	ClaimID string `json:"claim_id" validate:"required"`
}

type ResponseRequest struct {
	batch.Response
	Actor string `json:"actor,omitempty"`
}

func (h *BatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	period := time.Now().UTC()
	if req.Period != "" {
		p, err := time.Parse("2006-01", req.Period)
		if err != nil {
			writeError(w, r, h.logger, errs.Validation("period", "must be YYYY-MM"))
			return
		}
		period = p
	}
	b, err := h.svc.Create(r.Context(), req.Name, period, actorOf(r, req.Actor))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, b.Snapshot())
}

func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

// FindByClaim looks a batch up by member claim: GET /?claim_id=.
func (h *BatchHandler) FindByClaim(w http.ResponseWriter, r *http.Request) {
	claimID := r.URL.Query().Get("claim_id")
	if claimID == "" {
		writeError(w, r, h.logger, errs.Validation("claim_id", "is required"))
		return
	}
	b, err := h.svc.FindByClaim(r.Context(), claimID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (h *BatchHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if history == nil {
		history = []batch.StatusChange{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *BatchHandler) AddClaim(w http.ResponseWriter, r *http.Request) {
	var req AddClaimRequest
	h.respond(w, r, &req, func() (*batch.Batch, error) {
		return h.svc.AddClaim(r.Context(), chi.URLParam(r, "id"), req.ClaimID)
	})
}

func (h *BatchHandler) RemoveClaim(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.RemoveClaim(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "claimID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (h *BatchHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	h.respond(w, r, &req, func() (*batch.Batch, error) {
		return h.svc.Finalize(r.Context(), chi.URLParam(r, "id"), actorOf(r, req.Actor))
	})
}

// Submit returns 207 when the batch was submitted but some member claims
// could not be.
func (h *BatchHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	b, err := h.svc.Submit(r.Context(), chi.URLParam(r, "id"), actorOf(r, req.Actor))
	if err != nil && b == nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusMultiStatus, map[string]any{"batch": b.Snapshot(), "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (h *BatchHandler) RecordResponse(w http.ResponseWriter, r *http.Request) {
	var req ResponseRequest
	h.respond(w, r, &req, func() (*batch.Batch, error) {
		if req.Outcome == batch.OutcomePaid && req.Date.IsZero() {
			req.Date = time.Now().UTC()
		}
		return h.svc.RecordResponse(r.Context(), chi.URLParam(r, "id"), req.Response, actorOf(r, req.Actor))
	})
}

func (h *BatchHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	h.respond(w, r, &req, func() (*batch.Batch, error) {
		if req.Date.IsZero() {
			req.Date = time.Now().UTC()
		}
		return h.svc.MarkPaid(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Date, actorOf(r, req.Actor))
	})
}

func (h *BatchHandler) respond(w http.ResponseWriter, r *http.Request, req any, fn func() (*batch.Batch, error)) {
	if err := decode(r, req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	b, err := fn()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b.Snapshot())
}
